// Package db persists the appservice's small state in SQLite: opaque values,
// the registered-user set, completed transaction IDs and per-room encryption
// settings.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"

	"github.com/nethesis/matrix-appservice/logger"
	"github.com/nethesis/matrix-appservice/service"
)

const deviceIDKey = "crypto.device_id"

// Database implements service.Storage and service.CryptoStore over SQLite.
type Database struct {
	db *sql.DB
	mu sync.RWMutex

	// txnBound caps the completed-transactions table; older rows are
	// pruned on insert.
	txnBound int
}

var (
	_ service.Storage     = (*Database)(nil)
	_ service.CryptoStore = (*Database)(nil)
)

// NewDatabase initializes a SQLite database at the given path and creates
// the schema. txnBound <= 0 uses service.DefaultDedupBound.
func NewDatabase(dbPath string, txnBound int) (*Database, error) {
	if txnBound <= 0 {
		txnBound = service.DefaultDedupBound
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	d := &Database{db: db, txnBound: txnBound}
	if err := d.createSchema(); err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close sqlite database after createSchema error")
		}
		return nil, err
	}

	logger.Info().Str("path", dbPath).Msg("appservice database initialized")
	return d, nil
}

func (d *Database) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS registered_users (
		user_id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS completed_transactions (
		txn_id TEXT PRIMARY KEY,
		completed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS room_crypto (
		room_id TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// GetValue returns the stored value for key, or "" when absent.
func (d *Database) GetValue(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var value string
	err := d.db.QueryRow(`SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get value: %w", err)
	}
	return value, nil
}

// SetValue stores or replaces the value for key.
func (d *Database) SetValue(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value;
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return nil
}

// IsUserRegistered reports whether the user was previously registered.
func (d *Database) IsUserRegistered(userID id.UserID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var one int
	err := d.db.QueryRow(`SELECT 1 FROM registered_users WHERE user_id = ?;`, string(userID)).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check registered user: %w", err)
	}
	return true, nil
}

// AddRegisteredUser records the user as registered. Idempotent.
func (d *Database) AddRegisteredUser(userID id.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR IGNORE INTO registered_users (user_id) VALUES (?);`, string(userID))
	if err != nil {
		return fmt.Errorf("failed to add registered user: %w", err)
	}
	return nil
}

// IsTransactionCompleted reports whether the transaction ID was processed.
func (d *Database) IsTransactionCompleted(txnID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var one int
	err := d.db.QueryRow(`SELECT 1 FROM completed_transactions WHERE txn_id = ?;`, txnID).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return true, nil
}

// SetTransactionCompleted records the transaction ID and prunes rows beyond
// the bound, oldest first.
func (d *Database) SetTransactionCompleted(txnID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR IGNORE INTO completed_transactions (txn_id) VALUES (?);`, txnID)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	_, err = d.db.Exec(`
	DELETE FROM completed_transactions WHERE rowid NOT IN (
		SELECT rowid FROM completed_transactions ORDER BY rowid DESC LIMIT ?
	);`, d.txnBound)
	if err != nil {
		return fmt.Errorf("failed to prune transactions: %w", err)
	}
	return nil
}

// GetRoom returns the stored encryption config for a room, or nil when the
// room has never been refreshed.
func (d *Database) GetRoom(roomID id.RoomID) (*service.RoomEncryptionConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var raw string
	err := d.db.QueryRow(`SELECT config FROM room_crypto WHERE room_id = ?;`, string(roomID)).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get room config: %w", err)
	}

	var cfg service.RoomEncryptionConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode room config: %w", err)
	}
	return &cfg, nil
}

// StoreRoom saves the encryption config for a room.
func (d *Database) StoreRoom(roomID id.RoomID, config *service.RoomEncryptionConfig) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode room config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err = d.db.Exec(`
	INSERT INTO room_crypto (room_id, config, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(room_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at;
	`, string(roomID), string(raw))
	if err != nil {
		return fmt.Errorf("failed to store room config: %w", err)
	}
	return nil
}

// ReadDeviceID returns the persisted crypto device ID, or "" when unset.
func (d *Database) ReadDeviceID() (id.DeviceID, error) {
	value, err := d.GetValue(deviceIDKey)
	return id.DeviceID(value), err
}

// SetDeviceID persists the crypto device ID.
func (d *Database) SetDeviceID(deviceID id.DeviceID) error {
	return d.SetValue(deviceIDKey, string(deviceID))
}

// Close closes the database connection.
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
