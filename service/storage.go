package service

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Storage is the small persistence surface the core consumes. db.Database
// provides the sqlite implementation; MemoryStorage is the default.
type Storage interface {
	GetValue(key string) (string, error)
	SetValue(key, value string) error

	IsUserRegistered(userID id.UserID) (bool, error)
	AddRegisteredUser(userID id.UserID) error

	IsTransactionCompleted(txnID string) (bool, error)
	SetTransactionCompleted(txnID string) error
}

// CryptoStore holds per-room encryption settings plus the opaque device
// identity the crypto engine needs. The core never interprets the blobs.
type CryptoStore interface {
	GetRoom(roomID id.RoomID) (*RoomEncryptionConfig, error)
	StoreRoom(roomID id.RoomID, config *RoomEncryptionConfig) error

	ReadDeviceID() (id.DeviceID, error)
	SetDeviceID(deviceID id.DeviceID) error
}

// MemoryStorage is the in-process Storage used when no database path is
// configured, and in tests.
type MemoryStorage struct {
	mu         sync.RWMutex
	values     map[string]string
	registered map[id.UserID]struct{}
	completed  map[string]struct{}
}

// NewMemoryStorage creates an empty in-memory storage provider.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values:     make(map[string]string),
		registered: make(map[id.UserID]struct{}),
		completed:  make(map[string]struct{}),
	}
}

func (m *MemoryStorage) GetValue(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *MemoryStorage) SetValue(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStorage) IsUserRegistered(userID id.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.registered[userID]
	return ok, nil
}

func (m *MemoryStorage) AddRegisteredUser(userID id.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[userID] = struct{}{}
	return nil
}

func (m *MemoryStorage) IsTransactionCompleted(txnID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.completed[txnID]
	return ok, nil
}

func (m *MemoryStorage) SetTransactionCompleted(txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[txnID] = struct{}{}
	return nil
}

// MemoryCryptoStore is the in-process CryptoStore counterpart.
type MemoryCryptoStore struct {
	mu       sync.RWMutex
	rooms    map[id.RoomID]*RoomEncryptionConfig
	deviceID id.DeviceID
}

// NewMemoryCryptoStore creates an empty in-memory crypto store.
func NewMemoryCryptoStore() *MemoryCryptoStore {
	return &MemoryCryptoStore{rooms: make(map[id.RoomID]*RoomEncryptionConfig)}
}

func (m *MemoryCryptoStore) GetRoom(roomID id.RoomID) (*RoomEncryptionConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID], nil
}

func (m *MemoryCryptoStore) StoreRoom(roomID id.RoomID, config *RoomEncryptionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = config
	return nil
}

func (m *MemoryCryptoStore) ReadDeviceID() (id.DeviceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceID, nil
}

func (m *MemoryCryptoStore) SetDeviceID(deviceID id.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceID = deviceID
	return nil
}
