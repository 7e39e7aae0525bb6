package service

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/models"
)

// RoomEncryptionConfig mirrors the m.room.encryption event content plus the
// room's history visibility. A zero value means "not encrypted".
type RoomEncryptionConfig struct {
	Algorithm          string `json:"algorithm,omitempty"`
	RotationPeriodMS   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int    `json:"rotation_period_msgs,omitempty"`
	HistoryVisibility  string `json:"history_visibility,omitempty"`
}

// IsEncrypted reports whether the room has an encryption algorithm set.
func (c *RoomEncryptionConfig) IsEncrypted() bool {
	return c != nil && c.Algorithm != ""
}

// CryptoEngine is the pluggable MSC3202 crypto backend. The core only routes
// material to and from it; Olm/Megolm handling lives behind this interface.
type CryptoEngine interface {
	// Prepare bootstraps the engine. Encryption-gated operations fail with
	// ErrCryptoNotReady until it returns.
	Prepare(ctx context.Context) error

	// Encrypt turns a plaintext event into its encrypted type and content
	// for the given room.
	Encrypt(ctx context.Context, roomID id.RoomID, eventType string, content map[string]any) (string, map[string]any, error)

	// Decrypt attempts to decrypt an m.room.encrypted event.
	Decrypt(ctx context.Context, evt *models.Event) (*models.Event, error)
}
