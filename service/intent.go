package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/logger"
)

// Intent is the per-virtual-user façade. It ensures registration and
// membership before acting and keeps a small in-memory joined-rooms cache.
// At most one Intent exists per user ID; all callers share it.
type Intent struct {
	userID id.UserID
	client ClientAPI
	as     *Appservice

	registerMu sync.Mutex
	registered bool

	joinedMu    sync.RWMutex
	joinedRooms map[id.RoomID]struct{}

	encryptionReady bool
}

// UserID returns the user this intent acts as.
func (i *Intent) UserID() id.UserID {
	return i.userID
}

// Client exposes the underlying impersonating client.
func (i *Intent) Client() ClientAPI {
	return i.client
}

// EnsureRegistered registers the user with the homeserver once. Concurrent
// callers coalesce; "already exists" responses count as success.
func (i *Intent) EnsureRegistered(ctx context.Context) error {
	i.registerMu.Lock()
	defer i.registerMu.Unlock()

	if i.registered {
		return nil
	}
	known, err := i.as.storage.IsUserRegistered(i.userID)
	if err != nil {
		logger.Warn().Str("user_id", string(i.userID)).Err(err).Msg("registered-user lookup failed")
	} else if known {
		i.registered = true
		return nil
	}

	localpart, _, err := i.userID.Parse()
	if err != nil {
		return fmt.Errorf("%w: parse %q: %v", ErrRegistration, i.userID, err)
	}
	if err := i.client.RegisterUser(ctx, localpart); err != nil {
		if !errors.Is(err, mautrix.MUserInUse) && !errors.Is(err, mautrix.MExclusive) {
			return fmt.Errorf("%w: %w", ErrRegistration, err)
		}
		logger.Debug().Str("user_id", string(i.userID)).Msg("user already registered")
	}

	i.registered = true
	if err := i.as.storage.AddRegisteredUser(i.userID); err != nil {
		logger.Warn().Str("user_id", string(i.userID)).Err(err).Msg("failed to persist registered user")
	}
	return nil
}

// EnsureJoined resolves the room and joins it through the join strategy
// unless the cached joined-rooms set already contains it.
func (i *Intent) EnsureJoined(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	roomID, err := i.client.ResolveRoom(ctx, roomIDOrAlias)
	if err != nil {
		return "", fmt.Errorf("resolve room %q: %w", roomIDOrAlias, err)
	}
	i.joinedMu.RLock()
	_, joined := i.joinedRooms[roomID]
	i.joinedMu.RUnlock()
	if joined {
		return roomID, nil
	}
	return i.JoinRoom(ctx, string(roomID))
}

// JoinRoom joins unconditionally through the join strategy and records the
// room in the cache on success.
func (i *Intent) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	roomID, err := i.as.joinStrategy.Join(ctx, roomIDOrAlias, i.userID, i.client.JoinRoom)
	if err != nil {
		return "", err
	}
	i.markJoined(roomID)
	return roomID, nil
}

// LeaveRoom leaves the room and drops it from the cache.
func (i *Intent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if err := i.client.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	i.markLeft(roomID)
	return nil
}

// SendEvent ensures registration and membership, then sends the event. When
// crypto is enabled and the room is encrypted, the event is routed through
// the crypto engine first.
func (i *Intent) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content map[string]any) (id.EventID, error) {
	if err := i.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	if _, err := i.EnsureJoined(ctx, string(roomID)); err != nil {
		return "", err
	}

	if i.as.crypto != nil {
		cfg, err := i.as.tracker.GetRoomCryptoConfig(ctx, roomID)
		if err != nil {
			return "", err
		}
		if cfg.IsEncrypted() {
			if !i.as.cryptoReady.Load() {
				return "", ErrCryptoNotReady
			}
			encType, encContent, err := i.as.crypto.Encrypt(ctx, roomID, eventType, content)
			if err != nil {
				return "", fmt.Errorf("encrypt event: %w", err)
			}
			eventType, content = encType, encContent
		}
	}

	return i.client.SendEvent(ctx, roomID, eventType, content)
}

// RefreshJoinedRooms replaces the cache with the homeserver's current list.
func (i *Intent) RefreshJoinedRooms(ctx context.Context) error {
	rooms, err := i.client.JoinedRooms(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[id.RoomID]struct{}, len(rooms))
	for _, r := range rooms {
		fresh[r] = struct{}{}
	}
	i.joinedMu.Lock()
	i.joinedRooms = fresh
	i.joinedMu.Unlock()
	return nil
}

// KnownJoinedRooms returns a snapshot of the cached joined-rooms set.
func (i *Intent) KnownJoinedRooms() []id.RoomID {
	i.joinedMu.RLock()
	defer i.joinedMu.RUnlock()
	rooms := make([]id.RoomID, 0, len(i.joinedRooms))
	for r := range i.joinedRooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// IsJoined reports whether the cache contains the room.
func (i *Intent) IsJoined(roomID id.RoomID) bool {
	i.joinedMu.RLock()
	defer i.joinedMu.RUnlock()
	_, ok := i.joinedRooms[roomID]
	return ok
}

func (i *Intent) markJoined(roomID id.RoomID) {
	i.joinedMu.Lock()
	i.joinedRooms[roomID] = struct{}{}
	i.joinedMu.Unlock()
}

func (i *Intent) markLeft(roomID id.RoomID) {
	i.joinedMu.Lock()
	delete(i.joinedRooms, roomID)
	i.joinedMu.Unlock()
}
