package service

import (
	"context"
	"errors"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/logger"
)

// RoomTracker keeps per-room encryption configuration current from the
// homeserver's canonical state and feeds it to the crypto engine via the
// crypto store. Refreshes are deduplicated by room ID and never run
// concurrently for the same room.
type RoomTracker struct {
	client ClientAPI
	store  CryptoStore

	mu    sync.Mutex
	rooms map[id.RoomID]*roomRefreshState
}

type roomRefreshState struct {
	// runMu serializes refresh execution for one room.
	runMu sync.Mutex
	// pending marks a queued-but-not-started refresh, collapsing repeats.
	pending bool
}

// NewRoomTracker creates a tracker reading state through the given client
// (normally the bot's) and persisting via the crypto store.
func NewRoomTracker(client ClientAPI, store CryptoStore) *RoomTracker {
	return &RoomTracker{
		client: client,
		store:  store,
		rooms:  make(map[id.RoomID]*roomRefreshState),
	}
}

func (t *RoomTracker) state(roomID id.RoomID) *roomRefreshState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.rooms[roomID]
	if !ok {
		st = &roomRefreshState{}
		t.rooms[roomID] = st
	}
	return st
}

// QueueRefresh schedules an asynchronous refresh for the room. Repeated
// calls while one is queued collapse into a single refresh.
func (t *RoomTracker) QueueRefresh(roomID id.RoomID) {
	st := t.state(roomID)
	t.mu.Lock()
	if st.pending {
		t.mu.Unlock()
		return
	}
	st.pending = true
	t.mu.Unlock()

	go func() {
		st.runMu.Lock()
		defer st.runMu.Unlock()
		t.mu.Lock()
		st.pending = false
		t.mu.Unlock()
		if err := t.refresh(context.Background(), roomID); err != nil {
			logger.Warn().Str("room_id", string(roomID)).Err(err).Msg("room crypto refresh failed")
		}
	}()
}

// GetRoomCryptoConfig returns the stored config for the room. When absent it
// performs one synchronous refresh and re-reads; a still-missing config
// yields an empty ("not encrypted") value.
func (t *RoomTracker) GetRoomCryptoConfig(ctx context.Context, roomID id.RoomID) (*RoomEncryptionConfig, error) {
	cfg, err := t.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	st := t.state(roomID)
	st.runMu.Lock()
	cfg, err = t.store.GetRoom(roomID)
	if err == nil && cfg == nil {
		err = t.refresh(ctx, roomID)
	}
	st.runMu.Unlock()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg, err = t.store.GetRoom(roomID)
		if err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		return &RoomEncryptionConfig{}, nil
	}
	return cfg, nil
}

// refresh reads the canonical encryption and history-visibility state and
// stores the result. Missing state stores an empty config so repeated reads
// stay cheap.
func (t *RoomTracker) refresh(ctx context.Context, roomID id.RoomID) error {
	cfg := &RoomEncryptionConfig{}

	enc, err := t.client.GetRoomStateEvent(ctx, roomID, "m.room.encryption", "")
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return err
	}
	if err == nil {
		if alg, ok := enc["algorithm"].(string); ok {
			cfg.Algorithm = alg
		}
		if ms, ok := enc["rotation_period_ms"].(float64); ok {
			cfg.RotationPeriodMS = int64(ms)
		}
		if msgs, ok := enc["rotation_period_msgs"].(float64); ok {
			cfg.RotationPeriodMsgs = int(msgs)
		}
	}

	vis, err := t.client.GetRoomStateEvent(ctx, roomID, "m.room.history_visibility", "")
	if err == nil {
		if hv, ok := vis["history_visibility"].(string); ok {
			cfg.HistoryVisibility = hv
		}
	} else if !errors.Is(err, mautrix.MNotFound) {
		logger.Debug().Str("room_id", string(roomID)).Err(err).Msg("history visibility read failed")
	}

	return t.store.StoreRoom(roomID, cfg)
}
