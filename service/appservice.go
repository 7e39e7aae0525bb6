package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/logger"
	"github.com/nethesis/matrix-appservice/models"
)

const (
	evTypeMessage   = "m.room.message"
	evTypeEncrypted = "m.room.encrypted"
	evTypeMember    = "m.room.member"
	evTypeTombstone = "m.room.tombstone"
	evTypeCreate    = "m.room.create"
	evTypeEncState  = "m.room.encryption"
)

// Options configures NewAppservice. Registration, ServerName and
// ClientFactory are mandatory; everything else has a default.
type Options struct {
	Registration *models.Registration
	ServerName   string

	Storage       Storage
	ClientFactory ClientFactory
	JoinStrategy  JoinStrategy
	DedupBound    int

	CryptoEngine CryptoEngine
	CryptoStore  CryptoStore
}

// Appservice is the stateless dispatcher at the heart of the runtime: it
// ingests homeserver transactions, owns the intent registry and mediates all
// outbound requests on behalf of the bot and namespaced virtual users.
type Appservice struct {
	reg     *models.Registration
	matcher *NamespaceMatcher
	storage Storage
	dedup   *DedupStore
	factory ClientFactory

	joinStrategy JoinStrategy
	pipeline     preprocessorPipeline
	listeners    listeners

	intentsMu sync.RWMutex
	intents   map[id.UserID]*Intent
	botIntent *Intent

	crypto      CryptoEngine
	cryptoStore CryptoStore
	tracker     *RoomTracker
	cryptoReady atomic.Bool

	txnMu    sync.Mutex
	txnLocks map[string]*txnLock

	handlersMu  sync.RWMutex
	userQuery   UserQueryHandler
	roomQuery   RoomQueryHandler
	protocols   ProtocolQueryHandler
	remoteUsers ThirdPartyUserHandler
	matrixUsers ThirdPartyMatrixUserHandler
	remoteLocs  ThirdPartyLocationHandler
	matrixLocs  ThirdPartyMatrixLocationHandler
	keyClaim    KeyRequestHandler
	keyQuery    KeyRequestHandler
}

type txnLock struct {
	mu   sync.Mutex
	refs int
}

// NewAppservice validates the options, compiles the namespace matcher and
// creates the bot intent.
func NewAppservice(opts Options) (*Appservice, error) {
	if opts.Registration == nil {
		return nil, fmt.Errorf("%w: registration is required", ErrConfiguration)
	}
	if opts.ServerName == "" {
		return nil, fmt.Errorf("%w: server name is required", ErrConfiguration)
	}
	if opts.ClientFactory == nil {
		return nil, fmt.Errorf("%w: client factory is required", ErrConfiguration)
	}

	matcher, err := NewNamespaceMatcher(opts.Registration, opts.ServerName)
	if err != nil {
		return nil, err
	}

	storage := opts.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}

	as := &Appservice{
		reg:         opts.Registration,
		matcher:     matcher,
		storage:     storage,
		dedup:       NewDedupStore(opts.DedupBound, storage),
		factory:     opts.ClientFactory,
		intents:     make(map[id.UserID]*Intent),
		txnLocks:    make(map[string]*txnLock),
		crypto:      opts.CryptoEngine,
		cryptoStore: opts.CryptoStore,
	}

	botClient := opts.ClientFactory(matcher.BotUserID())
	as.joinStrategy = opts.JoinStrategy
	if as.joinStrategy == nil {
		as.joinStrategy = NewAppserviceJoinStrategy(matcher.BotUserID(), botClient, NewSimpleRetryStrategy(nil))
	}

	if as.crypto != nil {
		if as.cryptoStore == nil {
			as.cryptoStore = NewMemoryCryptoStore()
		}
		as.tracker = NewRoomTracker(botClient, as.cryptoStore)
	}

	// The bot intent exists from startup, unlike lazily created ones.
	as.botIntent = as.newIntent(matcher.BotUserID())
	as.intents[matcher.BotUserID()] = as.botIntent

	return as, nil
}

// Registration returns the registration the appservice was built from.
func (as *Appservice) Registration() *models.Registration {
	return as.reg
}

// NamespaceMatcher exposes the compiled namespace matcher.
func (as *Appservice) NamespaceMatcher() *NamespaceMatcher {
	return as.matcher
}

// RoomTracker returns the encryption-config tracker, or nil when crypto is
// disabled.
func (as *Appservice) RoomTracker() *RoomTracker {
	return as.tracker
}

// AddPreprocessor appends a preprocessor to the pipeline. Order of
// registration is order of execution.
func (as *Appservice) AddPreprocessor(proc Preprocessor) {
	as.pipeline.add(proc)
}

func (as *Appservice) newIntent(userID id.UserID) *Intent {
	return &Intent{
		userID:      userID,
		client:      as.factory(userID),
		as:          as,
		joinedRooms: make(map[id.RoomID]struct{}),
	}
}

// BotIntent returns the intent acting as the bot user.
func (as *Appservice) BotIntent() *Intent {
	return as.botIntent
}

// BotUserID returns the bot's full user ID.
func (as *Appservice) BotUserID() id.UserID {
	return as.matcher.BotUserID()
}

// Intent returns the cached intent for the user, creating it on first
// demand. Creation fires the new-intent listeners exactly once per user ID.
func (as *Appservice) Intent(userID id.UserID) *Intent {
	as.intentsMu.RLock()
	intent, ok := as.intents[userID]
	as.intentsMu.RUnlock()
	if ok {
		return intent
	}

	as.intentsMu.Lock()
	intent, ok = as.intents[userID]
	if !ok {
		intent = as.newIntent(userID)
		as.intents[userID] = intent
	}
	as.intentsMu.Unlock()

	if !ok {
		as.listeners.mu.RLock()
		fns := as.listeners.newIntent
		as.listeners.mu.RUnlock()
		for _, fn := range fns {
			fn(intent)
		}
	}
	return intent
}

// Begin ensures the bot user is registered and, when a crypto engine is
// configured, bootstraps it.
func (as *Appservice) Begin(ctx context.Context) error {
	if err := as.botIntent.EnsureRegistered(ctx); err != nil {
		return err
	}
	if as.crypto != nil {
		if err := as.crypto.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare crypto engine: %w", err)
		}
		as.cryptoReady.Store(true)
	}
	logger.Info().Str("bot_user_id", string(as.BotUserID())).Msg("appservice ready")
	return nil
}

// CryptoReady reports whether the crypto engine finished preparing.
func (as *Appservice) CryptoReady() bool {
	return as.cryptoReady.Load()
}

func (as *Appservice) lockTxn(txnID string) func() {
	as.txnMu.Lock()
	l, ok := as.txnLocks[txnID]
	if !ok {
		l = &txnLock{}
		as.txnLocks[txnID] = l
	}
	l.refs++
	as.txnMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		as.txnMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(as.txnLocks, txnID)
		}
		as.txnMu.Unlock()
	}
}

// ProcessTransaction demultiplexes one homeserver transaction and emits its
// sections in order. Re-delivery of a completed transaction ID is a no-op.
// Handlers for distinct transaction IDs may run in parallel; re-entrant
// delivery of the same ID is serialized.
func (as *Appservice) ProcessTransaction(ctx context.Context, txnID string, txn *models.Transaction) {
	unlock := as.lockTxn(txnID)
	defer unlock()

	if as.dedup.Contains(txnID) {
		logger.Debug().Str("txn_id", txnID).Msg("duplicate transaction suppressed")
		return
	}

	botClient := as.botIntent.Client()

	for _, evt := range txn.Events {
		if err := as.pipeline.run(ctx, evt, botClient, KindRoomEvent); err != nil {
			logger.Warn().Str("txn_id", txnID).Str("type", evt.Type).Err(err).Msg("preprocessor rejected event, dropping")
			continue
		}
		as.dispatchRoomEvent(ctx, evt)
	}

	for _, evt := range txn.Ephemeral {
		if err := as.pipeline.run(ctx, evt, botClient, KindEphemeralEvent); err != nil {
			logger.Warn().Str("txn_id", txnID).Str("type", evt.Type).Err(err).Msg("preprocessor rejected ephemeral event, dropping")
			continue
		}
		as.listeners.mu.RLock()
		fns := as.listeners.ephemeral
		as.listeners.mu.RUnlock()
		for _, fn := range fns {
			fn(evt)
		}
	}

	if dl := txn.DeviceLists; dl != nil && (len(dl.Changed) > 0 || len(dl.Removed) > 0) {
		as.listeners.mu.RLock()
		fns := as.listeners.deviceLists
		as.listeners.mu.RUnlock()
		for _, fn := range fns {
			fn(dl)
		}
	}
	if txn.OTKCounts != nil {
		as.listeners.mu.RLock()
		fns := as.listeners.otkCounts
		as.listeners.mu.RUnlock()
		for _, fn := range fns {
			fn(txn.OTKCounts)
		}
	}
	if txn.FallbackKeys != nil {
		as.listeners.mu.RLock()
		fns := as.listeners.fallbackKeys
		as.listeners.mu.RUnlock()
		for _, fn := range fns {
			fn(txn.FallbackKeys)
		}
	}

	as.dedup.Mark(txnID)
}

func (as *Appservice) dispatchRoomEvent(ctx context.Context, evt *models.Event) {
	roomID := evt.RoomID
	as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomEvent }, roomID, evt)

	switch evt.Type {
	case evTypeMessage:
		as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomMessage }, roomID, evt)

	case evTypeEncrypted:
		as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomEncrypted }, roomID, evt)
		if as.crypto != nil && as.cryptoReady.Load() {
			decrypted, err := as.crypto.Decrypt(ctx, evt)
			if err != nil {
				as.listeners.mu.RLock()
				fns := as.listeners.failedDecryption
				as.listeners.mu.RUnlock()
				for _, fn := range fns {
					fn(roomID, evt, err)
				}
				break
			}
			as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomDecrypted }, roomID, decrypted)
		}

	case evTypeMember:
		as.routeMembership(evt)

	case evTypeTombstone:
		as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomArchived }, roomID, evt)

	case evTypeCreate:
		if _, ok := evt.Content["predecessor"]; ok {
			as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomUpgraded }, roomID, evt)
		}

	case evTypeEncState:
		if as.tracker != nil && evt.StateKey != nil && *evt.StateKey == "" {
			as.tracker.QueueRefresh(id.RoomID(roomID))
		}
	}
}

// routeMembership updates the target intent's joined-rooms cache and emits
// the membership signal. Only state keys inside the user namespace count.
func (as *Appservice) routeMembership(evt *models.Event) {
	if evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	if !as.matcher.IsNamespacedUser(target) {
		return
	}

	intent := as.Intent(target)
	roomID := evt.RoomID

	switch evt.Membership() {
	case "join":
		intent.markJoined(id.RoomID(roomID))
		if as.tracker != nil {
			as.tracker.QueueRefresh(id.RoomID(roomID))
		}
		as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomJoin }, roomID, evt)
	case "leave", "ban":
		intent.markLeft(id.RoomID(roomID))
		as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomLeave }, roomID, evt)
	case "invite":
		as.listeners.emitRoom(func(l *listeners) []RoomEventFunc { return l.roomInvite }, roomID, evt)
	}
}

// aliasLocalpart extracts the localpart of a room alias
// ("#name:server" -> "name").
func aliasLocalpart(alias id.RoomAlias) string {
	s := strings.TrimPrefix(string(alias), "#")
	if idx := strings.Index(s, ":"); idx >= 0 {
		return s[:idx]
	}
	return s
}
