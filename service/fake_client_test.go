package service

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/models"
)

// fakeClient is an in-memory ClientAPI used across the service tests. Each
// behavior can be overridden per test; the counters record call totals.
type fakeClient struct {
	userID id.UserID

	mu                sync.Mutex
	registerCalls     int
	joinCalls         int
	inviteCalls       int
	leaveCalls        int
	createRoomCalls   int
	displayNameCalls  int
	avatarCalls       int
	sentEvents        []sentEvent
	lastDisplayName   string
	lastAvatarMXC     string
	lastInvitedUser   id.UserID
	lastInvitedRoomID id.RoomID

	registerFn   func(ctx context.Context, localpart string) error
	joinFn       func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	resolveFn    func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	inviteFn     func(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	stateFn      func(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (map[string]any, error)
	joinedFn     func(ctx context.Context) ([]id.RoomID, error)
	createRoomFn func(ctx context.Context, opts map[string]any) (id.RoomID, error)
}

type sentEvent struct {
	roomID    id.RoomID
	eventType string
	content   any
}

func newFakeClient(userID id.UserID) *fakeClient {
	return &fakeClient{userID: userID}
}

func (f *fakeClient) CreateRoom(ctx context.Context, opts map[string]any) (id.RoomID, error) {
	f.mu.Lock()
	f.createRoomCalls++
	f.mu.Unlock()
	if f.createRoomFn != nil {
		return f.createRoomFn(ctx, opts)
	}
	return "!created:example.org", nil
}

func (f *fakeClient) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	f.mu.Lock()
	f.joinCalls++
	f.mu.Unlock()
	if f.joinFn != nil {
		return f.joinFn(ctx, roomIDOrAlias)
	}
	return id.RoomID(roomIDOrAlias), nil
}

func (f *fakeClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	f.leaveCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) InviteUser(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	f.mu.Lock()
	f.inviteCalls++
	f.lastInvitedUser = userID
	f.lastInvitedRoomID = roomID
	f.mu.Unlock()
	if f.inviteFn != nil {
		return f.inviteFn(ctx, userID, roomID)
	}
	return nil
}

func (f *fakeClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	if f.joinedFn != nil {
		return f.joinedFn(ctx)
	}
	return nil, nil
}

func (f *fakeClient) ResolveRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, roomIDOrAlias)
	}
	return id.RoomID(roomIDOrAlias), nil
}

func (f *fakeClient) GetRoomStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (map[string]any, error) {
	if f.stateFn != nil {
		return f.stateFn(ctx, roomID, eventType, stateKey)
	}
	return nil, nil
}

func (f *fakeClient) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	f.mu.Lock()
	f.sentEvents = append(f.sentEvents, sentEvent{roomID: roomID, eventType: eventType, content: content})
	f.mu.Unlock()
	return "$event:example.org", nil
}

func (f *fakeClient) SetDisplayName(ctx context.Context, name string) error {
	f.mu.Lock()
	f.displayNameCalls++
	f.lastDisplayName = name
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SetAvatarURL(ctx context.Context, mxc string) error {
	f.mu.Lock()
	f.avatarCalls++
	f.lastAvatarMXC = mxc
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) RegisterUser(ctx context.Context, localpart string) error {
	f.mu.Lock()
	f.registerCalls++
	f.mu.Unlock()
	if f.registerFn != nil {
		return f.registerFn(ctx, localpart)
	}
	return nil
}

// fakeFactory hands out one fakeClient per user ID.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[id.UserID]*fakeClient
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[id.UserID]*fakeClient)}
}

func (f *fakeFactory) client(userID id.UserID) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[userID]
	if !ok {
		c = newFakeClient(userID)
		f.clients[userID] = c
	}
	return c
}

func (f *fakeFactory) factory() ClientFactory {
	return func(userID id.UserID) ClientAPI {
		return f.client(userID)
	}
}

func testRegistration() *models.Registration {
	return &models.Registration{
		ID:              "test",
		URL:             "http://localhost:9000",
		ASToken:         "as_secret",
		HSToken:         "hs_secret",
		SenderLocalpart: "_bridge_bot",
		Namespaces: models.Namespaces{
			Users: []models.Namespace{{
				Exclusive: true,
				Regex:     "@_prefix_.*:example.org",
			}},
			Aliases: []models.Namespace{{
				Exclusive: true,
				Regex:     "#_prefix_.*:example.org",
			}},
		},
		Protocols: []string{"fakeproto"},
	}
}

func newTestAppservice(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, opts ...func(*Options)) (*Appservice, *fakeFactory) {
	t.Helper()
	factory := newFakeFactory()
	options := Options{
		Registration:  testRegistration(),
		ServerName:    "example.org",
		ClientFactory: factory.factory(),
	}
	for _, fn := range opts {
		fn(&options)
	}
	as, err := NewAppservice(options)
	if err != nil {
		t.Fatalf("NewAppservice: %v", err)
	}
	return as, factory
}
