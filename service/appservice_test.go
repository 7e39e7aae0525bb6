package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/models"
)

func strPtr(s string) *string { return &s }

func memberEvent(roomID, target, membership, eventID string) *models.Event {
	return &models.Event{
		Type:     "m.room.member",
		RoomID:   roomID,
		Sender:   "@someone:example.org",
		StateKey: strPtr(target),
		EventID:  eventID,
		Content:  map[string]any{"membership": membership},
	}
}

func TestNewAppserviceValidation(t *testing.T) {
	factory := newFakeFactory()
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing registration", opts: Options{ServerName: "example.org", ClientFactory: factory.factory()}},
		{name: "missing server name", opts: Options{Registration: testRegistration(), ClientFactory: factory.factory()}},
		{name: "missing client factory", opts: Options{Registration: testRegistration(), ServerName: "example.org"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAppservice(tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestProcessTransactionDedup(t *testing.T) {
	as, _ := newTestAppservice(t)

	handled := 0
	as.OnRoomEvent(func(roomID string, evt *models.Event) { handled++ })

	txn := &models.Transaction{Events: []*models.Event{
		{Type: "m.room.message", RoomID: "!r:example.org", EventID: "$1"},
		{Type: "m.room.message", RoomID: "!r:example.org", EventID: "$2"},
	}}

	as.ProcessTransaction(context.Background(), "txn-1", txn)
	as.ProcessTransaction(context.Background(), "txn-1", txn)

	assert.Equal(t, 2, handled, "second delivery of the same txn ID must be a no-op")

	as.ProcessTransaction(context.Background(), "txn-2", txn)
	assert.Equal(t, 4, handled, "a distinct txn ID processes normally")
}

func TestProcessTransactionConcurrentSameIDRunsOnce(t *testing.T) {
	as, _ := newTestAppservice(t)

	var mu sync.Mutex
	handled := 0
	as.OnRoomEvent(func(roomID string, evt *models.Event) {
		mu.Lock()
		handled++
		mu.Unlock()
	})

	txn := &models.Transaction{Events: []*models.Event{
		{Type: "m.room.message", RoomID: "!r:example.org", EventID: "$1"},
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			as.ProcessTransaction(context.Background(), "txn-race", txn)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, handled)
}

func TestProcessTransactionOrdering(t *testing.T) {
	as, _ := newTestAppservice(t)

	var order []string
	as.OnRoomEvent(func(roomID string, evt *models.Event) {
		order = append(order, "room:"+evt.EventID)
	})
	as.OnEphemeralEvent(func(evt *models.Event) {
		order = append(order, "ephemeral:"+evt.EventID)
	})
	as.OnOTKCounts(func(counts models.OTKCounts) {
		order = append(order, "otk")
	})

	txn := &models.Transaction{
		Events: []*models.Event{
			{Type: "m.room.message", RoomID: "!r:example.org", EventID: "$1"},
			{Type: "m.room.message", RoomID: "!r:example.org", EventID: "$2"},
		},
		Ephemeral: []*models.Event{
			{Type: "m.typing", RoomID: "!r:example.org", EventID: "$t1"},
		},
		OTKCounts: models.OTKCounts{"@u:example.org": {"DEV": {"signed_curve25519": 10}}},
	}
	as.ProcessTransaction(context.Background(), "txn-order", txn)

	assert.Equal(t, []string{"room:$1", "room:$2", "ephemeral:$t1", "otk"}, order)
}

func TestDispatchRoutesByType(t *testing.T) {
	as, _ := newTestAppservice(t)

	var all, messages []string
	as.OnRoomEvent(func(roomID string, evt *models.Event) { all = append(all, evt.EventID) })
	as.OnRoomMessage(func(roomID string, evt *models.Event) { messages = append(messages, evt.EventID) })

	txn := &models.Transaction{Events: []*models.Event{
		{Type: "m.room.message", RoomID: "!r:example.org", EventID: "$msg"},
		{Type: "m.room.topic", RoomID: "!r:example.org", EventID: "$topic"},
	}}
	as.ProcessTransaction(context.Background(), "txn-route", txn)

	assert.Equal(t, []string{"$msg", "$topic"}, all)
	assert.Equal(t, []string{"$msg"}, messages)
}

func TestMembershipRouting(t *testing.T) {
	as, _ := newTestAppservice(t)

	var joins, leaves, invites []string
	as.OnRoomJoin(func(roomID string, evt *models.Event) { joins = append(joins, evt.EventID) })
	as.OnRoomLeave(func(roomID string, evt *models.Event) { leaves = append(leaves, evt.EventID) })
	as.OnRoomInvite(func(roomID string, evt *models.Event) { invites = append(invites, evt.EventID) })

	txn := &models.Transaction{Events: []*models.Event{
		memberEvent("!r:example.org", "@_prefix_alice:example.org", "join", "$join"),
		memberEvent("!r:example.org", "@_prefix_alice:example.org", "leave", "$leave"),
		memberEvent("!r:example.org", "@_prefix_bob:example.org", "invite", "$invite"),
		memberEvent("!r:example.org", "@_prefix_carol:example.org", "ban", "$ban"),
		// Outside the namespace: no membership signal.
		memberEvent("!r:example.org", "@human:example.org", "join", "$outside"),
	}}
	as.ProcessTransaction(context.Background(), "txn-member", txn)

	assert.Equal(t, []string{"$join"}, joins)
	assert.Equal(t, []string{"$leave", "$ban"}, leaves, "bans route through the leave signal")
	assert.Equal(t, []string{"$invite"}, invites)
}

func TestMembershipUpdatesJoinedRoomsCache(t *testing.T) {
	as, _ := newTestAppservice(t)
	intent := as.Intent("@_prefix_alice:example.org")

	as.ProcessTransaction(context.Background(), "txn-m1", &models.Transaction{Events: []*models.Event{
		memberEvent("!r:example.org", "@_prefix_alice:example.org", "join", "$j"),
	}})
	assert.True(t, intent.IsJoined("!r:example.org"))

	as.ProcessTransaction(context.Background(), "txn-m2", &models.Transaction{Events: []*models.Event{
		memberEvent("!r:example.org", "@_prefix_alice:example.org", "leave", "$l"),
	}})
	assert.False(t, intent.IsJoined("!r:example.org"))
}

func TestArchiveAndUpgradeSignals(t *testing.T) {
	as, _ := newTestAppservice(t)

	var order []string
	as.OnRoomArchived(func(roomID string, evt *models.Event) { order = append(order, "archived:"+roomID) })
	as.OnRoomUpgraded(func(roomID string, evt *models.Event) { order = append(order, "upgraded:"+roomID) })

	txn := &models.Transaction{Events: []*models.Event{
		{
			Type: "m.room.tombstone", RoomID: "!old:example.org", EventID: "$tomb",
			StateKey: strPtr(""),
			Content:  map[string]any{"replacement_room": "!new:example.org"},
		},
		{
			Type: "m.room.create", RoomID: "!new:example.org", EventID: "$create",
			StateKey: strPtr(""),
			Content:  map[string]any{"predecessor": map[string]any{"room_id": "!old:example.org"}},
		},
	}}
	as.ProcessTransaction(context.Background(), "txn-upgrade", txn)

	assert.Equal(t, []string{"archived:!old:example.org", "upgraded:!new:example.org"}, order)
}

func TestCreateWithoutPredecessorIsNotUpgrade(t *testing.T) {
	as, _ := newTestAppservice(t)

	upgrades := 0
	as.OnRoomUpgraded(func(roomID string, evt *models.Event) { upgrades++ })

	txn := &models.Transaction{Events: []*models.Event{
		{Type: "m.room.create", RoomID: "!fresh:example.org", EventID: "$c", StateKey: strPtr(""), Content: map[string]any{}},
	}}
	as.ProcessTransaction(context.Background(), "txn-fresh", txn)

	assert.Equal(t, 0, upgrades)
}

func TestDeviceListEmissionRules(t *testing.T) {
	as, _ := newTestAppservice(t)

	emitted := 0
	as.OnDeviceLists(func(lists *models.DeviceLists) { emitted++ })

	// Empty delta: suppressed.
	as.ProcessTransaction(context.Background(), "txn-dl1", &models.Transaction{
		DeviceLists: &models.DeviceLists{},
	})
	assert.Equal(t, 0, emitted)

	as.ProcessTransaction(context.Background(), "txn-dl2", &models.Transaction{
		DeviceLists: &models.DeviceLists{Changed: []string{"@u:example.org"}},
	})
	assert.Equal(t, 1, emitted)

	as.ProcessTransaction(context.Background(), "txn-dl3", &models.Transaction{
		DeviceLists: &models.DeviceLists{Removed: []string{"@u:example.org"}},
	})
	assert.Equal(t, 2, emitted)
}

func TestOTKAndFallbackEmission(t *testing.T) {
	as, _ := newTestAppservice(t)

	otk, fallback := 0, 0
	as.OnOTKCounts(func(counts models.OTKCounts) { otk++ })
	as.OnUnusedFallbackKeys(func(keys models.FallbackKeys) { fallback++ })

	// Absent sections stay silent.
	as.ProcessTransaction(context.Background(), "txn-k1", &models.Transaction{})
	assert.Equal(t, 0, otk)
	assert.Equal(t, 0, fallback)

	// Present-but-empty maps still emit: an empty count set is meaningful.
	as.ProcessTransaction(context.Background(), "txn-k2", &models.Transaction{
		OTKCounts:    models.OTKCounts{},
		FallbackKeys: models.FallbackKeys{},
	})
	assert.Equal(t, 1, otk)
	assert.Equal(t, 1, fallback)
}

func TestQueryUserProvisionsProfile(t *testing.T) {
	as, factory := newTestAppservice(t)
	as.SetUserQueryHandler(func(ctx context.Context, uid id.UserID) (*models.UserProfile, error) {
		return &models.UserProfile{DisplayName: "Alice Bridge", AvatarMXC: "mxc://example.org/abc"}, nil
	})

	exists, err := as.QueryUser(context.Background(), "@_prefix_alice:example.org")
	require.NoError(t, err)
	assert.True(t, exists)

	client := factory.client("@_prefix_alice:example.org")
	assert.Equal(t, "Alice Bridge", client.lastDisplayName)
	assert.Equal(t, "mxc://example.org/abc", client.lastAvatarMXC)
}

func TestQueryUserNilProfileMeansAbsent(t *testing.T) {
	as, _ := newTestAppservice(t)
	as.SetUserQueryHandler(func(ctx context.Context, uid id.UserID) (*models.UserProfile, error) {
		return nil, nil
	})

	exists, err := as.QueryUser(context.Background(), "@_prefix_missing:example.org")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestQueryRoomCreatesViaBot(t *testing.T) {
	as, factory := newTestAppservice(t)
	as.SetRoomQueryHandler(func(ctx context.Context, alias id.RoomAlias) (map[string]any, error) {
		return map[string]any{"visibility": "public"}, nil
	})

	resp, ok, err := as.QueryRoom(context.Background(), "#_prefix_room1:example.org")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "_prefix_room1", resp["room_alias_name"])
	assert.Equal(t, "public", resp["visibility"])
	assert.Equal(t, "!created:example.org", resp["__roomId"])
	assert.Equal(t, 1, factory.client(as.BotUserID()).createRoomCalls)
}

func TestQueryProtocolGatedByRegistration(t *testing.T) {
	as, _ := newTestAppservice(t)
	as.SetProtocolQueryHandler(func(ctx context.Context, protocol string) (any, error) {
		return map[string]any{"instances": []any{}}, nil
	})

	_, ok, err := as.QueryProtocol(context.Background(), "unknownproto")
	require.NoError(t, err)
	assert.False(t, ok, "undeclared protocols are refused before the handler runs")

	meta, ok, err := as.QueryProtocol(context.Background(), "fakeproto")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, meta)
}

func TestBeginRegistersBot(t *testing.T) {
	as, factory := newTestAppservice(t)
	require.NoError(t, as.Begin(context.Background()))
	assert.Equal(t, 1, factory.client(as.BotUserID()).registerCalls)
	assert.False(t, as.CryptoReady(), "no crypto engine configured")
}
