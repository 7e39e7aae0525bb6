package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestSimpleRetryStrategyFollowsSchedule(t *testing.T) {
	schedule := []time.Duration{0, time.Second, 30 * time.Second}
	s := NewSimpleRetryStrategy(schedule)

	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	attempts := 0
	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		attempts++
		return "", errors.New("M_FORBIDDEN")
	}

	_, err := s.Join(context.Background(), "!room:example.org", "@_prefix_a:example.org", attempt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJoin))
	assert.Contains(t, err.Error(), "M_FORBIDDEN")
	assert.Equal(t, len(schedule), attempts)
	assert.Equal(t, schedule, slept)
}

func TestSimpleRetryStrategyStopsOnFirstSuccess(t *testing.T) {
	s := NewSimpleRetryStrategy([]time.Duration{0, time.Minute, time.Hour})
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	attempts := 0
	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		attempts++
		if attempts == 2 {
			return "!room:example.org", nil
		}
		return "", errors.New("not yet")
	}

	roomID, err := s.Join(context.Background(), "!room:example.org", "@_prefix_a:example.org", attempt)
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!room:example.org"), roomID)
	assert.Equal(t, 2, attempts)
}

func TestSimpleRetryStrategyCancelledContext(t *testing.T) {
	s := NewSimpleRetryStrategy([]time.Duration{0, time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		cancel()
		return "", errors.New("first failure")
	}

	_, err := s.Join(ctx, "!room:example.org", "@_prefix_a:example.org", attempt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJoin))
	assert.Contains(t, err.Error(), "first failure")
}

func TestSimpleRetryStrategyDefaultSchedule(t *testing.T) {
	s := NewSimpleRetryStrategy(nil)
	assert.Equal(t, DefaultJoinSchedule, s.Schedule)
	assert.Equal(t, time.Duration(0), s.Schedule[0])
}

func TestAppserviceJoinStrategyFirstAttemptSucceeds(t *testing.T) {
	bot := newFakeClient("@_bridge_bot:example.org")
	s := NewAppserviceJoinStrategy("@_bridge_bot:example.org", bot, nil)

	attempts := 0
	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		attempts++
		return "!room:example.org", nil
	}

	roomID, err := s.Join(context.Background(), "!room:example.org", "@_prefix_a:example.org", attempt)
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!room:example.org"), roomID)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, bot.inviteCalls)
}

func TestAppserviceJoinStrategyInvitesThenRetries(t *testing.T) {
	bot := newFakeClient("@_bridge_bot:example.org")
	inner := &countingStrategy{result: "!room:example.org"}
	s := NewAppserviceJoinStrategy("@_bridge_bot:example.org", bot, inner)

	attempts := 0
	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		attempts++
		return "", errors.New("M_FORBIDDEN")
	}

	roomID, err := s.Join(context.Background(), "!room:example.org", "@_prefix_a:example.org", attempt)
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!room:example.org"), roomID)

	// One direct attempt, one bot invite, one delegation to the inner
	// strategy.
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, bot.inviteCalls)
	assert.Equal(t, 1, inner.joins)
	assert.Equal(t, id.UserID("@_prefix_a:example.org"), bot.lastInvitedUser)
	assert.Equal(t, id.RoomID("!room:example.org"), bot.lastInvitedRoomID)
}

func TestAppserviceJoinStrategyBotFailureIsTerminal(t *testing.T) {
	bot := newFakeClient("@_bridge_bot:example.org")
	s := NewAppserviceJoinStrategy("@_bridge_bot:example.org", bot, &countingStrategy{})

	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		return "", errors.New("M_FORBIDDEN")
	}

	_, err := s.Join(context.Background(), "!room:example.org", "@_bridge_bot:example.org", attempt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJoin))
	assert.Equal(t, 0, bot.inviteCalls, "no self-invite for the bot user")
}

func TestAppserviceJoinStrategyInviteFailure(t *testing.T) {
	bot := newFakeClient("@_bridge_bot:example.org")
	bot.inviteFn = func(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
		return errors.New("M_FORBIDDEN")
	}
	s := NewAppserviceJoinStrategy("@_bridge_bot:example.org", bot, nil)

	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		return "", errors.New("join refused")
	}

	_, err := s.Join(context.Background(), "!room:example.org", "@_prefix_a:example.org", attempt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJoin))
	assert.Contains(t, err.Error(), "invite")
}

func TestAppserviceJoinStrategyNoInnerRetriesOnce(t *testing.T) {
	bot := newFakeClient("@_bridge_bot:example.org")
	s := NewAppserviceJoinStrategy("@_bridge_bot:example.org", bot, nil)

	attempts := 0
	attempt := func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("not invited yet")
		}
		return "!room:example.org", nil
	}

	roomID, err := s.Join(context.Background(), "!room:example.org", "@_prefix_a:example.org", attempt)
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!room:example.org"), roomID)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, bot.inviteCalls)
}

// countingStrategy records delegations without calling the attempt func.
type countingStrategy struct {
	joins  int
	result id.RoomID
	err    error
}

func (c *countingStrategy) Join(ctx context.Context, roomIDOrAlias string, userID id.UserID, attempt JoinFunc) (id.RoomID, error) {
	c.joins++
	return c.result, c.err
}
