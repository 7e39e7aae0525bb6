package service

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/logger"
)

// JoinFunc is the underlying join call a strategy decorates.
type JoinFunc func(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)

// JoinStrategy is the retry/invite policy layered on top of room joins.
type JoinStrategy interface {
	Join(ctx context.Context, roomIDOrAlias string, userID id.UserID, attempt JoinFunc) (id.RoomID, error)
}

// DefaultJoinSchedule is the retry schedule used when none is configured.
// The leading zero means the first attempt happens immediately.
var DefaultJoinSchedule = []time.Duration{
	0,
	1 * time.Second,
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

// SimpleRetryStrategy retries the join on a fixed delay schedule. Any
// success returns immediately; when all attempts fail the last error
// propagates.
type SimpleRetryStrategy struct {
	Schedule []time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSimpleRetryStrategy creates a retry strategy; a nil or empty schedule
// uses DefaultJoinSchedule.
func NewSimpleRetryStrategy(schedule []time.Duration) *SimpleRetryStrategy {
	if len(schedule) == 0 {
		schedule = DefaultJoinSchedule
	}
	return &SimpleRetryStrategy{Schedule: schedule, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *SimpleRetryStrategy) Join(ctx context.Context, roomIDOrAlias string, userID id.UserID, attempt JoinFunc) (id.RoomID, error) {
	var lastErr error
	for i, delay := range s.Schedule {
		if err := s.sleep(ctx, delay); err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("%w: %w", ErrJoin, lastErr)
			}
			return "", err
		}
		roomID, err := attempt(ctx, roomIDOrAlias)
		if err == nil {
			return roomID, nil
		}
		lastErr = err
		logger.Warn().
			Str("room", roomIDOrAlias).
			Str("user_id", string(userID)).
			Int("attempt", i+1).
			Int("total", len(s.Schedule)).
			Err(err).
			Msg("join attempt failed")
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrJoin, len(s.Schedule), lastErr)
}

// AppserviceJoinStrategy tries the join once and, for non-bot users, has the
// bot invite the user before retrying through the inner strategy (or a
// single extra attempt when no inner strategy is configured).
type AppserviceJoinStrategy struct {
	botUserID id.UserID
	bot       ClientAPI
	inner     JoinStrategy
}

// NewAppserviceJoinStrategy composes the AS-aware strategy over an optional
// inner strategy. bot is the client acting as the bot user.
func NewAppserviceJoinStrategy(botUserID id.UserID, bot ClientAPI, inner JoinStrategy) *AppserviceJoinStrategy {
	return &AppserviceJoinStrategy{botUserID: botUserID, bot: bot, inner: inner}
}

func (s *AppserviceJoinStrategy) Join(ctx context.Context, roomIDOrAlias string, userID id.UserID, attempt JoinFunc) (id.RoomID, error) {
	roomID, firstErr := attempt(ctx, roomIDOrAlias)
	if firstErr == nil {
		return roomID, nil
	}

	// The bot has nobody to invite it, so its failures are terminal.
	if userID == s.botUserID {
		return "", fmt.Errorf("%w: %w", ErrJoin, firstErr)
	}

	resolved, err := s.bot.ResolveRoom(ctx, roomIDOrAlias)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %w", ErrJoin, roomIDOrAlias, err)
	}
	if err := s.bot.InviteUser(ctx, userID, resolved); err != nil {
		return "", fmt.Errorf("%w: invite %s to %s: %w", ErrJoin, userID, resolved, err)
	}
	logger.Debug().
		Str("room_id", string(resolved)).
		Str("user_id", string(userID)).
		Msg("invited user from bot before join retry")

	if s.inner != nil {
		return s.inner.Join(ctx, roomIDOrAlias, userID, attempt)
	}
	roomID, err = attempt(ctx, roomIDOrAlias)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrJoin, err)
	}
	return roomID, nil
}
