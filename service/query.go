package service

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/logger"
	"github.com/nethesis/matrix-appservice/models"
)

// UserQueryHandler answers homeserver user queries. A nil profile means the
// user should not be created.
type UserQueryHandler func(ctx context.Context, userID id.UserID) (*models.UserProfile, error)

// RoomQueryHandler answers room alias queries. The returned options are
// forwarded to the bot's createRoom call; nil means the room should not be
// created.
type RoomQueryHandler func(ctx context.Context, alias id.RoomAlias) (map[string]any, error)

// ProtocolQueryHandler returns third-party protocol metadata; nil means the
// protocol is not handled.
type ProtocolQueryHandler func(ctx context.Context, protocol string) (any, error)

// ThirdPartyUserHandler looks up remote users of a protocol by fields.
type ThirdPartyUserHandler func(ctx context.Context, protocol string, fields map[string][]string) ([]models.ThirdPartyUser, error)

// ThirdPartyMatrixUserHandler looks up third-party mappings for a Matrix
// user ID.
type ThirdPartyMatrixUserHandler func(ctx context.Context, userID id.UserID) ([]models.ThirdPartyUser, error)

// ThirdPartyLocationHandler looks up remote locations of a protocol by
// fields.
type ThirdPartyLocationHandler func(ctx context.Context, protocol string, fields map[string][]string) ([]models.ThirdPartyLocation, error)

// ThirdPartyMatrixLocationHandler looks up third-party mappings for a Matrix
// room alias.
type ThirdPartyMatrixLocationHandler func(ctx context.Context, alias id.RoomAlias) ([]models.ThirdPartyLocation, error)

// KeyRequestHandler forwards an MSC3983/MSC3984 key request body and returns
// the response verbatim.
type KeyRequestHandler func(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

// SetUserQueryHandler installs the user query handler.
func (as *Appservice) SetUserQueryHandler(fn UserQueryHandler) {
	as.handlersMu.Lock()
	defer as.handlersMu.Unlock()
	as.userQuery = fn
}

// SetRoomQueryHandler installs the room alias query handler.
func (as *Appservice) SetRoomQueryHandler(fn RoomQueryHandler) {
	as.handlersMu.Lock()
	defer as.handlersMu.Unlock()
	as.roomQuery = fn
}

// SetProtocolQueryHandler installs the third-party protocol handler.
func (as *Appservice) SetProtocolQueryHandler(fn ProtocolQueryHandler) {
	as.handlersMu.Lock()
	defer as.handlersMu.Unlock()
	as.protocols = fn
}

// SetThirdPartyUserHandlers installs the remote and Matrix-side user lookup
// handlers.
func (as *Appservice) SetThirdPartyUserHandlers(remote ThirdPartyUserHandler, matrix ThirdPartyMatrixUserHandler) {
	as.handlersMu.Lock()
	defer as.handlersMu.Unlock()
	as.remoteUsers = remote
	as.matrixUsers = matrix
}

// SetThirdPartyLocationHandlers installs the remote and Matrix-side location
// lookup handlers.
func (as *Appservice) SetThirdPartyLocationHandlers(remote ThirdPartyLocationHandler, matrix ThirdPartyMatrixLocationHandler) {
	as.handlersMu.Lock()
	defer as.handlersMu.Unlock()
	as.remoteLocs = remote
	as.matrixLocs = matrix
}

// SetKeyClaimHandler installs the MSC3983 key-claim forwarder.
func (as *Appservice) SetKeyClaimHandler(fn KeyRequestHandler) {
	as.handlersMu.Lock()
	defer as.handlersMu.Unlock()
	as.keyClaim = fn
}

// SetKeyQueryHandler installs the MSC3984 key-query forwarder.
func (as *Appservice) SetKeyQueryHandler(fn KeyRequestHandler) {
	as.handlersMu.Lock()
	defer as.handlersMu.Unlock()
	as.keyQuery = fn
}

// QueryUser runs the user query handler and, when a profile is returned,
// provisions display name and avatar through the user's intent. The bool
// result reports whether the user exists.
func (as *Appservice) QueryUser(ctx context.Context, userID id.UserID) (bool, error) {
	as.handlersMu.RLock()
	fn := as.userQuery
	as.handlersMu.RUnlock()
	if fn == nil {
		return false, nil
	}

	profile, err := fn(ctx, userID)
	if err != nil {
		return false, err
	}
	if profile == nil {
		return false, nil
	}

	client := as.Intent(userID).Client()
	if profile.DisplayName != "" {
		if err := client.SetDisplayName(ctx, profile.DisplayName); err != nil {
			return false, fmt.Errorf("set display name: %w", err)
		}
	}
	if profile.AvatarMXC != "" {
		if err := client.SetAvatarURL(ctx, profile.AvatarMXC); err != nil {
			return false, fmt.Errorf("set avatar url: %w", err)
		}
	}
	logger.Debug().Str("user_id", string(userID)).Msg("user query provisioned")
	return true, nil
}

// QueryRoom runs the room query handler and, when options are returned,
// creates the room via the bot. The response merges the handler's options,
// the derived room_alias_name and the created room ID under __roomId.
func (as *Appservice) QueryRoom(ctx context.Context, alias id.RoomAlias) (map[string]any, bool, error) {
	as.handlersMu.RLock()
	fn := as.roomQuery
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, false, nil
	}

	opts, err := fn(ctx, alias)
	if err != nil {
		return nil, false, err
	}
	if opts == nil {
		return nil, false, nil
	}

	merged := make(map[string]any, len(opts)+2)
	for k, v := range opts {
		merged[k] = v
	}
	merged["room_alias_name"] = aliasLocalpart(alias)

	roomID, err := as.botIntent.Client().CreateRoom(ctx, merged)
	if err != nil {
		return nil, false, fmt.Errorf("create room for %s: %w", alias, err)
	}
	merged["__roomId"] = string(roomID)
	logger.Debug().Str("alias", string(alias)).Str("room_id", string(roomID)).Msg("room query provisioned")
	return merged, true, nil
}

// HandlesProtocol reports whether the protocol identifier is declared in the
// registration.
func (as *Appservice) HandlesProtocol(protocol string) bool {
	for _, p := range as.reg.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// QueryProtocol returns protocol metadata, or ok=false when the protocol is
// not declared or the handler does not answer.
func (as *Appservice) QueryProtocol(ctx context.Context, protocol string) (any, bool, error) {
	if !as.HandlesProtocol(protocol) {
		return nil, false, nil
	}
	as.handlersMu.RLock()
	fn := as.protocols
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, false, nil
	}
	meta, err := fn(ctx, protocol)
	if err != nil || meta == nil {
		return nil, false, err
	}
	return meta, true, nil
}

// QueryRemoteUsers looks up remote users by fields.
func (as *Appservice) QueryRemoteUsers(ctx context.Context, protocol string, fields map[string][]string) ([]models.ThirdPartyUser, error) {
	as.handlersMu.RLock()
	fn := as.remoteUsers
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, protocol, fields)
}

// QueryMatrixUsers looks up third-party mappings for a Matrix user ID.
func (as *Appservice) QueryMatrixUsers(ctx context.Context, userID id.UserID) ([]models.ThirdPartyUser, error) {
	as.handlersMu.RLock()
	fn := as.matrixUsers
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, userID)
}

// QueryRemoteLocations looks up remote locations by fields.
func (as *Appservice) QueryRemoteLocations(ctx context.Context, protocol string, fields map[string][]string) ([]models.ThirdPartyLocation, error) {
	as.handlersMu.RLock()
	fn := as.remoteLocs
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, protocol, fields)
}

// QueryMatrixLocations looks up third-party mappings for a room alias.
func (as *Appservice) QueryMatrixLocations(ctx context.Context, alias id.RoomAlias) ([]models.ThirdPartyLocation, error) {
	as.handlersMu.RLock()
	fn := as.matrixLocs
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, alias)
}

// ClaimKeys forwards an MSC3983 key claim. ok=false means no handler is
// installed.
func (as *Appservice) ClaimKeys(ctx context.Context, body json.RawMessage) (json.RawMessage, bool, error) {
	as.handlersMu.RLock()
	fn := as.keyClaim
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, false, nil
	}
	resp, err := fn(ctx, body)
	return resp, true, err
}

// QueryKeys forwards an MSC3984 key query. ok=false means no handler is
// installed.
func (as *Appservice) QueryKeys(ctx context.Context, body json.RawMessage) (json.RawMessage, bool, error) {
	as.handlersMu.RLock()
	fn := as.keyQuery
	as.handlersMu.RUnlock()
	if fn == nil {
		return nil, false, nil
	}
	resp, err := fn(ctx, body)
	return resp, true, err
}
