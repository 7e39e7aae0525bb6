package service

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// ClientAPI is the verb set the core consumes from the Matrix client-server
// client. Each ClientAPI acts as one user; matrix.Client implements it over
// mautrix with as_token impersonation.
type ClientAPI interface {
	CreateRoom(ctx context.Context, opts map[string]any) (id.RoomID, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	ResolveRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error)
	GetRoomStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (map[string]any, error)
	SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error)
	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, mxc string) error

	// RegisterUser performs the appservice variant of /register for the
	// given localpart.
	RegisterUser(ctx context.Context, localpart string) error
}

// ClientFactory returns the ClientAPI acting as the given user. The core
// threads a factory through constructors instead of any ambient client.
type ClientFactory func(userID id.UserID) ClientAPI
