// Package matrix implements the client verb set the core consumes, backed by
// mautrix with application-service token impersonation.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/service"
)

// FactoryConfig configures the per-user client factory.
type FactoryConfig struct {
	HomeserverURL string
	ASToken       string
	HTTPClient    *http.Client
}

// Factory builds and caches one impersonating client per user ID. All
// clients share the as_token and the HTTP connection pool.
type Factory struct {
	cfg FactoryConfig

	mu      sync.Mutex
	clients map[id.UserID]*Client
}

// NewFactory validates the configuration and creates an empty factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.HomeserverURL == "" {
		return nil, errors.New("homeserver url is required")
	}
	if cfg.ASToken == "" {
		return nil, errors.New("application service token (as_token) is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Factory{cfg: cfg, clients: make(map[id.UserID]*Client)}, nil
}

// Client returns the cached client acting as userID, creating it on first
// use.
func (f *Factory) Client(userID id.UserID) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[userID]; ok {
		return c
	}

	// NewClient only fails on an unparsable URL, which NewFactory already
	// accepted.
	cli, err := mautrix.NewClient(f.cfg.HomeserverURL, userID, f.cfg.ASToken)
	if err != nil {
		panic(fmt.Sprintf("matrix: create client for %s: %v", userID, err))
	}
	cli.Client = f.cfg.HTTPClient
	cli.Syncer = nil
	cli.Store = nil
	// Appends the user_id query parameter so the homeserver attributes
	// requests to the impersonated user.
	cli.SetAppServiceUserID = true

	c := &Client{cli: cli}
	f.clients[userID] = c
	return c
}

// ClientFactory adapts the factory to the service-layer constructor type.
func (f *Factory) ClientFactory() service.ClientFactory {
	return func(userID id.UserID) service.ClientAPI {
		return f.Client(userID)
	}
}

// Client acts as a single user. It implements service.ClientAPI.
type Client struct {
	cli *mautrix.Client
}

var _ service.ClientAPI = (*Client)(nil)

// CreateRoom creates a room with the given options and returns its ID. The
// options map is passed to the homeserver as-is, so handler-provided fields
// like "room_alias_name" or "preset" survive untouched.
func (c *Client) CreateRoom(ctx context.Context, opts map[string]any) (id.RoomID, error) {
	var resp mautrix.RespCreateRoom
	_, err := c.cli.MakeRequest(ctx, http.MethodPost, c.cli.BuildClientURL("v3", "createRoom"), opts, &resp)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// JoinRoom joins a room by ID or alias.
func (c *Client) JoinRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	resp, err := c.cli.JoinRoom(ctx, roomIDOrAlias, nil)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// LeaveRoom leaves a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.LeaveRoom(ctx, roomID)
	return err
}

// InviteUser invites userID to the room.
func (c *Client) InviteUser(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	_, err := c.cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

// JoinedRooms lists the rooms this user is currently joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

// ResolveRoom resolves an alias to a room ID; room IDs pass through.
func (c *Client) ResolveRoom(ctx context.Context, roomIDOrAlias string) (id.RoomID, error) {
	if !strings.HasPrefix(roomIDOrAlias, "#") {
		return id.RoomID(roomIDOrAlias), nil
	}
	resp, err := c.cli.ResolveAlias(ctx, id.RoomAlias(roomIDOrAlias))
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// GetRoomStateEvent fetches the content of a single state event.
func (c *Client) GetRoomStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (map[string]any, error) {
	content := make(map[string]any)
	err := c.cli.StateEvent(ctx, roomID, event.NewEventType(eventType), stateKey, &content)
	if err != nil {
		return nil, err
	}
	return content, nil
}

// SendEvent sends a message event of an arbitrary type.
func (c *Client) SendEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (id.EventID, error) {
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.NewEventType(eventType), content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// SetDisplayName updates this user's display name.
func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	return c.cli.SetDisplayName(ctx, name)
}

// SetAvatarURL updates this user's avatar to the given mxc URI.
func (c *Client) SetAvatarURL(ctx context.Context, mxc string) error {
	uri, err := id.ParseContentURI(mxc)
	if err != nil {
		return fmt.Errorf("parse avatar mxc uri: %w", err)
	}
	return c.cli.SetAvatarURL(ctx, uri)
}

// RegisterUser performs the appservice variant of /register for the
// localpart. The caller decides how to treat M_USER_IN_USE.
func (c *Client) RegisterUser(ctx context.Context, localpart string) error {
	_, _, err := c.cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	return err
}
