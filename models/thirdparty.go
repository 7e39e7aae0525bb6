package models

// MatrixError is the standard {errcode, error} body returned on failures.
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// ThirdPartyUser is a single entry of a third-party user lookup result.
type ThirdPartyUser struct {
	UserID   string            `json:"userid"`
	Protocol string            `json:"protocol"`
	Fields   map[string]string `json:"fields"`
}

// ThirdPartyLocation is a single entry of a third-party location lookup
// result.
type ThirdPartyLocation struct {
	Alias    string            `json:"alias"`
	Protocol string            `json:"protocol"`
	Fields   map[string]string `json:"fields"`
}

// UserProfile is the optional profile payload a user query handler may return
// to have the dispatcher provision display name and avatar.
type UserProfile struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarMXC   string `json:"avatar_mxc,omitempty"`
}

// RoomProvision is the payload a room query handler returns; Options is
// forwarded to the bot's createRoom call.
type RoomProvision struct {
	Options map[string]any
}
