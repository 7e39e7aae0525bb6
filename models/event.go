package models

import "encoding/json"

// Event is the canonical room event record used throughout the dispatcher.
// Content stays an untyped map until a preprocessor or consumer narrows it.
type Event struct {
	Type           string         `json:"type"`
	RoomID         string         `json:"room_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content,omitempty"`
	Unsigned       map[string]any `json:"unsigned,omitempty"`
}

// wireEvent mirrors Event plus the non-standard camel-case room id some
// senders emit.
type wireEvent struct {
	Type           string         `json:"type"`
	RoomID         string         `json:"room_id"`
	RoomIDCamel    string         `json:"roomId"`
	Sender         string         `json:"sender"`
	StateKey       *string        `json:"state_key"`
	EventID        string         `json:"event_id"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	Unsigned       map[string]any `json:"unsigned"`
}

// UnmarshalJSON decodes an event, normalizing a legacy `roomId` field into
// `room_id` when only the former is present.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.RoomID = w.RoomID
	if e.RoomID == "" {
		e.RoomID = w.RoomIDCamel
	}
	e.Sender = w.Sender
	e.StateKey = w.StateKey
	e.EventID = w.EventID
	e.OriginServerTS = w.OriginServerTS
	e.Content = w.Content
	e.Unsigned = w.Unsigned
	return nil
}

// Membership returns the membership field of an m.room.member event, or ""
// when absent.
func (e *Event) Membership() string {
	m, _ := e.Content["membership"].(string)
	return m
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}
