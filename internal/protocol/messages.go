// Package protocol defines the WebSocket frames exchanged between chat
// clients and chatd. Every frame is a JSON object carrying a "type"
// discriminator; client frames are decoded in two passes through Envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/relay/internal/chat"
)

// Client -> Server message types.
const (
	TypeOpenRoom        = "open_room"
	TypeCloseRoom       = "close_room"
	TypeSendMessage     = "send_message"
	TypeRefreshPresence = "refresh_presence"
	TypeSearchMessages  = "search_messages"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeRoomSnapshot   = "room_snapshot"
	TypeMessageUpsert  = "message_upsert"
	TypeMessageRemove  = "message_remove"
	TypeSendAck        = "send_ack"
	TypeSendFailed     = "send_failed"
	TypePresence       = "presence"
	TypeChannelStatus  = "channel_status"
	TypeRoomCreated    = "room_created"
	TypeSearchResults  = "search_results"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg and SendFailedMsg.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeRoomNotOpen  = "room_not_open"
	CodeInvalid      = "invalid_payload"
	CodeSubmission   = "submission_failed"
	CodeInternal     = "internal"
	CodeUnauthorized = "unauthorized"
)

// Envelope holds the message type and the raw JSON for deferred decoding
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full frame and extracts only the type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// OpenRoomMsg asks the server to start a room session. The server answers
// with a room_snapshot followed by live updates.
type OpenRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// CloseRoomMsg ends a room session.
type CloseRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg submits a message to an open room. The payload fields are
// inlined, e.g. {"type":"send_message","room_id":"r1","content":"hi"}.
type SendMessageMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	chat.Payload
}

// RefreshPresenceMsg asks for an immediate read of the counterpart's profile.
type RefreshPresenceMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SearchMessagesMsg filters the open room's view by text.
type SearchMessagesMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Query  string `json:"query"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection is authenticated.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// RoomSnapshotMsg carries the full view of a room when it is opened.
type RoomSnapshotMsg struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"room_id"`
	Messages []chat.Message `json:"messages"`
}

// MessageUpsertMsg carries messages that were added or replaced.
type MessageUpsertMsg struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"room_id"`
	Messages []chat.Message `json:"messages"`
}

// MessageRemoveMsg carries entries that left the view. Clients apply it
// before any upsert produced by the same merge.
type MessageRemoveMsg struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"room_id"`
	Removed []chat.Removal `json:"removed"`
}

// SendAckMsg confirms a send_message.
type SendAckMsg struct {
	Type        string       `json:"type"`
	RoomID      string       `json:"room_id"`
	ClientToken string       `json:"client_token"`
	Message     chat.Message `json:"message"`
	Preview     string       `json:"preview"`
}

// SendFailedMsg reports a send_message that was not persisted. The
// optimistic entry has already been withdrawn.
type SendFailedMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	ClientToken string `json:"client_token,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// PresenceMsg reports the counterpart's presence in a room.
type PresenceMsg struct {
	Type        string    `json:"type"`
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	State       string    `json:"state"`
	Name        string    `json:"name"`
	AvatarURL   string    `json:"avatar_url"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// ChannelStatusMsg reports the health of the room's push channel.
type ChannelStatusMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RoomCreatedMsg announces a room the user was added to.
type RoomCreatedMsg struct {
	Type string    `json:"type"`
	Room chat.Room `json:"room"`
}

// SearchResultsMsg answers search_messages.
type SearchResultsMsg struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"room_id"`
	Query    string         `json:"query"`
	Messages []chat.Message `json:"messages"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// RoomScoped is implemented by client messages addressed to one room.
type RoomScoped interface {
	Room() string
}

func (m OpenRoomMsg) Room() string        { return m.RoomID }
func (m CloseRoomMsg) Room() string       { return m.RoomID }
func (m SendMessageMsg) Room() string     { return m.RoomID }
func (m RefreshPresenceMsg) Room() string { return m.RoomID }
func (m SearchMessagesMsg) Room() string  { return m.RoomID }

// ParseClientMessage decodes raw WebSocket bytes into a typed client
// message. Unknown and server-only types are errors, as are room-scoped
// messages without a room_id.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOpenRoom:
		var m OpenRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseRoom:
		var m CloseRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRefreshPresence:
		var m RefreshPresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSearchMessages:
		var m SearchMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if rs, ok := msg.(RoomScoped); ok && rs.Room() == "" {
		return env.Type, nil, fmt.Errorf("protocol: %q requires room_id", env.Type)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and sets its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
