// Package protocol defines the socket event types and structures exchanged
// between the support console and the marketplace chat backend. All events are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Console -> Server event types.
const (
	TypeSendMessage = "send_support_message"
	TypeTyping      = "typing"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
)

// Server -> Console event types. The typing event name is shared in both
// directions; the payload shape differs.
const (
	TypeMessageReceived = "receive_support_message"
	TypeMessageRead     = "message_read"
	TypeUserStatus      = "user_status"
)

// Counterpart role values carried in the *_user_type fields.
const (
	UserTypeOperator = "operator"
	UserTypeUser     = "user"
	UserTypeVendor   = "vendor"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
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
// Console -> Server event structs
// ---------------------------------------------------------------------------

// SendMessageEvent carries an operator message to a counterpart. OrderID is
// optional and scopes the message to a specific booking.
type SendMessageEvent struct {
	Type        string `json:"type"`
	ToUserID    string `json:"to_user_id"`
	ToUserType  string `json:"to_user_type"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
	OrderID     string `json:"order_id,omitempty"`
}

// TypingEvent signals the operator's typing state for a conversation.
type TypingEvent struct {
	Type       string `json:"type"`
	ToUserID   string `json:"to_user_id"`
	ToUserType string `json:"to_user_type"`
	IsTyping   bool   `json:"is_typing"`
}

// JoinRoomEvent scopes subsequent updates to a specific booking context.
type JoinRoomEvent struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

// LeaveRoomEvent exits a booking context previously joined.
type LeaveRoomEvent struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

// ---------------------------------------------------------------------------
// Server -> Console event structs
// ---------------------------------------------------------------------------

// MessageReceivedEvent is a chat message pushed by the server. CreatedAt is a
// unix timestamp in seconds.
type MessageReceivedEvent struct {
	Type         string `json:"type"`
	MessageID    string `json:"message_id"`
	FromUserID   string `json:"from_user_id"`
	FromUserType string `json:"from_user_type"`
	Message      string `json:"message"`
	MessageType  string `json:"message_type"`
	IsRead       bool   `json:"is_read"`
	CreatedAt    int64  `json:"created_at"`
}

// TypingStateEvent relays a counterpart's typing indicator.
type TypingStateEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	IsTyping bool   `json:"is_typing"`
}

// MessageReadEvent is a read receipt for a conversation. Ts is a unix
// timestamp in seconds; zero means the server did not report one.
type MessageReadEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	ReaderID string `json:"reader_id"`
	Ts       int64  `json:"ts"`
}

// UserStatusEvent reports a counterpart going online or offline.
type UserStatusEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	IsOnline bool   `json:"is_online"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses raw socket bytes into a typed server event. It
// returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// console-only event types.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev  interface{}
		err error
	)

	switch env.Type {
	case TypeMessageReceived:
		var e MessageReceivedEvent
		err = json.Unmarshal(env.Raw, &e)
		ev = e
	case TypeTyping:
		var e TypingStateEvent
		err = json.Unmarshal(env.Raw, &e)
		ev = e
	case TypeMessageRead:
		var e MessageReadEvent
		err = json.Unmarshal(env.Raw, &e)
		ev = e
	case TypeUserStatus:
		var e UserStatusEvent
		err = json.Unmarshal(env.Raw, &e)
		ev = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, ev, nil
}

// NewClientEvent creates a JSON-encoded byte slice for a console event. The
// eventType is injected into the payload under the "type" key. The payload
// should be one of the console event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewClientEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client event: %w", err)
	}
	return out, nil
}
