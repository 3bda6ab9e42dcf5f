// Package chat implements the operator-facing conversation state machine:
// the active conversation, optimistic sends, history hydration, typing
// debouncing, read receipts, and unread tracking for non-active
// conversations.
package chat

import (
	"time"

	"github.com/fixmate/support-console/internal/protocol"
)

// Role identifies which side of the marketplace a chat participant is on.
type Role string

const (
	RoleOperator Role = protocol.UserTypeOperator
	RoleUser     Role = protocol.UserTypeUser
	RoleVendor   Role = protocol.UserTypeVendor
)

// ContentKind is the message content type.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindFile  ContentKind = "file"
)

// Delivery states for a message. A message created optimistically on send is
// pending until the server echo confirms it; with no echo it stays pending as
// a terminal, best-effort state.
const (
	DeliveryPending   = "pending"
	DeliveryConfirmed = "confirmed"
)

// Message is one chat utterance. ID holds a locally-generated identifier
// while pending and the server identifier once confirmed. Messages are never
// deleted client-side; only the Read flag and delivery state mutate.
type Message struct {
	ID           string
	Delivery     string // DeliveryPending | DeliveryConfirmed
	SenderID     string
	SenderRole   Role
	ReceiverID   string
	ReceiverRole Role
	Body         string
	Kind         ContentKind
	Read         bool
	CreatedAt    time.Time
}

// Inbound reports whether the message was sent by the counterpart rather
// than the operator.
func (m *Message) Inbound() bool {
	return m.SenderRole != RoleOperator
}

// ConversationKey identifies a conversation by counterpart identity and role.
type ConversationKey struct {
	ID   string
	Role Role
}

// Conversation holds the ordered message sequence for one counterpart.
// Insertion order is send/arrival order; no timestamp re-sort is performed.
type Conversation struct {
	Key      ConversationKey
	Messages []Message
	Typing   bool // counterpart's typing indicator
}
