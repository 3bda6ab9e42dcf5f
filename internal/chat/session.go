package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fixmate/support-console/internal/metrics"
	"github.com/fixmate/support-console/internal/protocol"
)

// Sender is the outbound side of the channel. Implemented by socket.Manager.
type Sender interface {
	Send(event string, payload interface{}) error
	IsConnected() bool
}

// HistoryFetcher is the REST collaborator for conversation history.
// Implemented by platform.Client.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, counterpartID string, role Role, page int) ([]Message, bool, error)
	MarkRead(ctx context.Context, counterpartID string, role Role) error
}

// Notifier surfaces out-of-band events that do not belong to the displayed
// conversation: unread messages for non-active conversations and presence
// transitions. Implemented by notify.Publisher; may be nil.
type Notifier interface {
	UnreadMessage(key ConversationKey, count int, preview Message)
	Presence(counterpartID string, role Role, online bool)
}

// SessionConfig holds tunable session parameters.
type SessionConfig struct {
	OperatorID string
	TypingIdle time.Duration // inactivity window before typing auto-stops
}

// DefaultSessionConfig returns sensible defaults. OperatorID must be set by
// the caller.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TypingIdle: 2 * time.Second,
	}
}

// Session is the per-operator conversation state machine. At most one
// conversation is active at a time. All mutation happens under one mutex,
// which serializes the channel's read goroutine, the typing timer, and
// caller goroutines.
type Session struct {
	operatorID string
	typingIdle time.Duration
	sock       Sender
	store      HistoryFetcher
	notifier   Notifier

	mu          sync.Mutex
	active      *Conversation
	fetchSeq    uint64
	typing      bool
	typingKey   ConversationKey
	typingTimer *time.Timer
	unread      map[ConversationKey]int
	online      map[ConversationKey]bool
	previews    *PreviewBuffer
}

// NewSession creates a Session. notifier may be nil, in which case
// out-of-band events are only logged.
func NewSession(sock Sender, store HistoryFetcher, notifier Notifier, config SessionConfig) *Session {
	if config.TypingIdle <= 0 {
		config.TypingIdle = DefaultSessionConfig().TypingIdle
	}
	return &Session{
		operatorID: config.OperatorID,
		typingIdle: config.TypingIdle,
		sock:       sock,
		store:      store,
		notifier:   notifier,
		unread:     make(map[ConversationKey]int),
		online:     make(map[ConversationKey]bool),
		previews:   NewPreviewBuffer(),
	}
}

// SelectCounterpart sets the active conversation and triggers a history
// fetch that replaces the message sequence. The previous conversation's
// in-memory state is cleared. An empty counterpartID deselects (placeholder
// state). A history response that arrives after the operator has switched
// again is discarded, never merged into the now-active conversation.
func (s *Session) SelectCounterpart(ctx context.Context, counterpartID string, role Role) {
	s.StopTyping()

	s.mu.Lock()
	s.fetchSeq++
	seq := s.fetchSeq
	if counterpartID == "" {
		s.active = nil
		s.mu.Unlock()
		return
	}
	key := ConversationKey{ID: counterpartID, Role: role}
	s.active = &Conversation{Key: key}
	delete(s.unread, key)
	metrics.UnreadConversations.Set(float64(len(s.unread)))
	s.previews.Remove(key)
	s.mu.Unlock()

	go s.hydrate(ctx, seq, key)
}

// hydrate performs the history fetch for a selection and applies it only if
// the selection is still current (staleness check by fetch sequence and key).
func (s *Session) hydrate(ctx context.Context, seq uint64, key ConversationKey) {
	start := time.Now()
	msgs, _, err := s.store.FetchHistory(ctx, key.ID, key.Role, 1)
	metrics.HistoryFetchSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		// Prior (empty) state is retained; the operator sees no data
		// rather than a crash.
		log.Printf("chat: history fetch for %s/%s failed: %v", key.Role, key.ID, err)
		return
	}

	s.mu.Lock()
	if seq != s.fetchSeq || s.active == nil || s.active.Key != key {
		s.mu.Unlock()
		log.Printf("chat: discarding stale history for %s/%s", key.Role, key.ID)
		return
	}
	s.active.Messages = append([]Message(nil), msgs...)
	hasUnread := false
	for i := range s.active.Messages {
		if s.active.Messages[i].Inbound() && !s.active.Messages[i].Read {
			hasUnread = true
			break
		}
	}
	s.mu.Unlock()

	if hasUnread {
		s.MarkRead(ctx)
	}
}

// Send appends an optimistic pending message to the active conversation and
// emits it on the channel. Empty (after trimming) bodies and sends with no
// selected counterpart are silently rejected. A send dropped because the
// channel was disconnected stays visible locally as pending; there is no
// automatic retry.
func (s *Session) Send(body string) {
	text := strings.TrimSpace(body)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		log.Printf("chat: send rejected, no counterpart selected")
		return
	}
	key := s.active.Key
	msg := Message{
		ID:           uuid.NewString(),
		Delivery:     DeliveryPending,
		SenderID:     s.operatorID,
		SenderRole:   RoleOperator,
		ReceiverID:   key.ID,
		ReceiverRole: key.Role,
		Body:         text,
		Kind:         KindText,
		CreatedAt:    time.Now(),
	}
	s.active.Messages = append(s.active.Messages, msg)
	s.mu.Unlock()

	err := s.sock.Send(protocol.TypeSendMessage, protocol.SendMessageEvent{
		ToUserID:    key.ID,
		ToUserType:  string(key.Role),
		Message:     text,
		MessageType: string(KindText),
	})
	if err != nil {
		// Already logged by the channel; the message stays pending.
		return
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	s.StopTyping()
}

// HandleIncoming processes a message pushed by the channel. A message whose
// counterpart matches the active conversation is appended to the displayed
// sequence. A message for any other conversation increments its unread
// counter and is surfaced out of band, never inserted into displayed
// history. An event sent by the operator themself is the server echo of an
// optimistic send and confirms the oldest body-equal pending message.
func (s *Session) HandleIncoming(ev protocol.MessageReceivedEvent) {
	if ev.FromUserID == s.operatorID || Role(ev.FromUserType) == RoleOperator {
		s.confirmEcho(ev)
		return
	}

	key := ConversationKey{ID: ev.FromUserID, Role: Role(ev.FromUserType)}
	msg := s.messageFromEvent(ev)

	s.mu.Lock()
	if s.active != nil && s.active.Key == key {
		s.active.Messages = append(s.active.Messages, msg)
		s.mu.Unlock()
		return
	}
	s.unread[key]++
	count := s.unread[key]
	metrics.UnreadConversations.Set(float64(len(s.unread)))
	s.previews.Add(key, msg)
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.UnreadMessage(key, count, msg)
	} else {
		log.Printf("chat: unread message from %s/%s (%d pending)", key.Role, key.ID, count)
	}
}

// confirmEcho promotes the oldest pending message with a matching body to
// confirmed, taking the server identifier. An echo with no pending match is
// dropped so an utterance is never displayed twice.
func (s *Session) confirmEcho(ev protocol.MessageReceivedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return
	}
	for i := range s.active.Messages {
		m := &s.active.Messages[i]
		if m.Delivery == DeliveryPending && m.SenderRole == RoleOperator && m.Body == ev.Message {
			m.Delivery = DeliveryConfirmed
			if ev.MessageID != "" {
				m.ID = ev.MessageID
			}
			if ev.CreatedAt > 0 {
				m.CreatedAt = time.Unix(ev.CreatedAt, 0)
			}
			return
		}
	}
	log.Printf("chat: dropping echo with no pending match")
}

// HandleTyping updates the counterpart typing indicator for the active
// conversation. Indicators for other conversations are ignored.
func (s *Session) HandleTyping(ev protocol.TypingStateEvent) {
	key := ConversationKey{ID: ev.UserID, Role: Role(ev.UserType)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.Key == key {
		s.active.Typing = ev.IsTyping
	}
}

// HandleReadReceipt flips the read flag on the operator's outbound messages
// in the named conversation. When the receipt carries a timestamp only
// messages created up to it are flipped.
func (s *Session) HandleReadReceipt(ev protocol.MessageReadEvent) {
	key := ConversationKey{ID: ev.UserID, Role: Role(ev.UserType)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.Key != key {
		return
	}
	for i := range s.active.Messages {
		m := &s.active.Messages[i]
		if m.SenderRole != RoleOperator || m.Read {
			continue
		}
		if ev.Ts > 0 && m.CreatedAt.After(time.Unix(ev.Ts, 0)) {
			continue
		}
		m.Read = true
	}
}

// HandlePresence records a counterpart online/offline transition.
func (s *Session) HandlePresence(ev protocol.UserStatusEvent) {
	key := ConversationKey{ID: ev.UserID, Role: Role(ev.UserType)}

	s.mu.Lock()
	s.online[key] = ev.IsOnline
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.Presence(ev.UserID, Role(ev.UserType), ev.IsOnline)
	}
}

// StartTyping emits a typing-start indicator for the active conversation.
// It is idempotent while already typing; every call resets the inactivity
// timer that auto-invokes StopTyping.
func (s *Session) StartTyping() {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return
	}
	key := s.active.Key
	wasTyping := s.typing
	s.typing = true
	s.typingKey = key
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingIdle, s.typingExpired)
	s.mu.Unlock()

	if wasTyping {
		return
	}
	metrics.TypingEventsTotal.Inc()
	_ = s.sock.Send(protocol.TypeTyping, protocol.TypingEvent{
		ToUserID:   key.ID,
		ToUserType: string(key.Role),
		IsTyping:   true,
	})
}

// StopTyping emits a typing-stop indicator if the operator is currently
// typing, and cancels the inactivity timer. No-op otherwise.
func (s *Session) StopTyping() {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	key := s.typingKey
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	metrics.TypingEventsTotal.Inc()
	_ = s.sock.Send(protocol.TypeTyping, protocol.TypingEvent{
		ToUserID:   key.ID,
		ToUserType: string(key.Role),
		IsTyping:   false,
	})
}

// typingExpired is the inactivity timer callback.
func (s *Session) typingExpired() {
	s.StopTyping()
}

// MarkRead flips local read flags on inbound messages of the active
// conversation and notifies the server via the REST collaborator. REST
// failures are logged; local state keeps the flags flipped.
func (s *Session) MarkRead(ctx context.Context) {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return
	}
	key := s.active.Key
	changed := false
	for i := range s.active.Messages {
		m := &s.active.Messages[i]
		if m.Inbound() && !m.Read {
			m.Read = true
			changed = true
		}
	}
	delete(s.unread, key)
	metrics.UnreadConversations.Set(float64(len(s.unread)))
	s.mu.Unlock()

	if !changed {
		return
	}
	if err := s.store.MarkRead(ctx, key.ID, key.Role); err != nil {
		log.Printf("chat: mark-as-read for %s/%s failed: %v", key.Role, key.ID, err)
	}
}

// JoinOrderRoom scopes subsequent updates to a specific booking context.
func (s *Session) JoinOrderRoom(orderID string) {
	_ = s.sock.Send(protocol.TypeJoinRoom, protocol.JoinRoomEvent{OrderID: orderID})
}

// LeaveOrderRoom exits a booking context previously joined.
func (s *Session) LeaveOrderRoom(orderID string) {
	_ = s.sock.Send(protocol.TypeLeaveRoom, protocol.LeaveRoomEvent{OrderID: orderID})
}

// ActiveKey returns the active conversation's key, if any.
func (s *Session) ActiveKey() (ConversationKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ConversationKey{}, false
	}
	return s.active.Key, true
}

// Messages returns a snapshot of the active conversation's message sequence
// in display order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return []Message{}
	}
	return append([]Message(nil), s.active.Messages...)
}

// Unread returns the out-of-band unread count for a conversation.
func (s *Session) Unread(key ConversationKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[key]
}

// CounterpartTyping reports whether the active conversation's counterpart is
// currently typing.
func (s *Session) CounterpartTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.Typing
}

// Typing reports whether the operator's own typing indicator is on.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// Online reports the last known presence of a counterpart.
func (s *Session) Online(key ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[key]
}

// Preview returns the retained recent messages for a non-active
// conversation.
func (s *Session) Preview(key ConversationKey) []Message {
	return s.previews.Get(key)
}

// messageFromEvent converts a pushed event into a confirmed Message.
func (s *Session) messageFromEvent(ev protocol.MessageReceivedEvent) Message {
	created := time.Now()
	if ev.CreatedAt > 0 {
		created = time.Unix(ev.CreatedAt, 0)
	}
	kind := ContentKind(ev.MessageType)
	if kind == "" {
		kind = KindText
	}
	return Message{
		ID:           ev.MessageID,
		Delivery:     DeliveryConfirmed,
		SenderID:     ev.FromUserID,
		SenderRole:   Role(ev.FromUserType),
		ReceiverID:   s.operatorID,
		ReceiverRole: RoleOperator,
		Body:         ev.Message,
		Kind:         kind,
		Read:         ev.IsRead,
		CreatedAt:    created,
	}
}
