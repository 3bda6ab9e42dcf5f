package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fixmate/support-console/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentEvent struct {
	name    string
	payload interface{}
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []sentEvent
}

func (f *fakeSender) Send(name string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("socket: not connected")
	}
	f.sent = append(f.sent, sentEvent{name, payload})
	return nil
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) typingEvents() []protocol.TypingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.TypingEvent
	for _, e := range f.sent {
		if e.name == protocol.TypeTyping {
			out = append(out, e.payload.(protocol.TypingEvent))
		}
	}
	return out
}

func (f *fakeSender) sentNamed(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.name == name {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu        sync.Mutex
	history   map[ConversationKey][]Message
	gates     map[ConversationKey]chan struct{}
	fetches   int
	markReads []ConversationKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history: make(map[ConversationKey][]Message),
		gates:   make(map[ConversationKey]chan struct{}),
	}
}

func (f *fakeStore) FetchHistory(_ context.Context, counterpartID string, role Role, _ int) ([]Message, bool, error) {
	key := ConversationKey{ID: counterpartID, Role: role}
	f.mu.Lock()
	gate := f.gates[key]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return append([]Message(nil), f.history[key]...), false, nil
}

func (f *fakeStore) MarkRead(_ context.Context, counterpartID string, role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, ConversationKey{ID: counterpartID, Role: role})
	return nil
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeStore) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReads)
}

type unreadNote struct {
	key     ConversationKey
	count   int
	preview Message
}

type fakeNotifier struct {
	mu       sync.Mutex
	unread   []unreadNote
	presence []string
}

func (f *fakeNotifier) UnreadMessage(key ConversationKey, count int, preview Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = append(f.unread, unreadNote{key, count, preview})
}

func (f *fakeNotifier) Presence(counterpartID string, _ Role, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, counterpartID)
}

func (f *fakeNotifier) unreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unread)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func newTestSession(t *testing.T) (*Session, *fakeSender, *fakeStore, *fakeNotifier) {
	t.Helper()
	sender := &fakeSender{connected: true}
	store := newFakeStore()
	notifier := &fakeNotifier{}
	cfg := DefaultSessionConfig()
	cfg.OperatorID = "op-1"
	return NewSession(sender, store, notifier, cfg), sender, store, notifier
}

func historyMsg(id, from string, role Role, body string) Message {
	return Message{
		ID:           id,
		Delivery:     DeliveryConfirmed,
		SenderID:     from,
		SenderRole:   role,
		ReceiverID:   "op-1",
		ReceiverRole: RoleOperator,
		Body:         body,
		Kind:         KindText,
		Read:         true,
		CreatedAt:    time.Now().Add(-time.Minute),
	}
}

// selectAndHydrate selects a counterpart and waits for its history fetch to
// be applied.
func selectAndHydrate(t *testing.T, s *Session, store *fakeStore, id string, role Role) {
	t.Helper()
	before := store.fetchCount()
	s.SelectCounterpart(context.Background(), id, role)
	key := ConversationKey{ID: id, Role: role}
	store.mu.Lock()
	want := len(store.history[key])
	store.mu.Unlock()
	waitFor(t, 2*time.Second, "history hydration", func() bool {
		return store.fetchCount() > before && len(s.Messages()) == want
	})
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func TestSendAppendsOptimistically(t *testing.T) {
	s, sender, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.Send("first")
	s.Send("second")

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Errorf("unexpected bodies: %q, %q", msgs[0].Body, msgs[1].Body)
	}
	for i, m := range msgs {
		if m.Delivery != DeliveryPending {
			t.Errorf("message %d: expected pending delivery, got %q", i, m.Delivery)
		}
		if m.ID == "" {
			t.Errorf("message %d: expected a local identifier", i)
		}
		if m.SenderRole != RoleOperator {
			t.Errorf("message %d: expected operator sender, got %q", i, m.SenderRole)
		}
	}
	if n := sender.sentNamed(protocol.TypeSendMessage); n != 2 {
		t.Errorf("expected 2 outbound events, got %d", n)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	s, sender, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.Send("")
	s.Send("   ")
	s.Send("\t\n")

	if n := len(s.Messages()); n != 0 {
		t.Fatalf("expected 0 messages, got %d", n)
	}
	if n := sender.sentNamed(protocol.TypeSendMessage); n != 0 {
		t.Errorf("expected no outbound events, got %d", n)
	}
}

func TestSendRejectsWithoutSelection(t *testing.T) {
	s, sender, _, _ := newTestSession(t)

	s.Send("hello")

	if n := len(s.Messages()); n != 0 {
		t.Fatalf("expected 0 messages, got %d", n)
	}
	if n := sender.sentNamed(protocol.TypeSendMessage); n != 0 {
		t.Errorf("expected no outbound events, got %d", n)
	}
}

func TestSendWhileDisconnectedStaysPending(t *testing.T) {
	s, sender, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)
	sender.mu.Lock()
	sender.connected = false
	sender.mu.Unlock()

	s.Send("are you there?")

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Delivery != DeliveryPending {
		t.Errorf("expected pending delivery, got %q", msgs[0].Delivery)
	}
	if n := sender.sentNamed(protocol.TypeSendMessage); n != 0 {
		t.Errorf("expected dropped send, got %d outbound events", n)
	}
}

// Scenario from the property list: two prior messages plus one send.
func TestHistoryThenSendScenario(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	key := ConversationKey{ID: "v-1", Role: RoleVendor}
	store.history[key] = []Message{
		historyMsg("h-1", "v-1", RoleVendor, "When should I arrive?"),
		historyMsg("h-2", "op-1", RoleOperator, "Customer asked for 2pm"),
	}

	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.Send("Hello")

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	last := msgs[2]
	if last.Body != "Hello" {
		t.Errorf("expected last body %q, got %q", "Hello", last.Body)
	}
	if last.Delivery != DeliveryPending || last.ID == "" {
		t.Errorf("expected pending message with local identifier, got %+v", last)
	}
}

// ---------------------------------------------------------------------------
// Selection and staleness
// ---------------------------------------------------------------------------

func TestSelectReplacesHistory(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	keyA := ConversationKey{ID: "u-1", Role: RoleUser}
	keyB := ConversationKey{ID: "v-2", Role: RoleVendor}
	store.history[keyA] = []Message{historyMsg("a-1", "u-1", RoleUser, "from A")}
	store.history[keyB] = []Message{
		historyMsg("b-1", "v-2", RoleVendor, "from B"),
		historyMsg("b-2", "v-2", RoleVendor, "more from B"),
	}

	selectAndHydrate(t, s, store, "u-1", RoleUser)
	selectAndHydrate(t, s, store, "v-2", RoleVendor)

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.SenderID != "v-2" {
			t.Errorf("expected only B's history, found message from %q", m.SenderID)
		}
	}
}

func TestStaleHistoryFetchIsDiscarded(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	keyA := ConversationKey{ID: "u-1", Role: RoleUser}
	keyB := ConversationKey{ID: "v-2", Role: RoleVendor}
	store.history[keyA] = []Message{historyMsg("a-1", "u-1", RoleUser, "late A history")}
	store.history[keyB] = []Message{historyMsg("b-1", "v-2", RoleVendor, "from B")}

	// Hold A's fetch in flight while the operator switches to B.
	gate := make(chan struct{})
	store.mu.Lock()
	store.gates[keyA] = gate
	store.mu.Unlock()

	s.SelectCounterpart(context.Background(), "u-1", RoleUser)
	selectAndHydrate(t, s, store, "v-2", RoleVendor)

	// A's fetch resolves after the switch; it must be discarded.
	close(gate)
	waitFor(t, 2*time.Second, "stale fetch completion", func() bool {
		return store.fetchCount() == 2
	})

	time.Sleep(20 * time.Millisecond)
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].SenderID != "v-2" {
		t.Fatalf("expected only B's history, got %+v", msgs)
	}
}

func TestDeselectShowsPlaceholder(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.SelectCounterpart(context.Background(), "", RoleVendor)

	if _, ok := s.ActiveKey(); ok {
		t.Error("expected no active conversation after deselect")
	}
	if n := len(s.Messages()); n != 0 {
		t.Errorf("expected empty placeholder state, got %d messages", n)
	}
}

// ---------------------------------------------------------------------------
// Incoming events
// ---------------------------------------------------------------------------

func TestIncomingForActiveConversationAppends(t *testing.T) {
	s, _, store, notifier := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.HandleIncoming(protocol.MessageReceivedEvent{
		MessageID:    "m-1",
		FromUserID:   "v-1",
		FromUserType: "vendor",
		Message:      "job finished",
		MessageType:  "text",
		CreatedAt:    time.Now().Unix(),
	})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Body != "job finished" || msgs[0].Delivery != DeliveryConfirmed {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	if notifier.unreadCount() != 0 {
		t.Error("active-conversation message must not raise an unread notification")
	}
}

func TestIncomingForOtherConversationIsOutOfBand(t *testing.T) {
	s, _, store, notifier := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	other := ConversationKey{ID: "v-2", Role: RoleVendor}
	s.HandleIncoming(protocol.MessageReceivedEvent{
		MessageID:    "m-9",
		FromUserID:   "v-2",
		FromUserType: "vendor",
		Message:      "need help with a booking",
		MessageType:  "text",
	})

	if n := len(s.Messages()); n != 0 {
		t.Fatalf("message for another conversation leaked into displayed history (%d entries)", n)
	}
	if got := s.Unread(other); got != 1 {
		t.Errorf("expected unread count 1 for %v, got %d", other, got)
	}
	if notifier.unreadCount() != 1 {
		t.Fatalf("expected 1 unread notification, got %d", notifier.unreadCount())
	}
	notifier.mu.Lock()
	note := notifier.unread[0]
	notifier.mu.Unlock()
	if note.key != other || note.count != 1 || note.preview.Body != "need help with a booking" {
		t.Errorf("unexpected notification: %+v", note)
	}
	if previews := s.Preview(other); len(previews) != 1 {
		t.Errorf("expected 1 preview message, got %d", len(previews))
	}
}

func TestEchoConfirmsPendingMessage(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.Send("Hello")
	localID := s.Messages()[0].ID

	s.HandleIncoming(protocol.MessageReceivedEvent{
		MessageID:    "srv-42",
		FromUserID:   "op-1",
		FromUserType: "operator",
		Message:      "Hello",
		MessageType:  "text",
		CreatedAt:    time.Now().Unix(),
	})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("echo must not append a duplicate; got %d messages", len(msgs))
	}
	if msgs[0].Delivery != DeliveryConfirmed {
		t.Errorf("expected confirmed delivery, got %q", msgs[0].Delivery)
	}
	if msgs[0].ID != "srv-42" {
		t.Errorf("expected server identifier %q to replace %q, got %q", "srv-42", localID, msgs[0].ID)
	}
}

func TestEchoWithoutPendingMatchIsDropped(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.HandleIncoming(protocol.MessageReceivedEvent{
		MessageID:    "srv-1",
		FromUserID:   "op-1",
		FromUserType: "operator",
		Message:      "never sent locally",
		MessageType:  "text",
	})

	if n := len(s.Messages()); n != 0 {
		t.Fatalf("unmatched echo must be dropped, got %d messages", n)
	}
}

func TestRepeatedBodiesConfirmInOrder(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.Send("ok")
	s.Send("ok")

	s.HandleIncoming(protocol.MessageReceivedEvent{
		MessageID:    "srv-1",
		FromUserID:   "op-1",
		FromUserType: "operator",
		Message:      "ok",
	})

	msgs := s.Messages()
	if msgs[0].Delivery != DeliveryConfirmed || msgs[0].ID != "srv-1" {
		t.Errorf("expected oldest pending confirmed first, got %+v", msgs[0])
	}
	if msgs[1].Delivery != DeliveryPending {
		t.Errorf("expected second send still pending, got %+v", msgs[1])
	}
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func TestStartTypingIsIdempotent(t *testing.T) {
	s, sender, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.StartTyping()
	s.StartTyping()
	s.StartTyping()

	evs := sender.typingEvents()
	if len(evs) != 1 {
		t.Fatalf("expected exactly 1 typing event, got %d", len(evs))
	}
	if !evs[0].IsTyping {
		t.Error("expected a typing-start event")
	}
}

func TestTypingAutoStopsAfterInactivity(t *testing.T) {
	sender := &fakeSender{connected: true}
	store := newFakeStore()
	cfg := DefaultSessionConfig()
	cfg.OperatorID = "op-1"
	cfg.TypingIdle = 40 * time.Millisecond
	s := NewSession(sender, store, nil, cfg)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.StartTyping()

	waitFor(t, 2*time.Second, "typing auto-stop", func() bool {
		evs := sender.typingEvents()
		return len(evs) == 2 && !evs[1].IsTyping
	})
	if s.Typing() {
		t.Error("expected typing state false after the inactivity window")
	}
}

func TestKeystrokeResetsInactivityTimer(t *testing.T) {
	sender := &fakeSender{connected: true}
	store := newFakeStore()
	cfg := DefaultSessionConfig()
	cfg.OperatorID = "op-1"
	cfg.TypingIdle = 120 * time.Millisecond
	s := NewSession(sender, store, nil, cfg)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.StartTyping()
	time.Sleep(70 * time.Millisecond)
	s.StartTyping() // keystroke: resets the timer

	// Past the original deadline but within the reset one.
	time.Sleep(70 * time.Millisecond)
	if !s.Typing() {
		t.Fatal("typing stopped despite the timer reset")
	}

	waitFor(t, 2*time.Second, "typing auto-stop", func() bool {
		return !s.Typing()
	})
}

func TestCounterpartTypingIndicator(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.HandleTyping(protocol.TypingStateEvent{UserID: "v-1", UserType: "vendor", IsTyping: true})
	if !s.CounterpartTyping() {
		t.Error("expected counterpart typing indicator on")
	}

	// Indicator for a different conversation is ignored.
	s.HandleTyping(protocol.TypingStateEvent{UserID: "v-9", UserType: "vendor", IsTyping: false})
	if !s.CounterpartTyping() {
		t.Error("typing indicator for another conversation must be ignored")
	}

	s.HandleTyping(protocol.TypingStateEvent{UserID: "v-1", UserType: "vendor", IsTyping: false})
	if s.CounterpartTyping() {
		t.Error("expected counterpart typing indicator off")
	}
}

// ---------------------------------------------------------------------------
// Read state and presence
// ---------------------------------------------------------------------------

func TestHydrationMarksUnreadHistoryRead(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	key := ConversationKey{ID: "u-1", Role: RoleUser}
	unread := historyMsg("h-1", "u-1", RoleUser, "anyone there?")
	unread.Read = false
	store.history[key] = []Message{unread}

	selectAndHydrate(t, s, store, "u-1", RoleUser)

	waitFor(t, 2*time.Second, "mark-as-read call", func() bool {
		return store.markReadCount() == 1
	})
	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].Read {
		t.Errorf("expected hydrated history marked read, got %+v", msgs)
	}
}

func TestReadReceiptFlipsOutboundMessages(t *testing.T) {
	s, _, store, _ := newTestSession(t)
	selectAndHydrate(t, s, store, "v-1", RoleVendor)

	s.Send("one")
	s.Send("two")

	s.HandleReadReceipt(protocol.MessageReadEvent{UserID: "v-1", UserType: "vendor", ReaderID: "v-1"})

	for i, m := range s.Messages() {
		if !m.Read {
			t.Errorf("message %d: expected read flag set", i)
		}
	}
}

func TestPresenceTracking(t *testing.T) {
	s, _, _, notifier := newTestSession(t)
	key := ConversationKey{ID: "v-1", Role: RoleVendor}

	s.HandlePresence(protocol.UserStatusEvent{UserID: "v-1", UserType: "vendor", IsOnline: true})
	if !s.Online(key) {
		t.Error("expected counterpart online")
	}

	s.HandlePresence(protocol.UserStatusEvent{UserID: "v-1", UserType: "vendor", IsOnline: false})
	if s.Online(key) {
		t.Error("expected counterpart offline")
	}

	notifier.mu.Lock()
	n := len(notifier.presence)
	notifier.mu.Unlock()
	if n != 2 {
		t.Errorf("expected 2 presence notifications, got %d", n)
	}
}
