// Package events exposes typed callback subscription over the channel so
// higher layers never touch transport details or raw event names. Incoming
// frames are parsed once and dispatched to the handlers registered for their
// concrete event type.
package events

import (
	"log"
	"sync"

	"github.com/fixmate/support-console/internal/metrics"
	"github.com/fixmate/support-console/internal/protocol"
)

// Bus routes parsed server events to registered handlers. Multiple handlers
// per event type are permitted and invoked in registration order. Handlers
// run on the channel's read goroutine and must not block for extended
// periods. There is no delivery guarantee while the channel is disconnected;
// frames simply never arrive.
type Bus struct {
	mu               sync.Mutex
	messageHandlers  []func(protocol.MessageReceivedEvent)
	typingHandlers   []func(protocol.TypingStateEvent)
	readHandlers     []func(protocol.MessageReadEvent)
	presenceHandlers []func(protocol.UserStatusEvent)
}

// NewBus creates an empty Bus ready for registration.
func NewBus() *Bus {
	return &Bus{}
}

// OnMessage registers a handler for incoming chat messages.
func (b *Bus) OnMessage(h func(protocol.MessageReceivedEvent)) {
	b.mu.Lock()
	b.messageHandlers = append(b.messageHandlers, h)
	b.mu.Unlock()
}

// OnTyping registers a handler for counterpart typing indicators.
func (b *Bus) OnTyping(h func(protocol.TypingStateEvent)) {
	b.mu.Lock()
	b.typingHandlers = append(b.typingHandlers, h)
	b.mu.Unlock()
}

// OnReadReceipt registers a handler for read receipts.
func (b *Bus) OnReadReceipt(h func(protocol.MessageReadEvent)) {
	b.mu.Lock()
	b.readHandlers = append(b.readHandlers, h)
	b.mu.Unlock()
}

// OnPresence registers a handler for counterpart online/offline transitions.
func (b *Bus) OnPresence(h func(protocol.UserStatusEvent)) {
	b.mu.Lock()
	b.presenceHandlers = append(b.presenceHandlers, h)
	b.mu.Unlock()
}

// RemoveAll clears every registration. Used on session teardown.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	b.messageHandlers = nil
	b.typingHandlers = nil
	b.readHandlers = nil
	b.presenceHandlers = nil
	b.mu.Unlock()
}

// HandleFrame parses a raw frame from the channel and dispatches it to the
// handlers registered for its event type. Malformed frames and unknown event
// types are logged and dropped.
func (b *Bus) HandleFrame(data []byte) {
	evType, ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		log.Printf("events: dropping frame type=%q: %v", evType, err)
		return
	}

	switch e := ev.(type) {
	case protocol.MessageReceivedEvent:
		metrics.MessagesTotal.WithLabelValues("received").Inc()
		for _, h := range b.snapshotMessage() {
			h(e)
		}
	case protocol.TypingStateEvent:
		for _, h := range b.snapshotTyping() {
			h(e)
		}
	case protocol.MessageReadEvent:
		for _, h := range b.snapshotRead() {
			h(e)
		}
	case protocol.UserStatusEvent:
		for _, h := range b.snapshotPresence() {
			h(e)
		}
	}
}

// The snapshot helpers copy the handler slice under the lock so dispatch
// itself runs without holding it.

func (b *Bus) snapshotMessage() []func(protocol.MessageReceivedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(([]func(protocol.MessageReceivedEvent))(nil), b.messageHandlers...)
}

func (b *Bus) snapshotTyping() []func(protocol.TypingStateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(([]func(protocol.TypingStateEvent))(nil), b.typingHandlers...)
}

func (b *Bus) snapshotRead() []func(protocol.MessageReadEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(([]func(protocol.MessageReadEvent))(nil), b.readHandlers...)
}

func (b *Bus) snapshotPresence() []func(protocol.UserStatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(([]func(protocol.UserStatusEvent))(nil), b.presenceHandlers...)
}
