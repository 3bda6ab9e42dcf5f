package chat

import "sync"

// MaxPreviewMessages is the number of recent messages retained per
// non-active conversation for unread notifications.
const MaxPreviewMessages = 5

// PreviewBuffer stores the last N messages per non-active conversation so
// unread notifications can carry a snippet without a history fetch. It is
// goroutine-safe and uses a ring buffer internally.
type PreviewBuffer struct {
	mu      sync.RWMutex
	buffers map[ConversationKey]*previewRing
}

// previewRing is a fixed-size circular buffer of Message.
type previewRing struct {
	items []Message
	pos   int
	count int
}

// NewPreviewBuffer creates a new empty PreviewBuffer.
func NewPreviewBuffer() *PreviewBuffer {
	return &PreviewBuffer{
		buffers: make(map[ConversationKey]*previewRing),
	}
}

// Add appends a message to the conversation's ring buffer. If the buffer is
// full, the oldest message is overwritten.
func (pb *PreviewBuffer) Add(key ConversationKey, msg Message) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	rb, ok := pb.buffers[key]
	if !ok {
		rb = &previewRing{
			items: make([]Message, MaxPreviewMessages),
		}
		pb.buffers[key] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxPreviewMessages
	if rb.count < MaxPreviewMessages {
		rb.count++
	}
}

// Get returns the retained messages for a conversation in chronological
// order (oldest first). Returns an empty slice if nothing is retained.
func (pb *PreviewBuffer) Get(key ConversationKey) []Message {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	rb, ok := pb.buffers[key]
	if !ok {
		return []Message{}
	}

	result := make([]Message, rb.count)
	start := (rb.pos - rb.count + MaxPreviewMessages) % MaxPreviewMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxPreviewMessages]
	}
	return result
}

// Remove deletes the buffer for a conversation (called when it becomes the
// active one).
func (pb *PreviewBuffer) Remove(key ConversationKey) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	delete(pb.buffers, key)
}
