package subscription

import "github.com/syntrixbase/streamsub/pkg/model"

// Buffer is a bounded FIFO of messages. When full, pushing evicts the oldest entry.
// It is not safe for concurrent use; the Manager guards it.
type Buffer struct {
	items []model.Message
	head  int
	size  int
}

// NewBuffer creates a buffer holding at most capacity messages.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{items: make([]model.Message, capacity)}
}

// Cap returns the maximum number of retained messages.
func (b *Buffer) Cap() int { return len(b.items) }

// Len returns the number of retained messages.
func (b *Buffer) Len() int { return b.size }

// Push appends msg and reports whether an older message was evicted.
func (b *Buffer) Push(msg model.Message) bool {
	if len(b.items) == 0 {
		return true
	}
	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = msg
		b.size++
		return false
	}
	b.items[b.head] = msg
	b.head = (b.head + 1) % len(b.items)
	return true
}

// Items returns the retained messages, oldest first.
func (b *Buffer) Items() []model.Message {
	out := make([]model.Message, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)].Clone()
	}
	return out
}

// Clear drops every message.
func (b *Buffer) Clear() {
	for i := range b.items {
		b.items[i] = model.Message{}
	}
	b.head = 0
	b.size = 0
}

// Resize changes the capacity, keeping the newest messages that fit.
func (b *Buffer) Resize(capacity int) {
	if capacity == len(b.items) {
		return
	}
	current := b.Items()
	if len(current) > capacity {
		current = current[len(current)-capacity:]
	}
	b.items = make([]model.Message, capacity)
	b.head = 0
	b.size = copy(b.items, current)
}
