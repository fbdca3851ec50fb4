package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/logger"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 256

// MemoryBus is the in-process notification channel. The default for the
// single-process deployment the desktop app ships.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[int]chan Notification
	nextID  int
	bufSize int
	closed  bool
}

// NewMemoryBus creates an in-process bus. bufSize <= 0 uses the default.
func NewMemoryBus(bufSize int) *MemoryBus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &MemoryBus{
		subs:    make(map[int]chan Notification),
		bufSize: bufSize,
	}
}

// Publish implements Bus. Never blocks the appender: a subscriber whose
// buffer is full simply misses the notification and catches up later.
func (b *MemoryBus) Publish(_ context.Context, streamID string, events []eventstore.StoredEvent) error {
	n := Notification{StreamID: streamID, Events: events}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			logger.Debug("notification dropped: subscriber buffer full",
				zap.String("stream_id", streamID),
			)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe() (<-chan Notification, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}, nil
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Close implements Bus. Detaches and closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
