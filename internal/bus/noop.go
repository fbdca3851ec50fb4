package bus

import (
	"context"

	"liteskill.io/chatlog/internal/eventstore"
)

// NoopBus is a Bus that does nothing. Used when projection runs purely on
// catch-up polling, or in tests that exercise the dropped-notification path.
type NoopBus struct{}

// Publish implements Bus.
func (NoopBus) Publish(context.Context, string, []eventstore.StoredEvent) error { return nil }

// Subscribe implements Bus. The returned channel never delivers.
func (NoopBus) Subscribe() (<-chan Notification, func(), error) {
	ch := make(chan Notification)
	return ch, func() {}, nil
}

// Close implements Bus.
func (NoopBus) Close() error { return nil }
