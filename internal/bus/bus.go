// Package bus is the change notification channel between the event log and
// the projector.
//
// Delivery contract: at-least-once while a subscriber is attached, with no
// durability. Notifications published with no subscriber listening, or into
// a full buffer, are dropped. That is acceptable because the log itself is
// durable and the projector reconciles every gap through its catch-up pass.
//
// Import Path: liteskill.io/chatlog/internal/bus
package bus

import (
	"context"

	"liteskill.io/chatlog/internal/eventstore"
)

// Notification carries the stored events of one successful append.
type Notification struct {
	StreamID string                   `json:"stream_id"`
	Events   []eventstore.StoredEvent `json:"events"`
}

// Bus fans appended event batches out to subscribers.
// Publish satisfies eventstore.Publisher.
type Bus interface {
	Publish(ctx context.Context, streamID string, events []eventstore.StoredEvent) error

	// Subscribe returns a channel of notifications and a cancel function
	// that detaches the subscriber and closes the channel.
	Subscribe() (<-chan Notification, func(), error)

	Close() error
}
