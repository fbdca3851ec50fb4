package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/logger"
)

// subjectPrefix namespaces chatlog notifications on a shared NATS server.
// Per-stream subjects (chatlog.appends.<stream_id>) allow targeted
// subscriptions, while the projector listens on the wildcard.
const subjectPrefix = "chatlog.appends."

const wildcardSubject = subjectPrefix + ">"

// NATSBus routes append notifications through a NATS server so a projector
// in another process can consume them. The delivery contract is the same as
// the in-process bus: at-least-once while subscribed, no durability.
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to NATS with automatic reconnection.
func NewNATSBus(url string, opts ...nats.Option) (*NATSBus, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: nc}, nil
}

// Publish implements Bus.
func (b *NATSBus) Publish(_ context.Context, streamID string, events []eventstore.StoredEvent) error {
	data, err := json.Marshal(Notification{StreamID: streamID, Events: events})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return b.conn.Publish(subjectPrefix+streamID, data)
}

// Subscribe implements Bus. Listens on the wildcard subject so one
// subscription covers every stream.
func (b *NATSBus) Subscribe() (<-chan Notification, func(), error) {
	ch := make(chan Notification, DefaultBufferSize)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := b.conn.Subscribe(wildcardSubject, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			logger.Warn("discarding malformed notification",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- n:
		default:
			// Drop rather than block the NATS client; catch-up recovers.
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", wildcardSubject, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

// Close implements Bus.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
