package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liteskill.io/chatlog/internal/eventstore"
	"liteskill.io/chatlog/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	m.Run()
}

func storedEvents(streamID string, versions ...int64) []eventstore.StoredEvent {
	out := make([]eventstore.StoredEvent, len(versions))
	for i, v := range versions {
		out[i] = eventstore.StoredEvent{StreamID: streamID, StreamVersion: v, EventType: "UserMessageAdded"}
	}
	return out
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewMemoryBus(4)
	defer b.Close()

	ch1, cancel1, err := b.Subscribe()
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe()
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, b.Publish(context.Background(), "conversation-s1", storedEvents("conversation-s1", 1, 2)))

	for _, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			assert.Equal(t, "conversation-s1", n.StreamID)
			assert.Len(t, n.Events, 2)
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestPublishWithoutSubscriberIsDropped(t *testing.T) {
	b := NewMemoryBus(4)
	defer b.Close()

	// No subscriber: must not block or fail; durability lives in the log.
	assert.NoError(t, b.Publish(context.Background(), "conversation-s1", storedEvents("conversation-s1", 1)))
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := NewMemoryBus(1)
	defer b.Close()

	ch, cancel, err := b.Subscribe()
	require.NoError(t, err)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "conversation-s1", storedEvents("conversation-s1", 1)))
	require.NoError(t, b.Publish(ctx, "conversation-s1", storedEvents("conversation-s1", 2)))

	n := <-ch
	assert.Equal(t, int64(1), n.Events[0].StreamVersion)
	select {
	case extra := <-ch:
		t.Fatalf("expected second notification dropped, got version %d", extra.Events[0].StreamVersion)
	default:
	}
}

func TestCancelDetachesSubscriber(t *testing.T) {
	b := NewMemoryBus(4)
	defer b.Close()

	ch, cancel, err := b.Subscribe()
	require.NoError(t, err)
	cancel()

	// Channel closed after cancel.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	assert.NoError(t, b.Publish(context.Background(), "conversation-s1", storedEvents("conversation-s1", 1)))
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := NewMemoryBus(4)

	ch, _, err := b.Subscribe()
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close returns a closed channel.
	ch2, cancel2, err := b.Subscribe()
	require.NoError(t, err)
	defer cancel2()
	_, open = <-ch2
	assert.False(t, open)
}
