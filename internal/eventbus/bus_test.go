package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(4)
	defer bus.Unsubscribe(id)

	bus.PublishNew(EventTaskClaimed, "FM-00001", "agent-1", map[string]string{"lease": "1h"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventTaskClaimed, ev.Type)
		assert.Equal(t, "FM-00001", ev.TaskKey)
		assert.Equal(t, "agent-1", ev.OwnerID)
		assert.Equal(t, "1h", ev.Metadata["lease"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.CreatedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	id1, ch1 := bus.Subscribe(4)
	id2, ch2 := bus.Subscribe(4)
	defer bus.Unsubscribe(id1)
	defer bus.Unsubscribe(id2)

	bus.PublishNew(EventTaskCreated, "FM-00001", "", nil)

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventTaskCreated, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(1)
	defer bus.Unsubscribe(id)

	// The second publish finds the buffer full and must not block.
	done := make(chan struct{})
	go func() {
		bus.PublishNew(EventTaskCreated, "FM-00001", "", nil)
		bus.PublishNew(EventTaskCreated, "FM-00002", "", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	ev := <-ch
	assert.Equal(t, "FM-00001", ev.TaskKey)
	select {
	case ev := <-ch:
		t.Fatalf("expected dropped event, got %s", ev.TaskKey)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(1)
	bus.Unsubscribe(id)

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe is a no-op.
	bus.PublishNew(EventTaskCreated, "FM-00001", "", nil)
}
