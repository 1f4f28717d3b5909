package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventTaskCreated     EventType = "task.created"
	EventTaskMerged      EventType = "task.merged"
	EventTaskClaimed     EventType = "task.claimed"
	EventLeaseRenewed    EventType = "lease.renewed"
	EventLeaseExpired    EventType = "lease.expired"
	EventScopeWidened    EventType = "scope.widened"
	EventTaskDelegated   EventType = "task.delegated"
	EventTaskHandedOff   EventType = "task.handoff"
	EventTaskReleased    EventType = "task.released"
	EventTaskTransition  EventType = "task.transitioned"
	EventTaskOverridden  EventType = "task.overridden"
)

// Event is one claim-lifecycle occurrence. Subscribers use it for audit
// trails and live observation; it is not a coordination mechanism.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	TaskKey   string            `json:"task_key"`
	OwnerID   string            `json:"owner_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType EventType, taskKey, ownerID string, metadata map[string]string) {
	b.Publish(&Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		TaskKey:   taskKey,
		OwnerID:   ownerID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
}
