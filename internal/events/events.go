// Package events fans engine notifications out to in-process listeners such
// as the control API's websocket stream.
package events

import (
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
)

// Event topics
const (
	TopicFolderOpened     = "folder.opened"
	TopicFolderClosed     = "folder.closed"
	TopicSyncProgress     = "sync.progress"
	TopicSyncCompleted    = "sync.completed"
	TopicWritebackApplied = "writeback.applied"
	TopicWritebackFailed  = "writeback.failed"
)

var Topics = []string{
	TopicFolderOpened,
	TopicFolderClosed,
	TopicSyncProgress,
	TopicSyncCompleted,
	TopicWritebackApplied,
	TopicWritebackFailed,
}

const defaultBuffer = 64

type Event struct {
	Topic string    `json:"topic"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Hub publishes on an EventBus and copies each event into per-listener
// buffered channels. A full listener loses the event.
type Hub struct {
	bus EventBus.Bus

	mu        sync.Mutex
	listeners map[int]chan Event
	nextID    int
	now       func() time.Time
}

func NewHub() *Hub {
	h := &Hub{
		bus:       EventBus.New(),
		listeners: map[int]chan Event{},
		now:       time.Now,
	}
	for _, topic := range Topics {
		_ = h.bus.Subscribe(topic, h.fanout)
	}
	return h
}

func (h *Hub) Publish(topic string, data any) {
	if h == nil {
		return
	}
	h.bus.Publish(topic, Event{Topic: topic, Time: h.now().UTC(), Data: data})
}

// Subscribe returns a channel of events and a function that detaches it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Hub) fanout(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
