package events

import (
	"sync"
	"time"
)

// ObserverType identifies an observer event category.
type ObserverType string

// Observer event types consumed by the SSE stream and the watch TUI.
const (
	ItemEnqueued   ObserverType = "item.enqueued"
	ItemDequeued   ObserverType = "item.dequeued"
	BuildLaunched  ObserverType = "build.launched"
	BuildStarted   ObserverType = "build.started"
	BuildCompleted ObserverType = "build.completed"
	MergeCompleted ObserverType = "merge.completed"
	Reconfigured   ObserverType = "reconfigured"
	SchedulerExit  ObserverType = "scheduler.exit"
)

// ObserverEvent is a single occurrence in the scheduler lifecycle, emitted
// for observation only; no scheduler state depends on its delivery.
type ObserverEvent struct {
	// Time is when the event occurred (set by the bus on emit)
	Time time.Time `json:"time"`

	Type ObserverType `json:"type"`

	Tenant   string `json:"tenant,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
	Project  string `json:"project,omitempty"`
	Change   string `json:"change,omitempty"`

	Job    string `json:"job,omitempty"`
	Build  string `json:"build,omitempty"`
	Result string `json:"result,omitempty"`
}

// Bus distributes observer events to subscribers. Slow subscribers drop
// events rather than block the scheduler.
type Bus struct {
	mu   sync.Mutex
	subs map[chan ObserverEvent]struct{}

	// Capacity is the per-subscriber channel depth
	Capacity int
}

// NewBus creates a bus with the given per-subscriber capacity.
func NewBus(capacity int) *Bus {
	return &Bus{
		subs:     make(map[chan ObserverEvent]struct{}),
		Capacity: capacity,
	}
}

// Subscribe registers a new subscriber channel.
func (b *Bus) Subscribe() chan ObserverEvent {
	ch := make(chan ObserverEvent, b.Capacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan ObserverEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Emit fans the event out to all subscribers, dropping it for any whose
// channel is full.
func (b *Bus) Emit(ev ObserverEvent) {
	ev.Time = time.Now()
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
