package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edirooss/streamdist-server/internal/metrics"
	"go.uber.org/zap"
)

// EventKind discriminates bus payloads.
type EventKind string

const (
	EventInputStatus  EventKind = "input_status"
	EventOutputStatus EventKind = "output_status"
)

// Event is one status-change notification. OutputID is zero for input
// events.
type Event struct {
	Kind           EventKind `json:"kind"`
	InputID        int64     `json:"input_id"`
	OutputID       int64     `json:"output_id,omitempty"`
	OldStatus      string    `json:"old_status"`
	NewStatus      string    `json:"new_status"`
	ReconnectCount uint      `json:"reconnect_count,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans status events out to subscribers. Publishing never blocks: each
// subscriber owns a bounded queue and the oldest queued event is dropped on
// overflow. Drops are counted, never silent; the store remains the
// authoritative view, so a dropped event costs a notification, not state.
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int64]*subscriber
	nextID int64

	dropped atomic.Int64
}

// NewBus returns an empty bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log.Named("eventbus"),
		subs: make(map[int64]*subscriber),
	}
}

// Subscribe registers a subscriber with the given queue depth and returns
// its channel plus an unsubscribe func. The channel closes on unsubscribe.
func (b *Bus) Subscribe(depth int) (<-chan Event, func()) {
	if depth < 1 {
		depth = 1
	}
	sub := &subscriber{ch: make(chan Event, depth)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

// Publish delivers ev to every current subscriber, at least once per
// subscriber unless its queue overflows. Never blocks the caller.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: evict the oldest, then retry once. The eviction and
		// retry race against the consumer, so both selects stay non-blocking.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
			metrics.DroppedEventsTotal.Inc()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			metrics.DroppedEventsTotal.Inc()
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscribers since startup.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
