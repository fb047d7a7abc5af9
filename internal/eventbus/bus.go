// Package eventbus formalizes the ad hoc notification paths the source
// UI wired directly into its handlers (log.Printf calls, Wails
// EventsEmit("resource:update", ...)) into a single in-process
// publish/subscribe point any core component can notify through and
// any façade consumer can observe, without the emitter knowing who (if
// anyone) is listening.
package eventbus

import "sync"

// Kind distinguishes the notification payloads the core emits.
type Kind int

const (
	// SessionStateChanged reports a Cluster Session lifecycle transition.
	SessionStateChanged Kind = iota
	// WatchWorkerStateChanged reports a Watch Worker lifecycle transition.
	WatchWorkerStateChanged
	// AggregationReady reports the Aggregation Engine finishing its
	// initial bounded list for a GVK across all contexts.
	AggregationReady
	// Warning reports a non-fatal, user-facing condition (a dropped
	// watch event, a corrupt favorites file recovered as empty, ...).
	Warning
)

// Event is the payload delivered to subscribers. Not every field is
// populated for every Kind; callers switch on Kind first.
type Event struct {
	Kind    Kind
	Context string
	GVK     string
	State   string
	Message string
	Err     error
}

// Bus is a one-to-many, non-blocking publish/subscribe point. The zero
// value is not usable; construct with New.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns its channel along with
// an Unsubscribe function. The channel is buffered; a slow subscriber
// drops events rather than blocking the publisher.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans Event out to every current subscriber. Non-blocking: a
// subscriber with a full buffer silently misses the event rather than
// stalling the caller.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
