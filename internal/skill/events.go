package skill

import "sync"

// EventType is the closed set of runtime lifecycle events.
type EventType string

const (
	EventRegistered    EventType = "skillRegistered"
	EventInitialized   EventType = "skillInitialized"
	EventUnregistered  EventType = "skillUnregistered"
	EventError         EventType = "skillError"
	EventBeforeExecute EventType = "beforeExecute"
	EventAfterExecute  EventType = "afterExecute"
	EventShutdown      EventType = "shutdown"
)

// Event is the typed payload subscribers receive.
type Event struct {
	Type   EventType
	Skill  string
	Err    error
	Result *Result // set for afterExecute
}

// eventBus fans lifecycle events out to subscribers synchronously.
// Handlers must be fast; anything slow belongs on the subscriber's own
// goroutine.
type eventBus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func (b *eventBus) subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
