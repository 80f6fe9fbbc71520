package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published by the delivery engine.
const (
	EventScheduleCreated   = "schedule.created"
	EventScheduleCancelled = "schedule.cancelled"
	EventMessageSent       = "message.sent"
	EventMessageFailed     = "message.failed"
	EventSessionReconciled = "session.reconciled"
)

// Event is a small in-process notification. Data should be cheap to copy
// and JSON-serializable so observers can log it as-is.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event, so buffers are sized for the
// subscriber's draining pace, not for correctness.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines; Publish does all
// the work on the caller's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]chan Event
}

// Publish stamps e and offers it to every subscriber without blocking.
// Sends happen under the read lock; unsubscribe closes its channel under
// the write lock, so a send never races the close.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			// Subscriber not keeping up; drop.
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.seq++
	id := f.seq
	f.subs[id] = ch
	f.mu.Unlock()

	unsubscribe := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}
