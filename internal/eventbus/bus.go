package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one in-process signal: a check finding items, a download
// finishing, the scheduler going idle. Type selects the payload carried in
// Data (constants in events.go); Time is stamped at publish when zero.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus decouples the check queues from the dispatcher and other observers.
//
// Publish never blocks: a subscriber whose buffer is full loses the event,
// and Dropped counts how many were lost that way across the bus lifetime.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// Publish offers e to every live subscriber without waiting. Sends happen
// under the read lock while unsubscribe closes its channel under the write
// lock, so a send can never hit a closed channel.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel and returns it with an idempotent
// unsubscribe that also closes the channel.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
