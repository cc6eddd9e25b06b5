package queue

import (
	"context"
	"sync"

	logx "relwatch/pkg/logx"
)

// Sequential is an unbounded FIFO processed by exactly one in-flight call to
// the injected processor. Add never blocks and may be called while the queue
// is draining; new items are picked up without an external re-trigger.
//
// Processing order within one queue is strict append order. Use one queue per
// serialization domain; separate queues run independently.
type Sequential[T any] struct {
	name    string
	process func(context.Context, T)
	log     logx.Logger

	mu          sync.Mutex
	items       []T
	inFlight    bool
	started     bool
	idleWaiters []chan struct{}

	wake   chan struct{}
	cancel context.CancelFunc
	// done is non-nil while the drain loop runs; closed when it exits.
	done chan struct{}
}

func NewSequential[T any](name string, process func(context.Context, T), log logx.Logger) *Sequential[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sequential[T]{
		name:    name,
		process: process,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the drain loop. Idempotent.
func (s *Sequential[T]) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.run(rctx, done)
}

// Stop cancels the drain loop and waits for the in-flight item (if any) to
// observe cancellation and return. Queued items are discarded; the queue may
// be started again afterwards.
func (s *Sequential[T]) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.started = false
	s.cancel = nil
	s.done = nil
	s.items = nil
	s.inFlight = false
	s.notifyIdleLocked()
	s.mu.Unlock()
}

// Add appends an item. O(1), never blocks.
func (s *Sequential[T]) Add(item T) {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of queued (not yet in-flight) items.
func (s *Sequential[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Idle reports whether the queue is empty and nothing is being processed.
func (s *Sequential[T]) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0 && !s.inFlight
}

// WaitIdle blocks until the queue goes idle, the queue stops, or ctx expires.
func (s *Sequential[T]) WaitIdle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if len(s.items) == 0 && !s.inFlight {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	done := s.done
	s.mu.Unlock()

	// done is nil when the queue is not running; a nil channel never fires,
	// so the wait ends when the queue starts and drains, or ctx expires.
	select {
	case <-ch:
		return nil
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequential[T]) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		if len(s.items) == 0 {
			s.notifyIdleLocked()
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		item := s.items[0]
		s.items = s.items[1:]
		s.inFlight = true
		s.mu.Unlock()

		if ctx.Err() != nil {
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
			return
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("queue processor panicked",
						logx.String("queue", s.name), logx.Any("panic", r))
				}
			}()
			s.process(ctx, item)
		}()

		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}
}

func (s *Sequential[T]) notifyIdleLocked() {
	for _, ch := range s.idleWaiters {
		close(ch)
	}
	s.idleWaiters = nil
}
