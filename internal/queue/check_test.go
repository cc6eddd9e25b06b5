package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"relwatch/internal/config"
	"relwatch/internal/eventbus"
	"relwatch/internal/watch"
	logx "relwatch/pkg/logx"
)

type fakeHandler struct {
	mu      sync.Mutex
	calls   int
	results []func() (watch.Result, error)
}

func (h *fakeHandler) Extract(ctx context.Context, url, credentials string) (watch.Result, error) {
	h.mu.Lock()
	i := h.calls
	h.calls++
	h.mu.Unlock()
	if i < len(h.results) {
		return h.results[i]()
	}
	return watch.Result{}, nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type memStore struct {
	mu   sync.Mutex
	done map[string]bool
}

func newMemStore() *memStore { return &memStore{done: map[string]bool{}} }

func (s *memStore) key(entityKey string, id int) string {
	return fmt.Sprintf("%s/%02d", entityKey, id)
}

func (s *memStore) IsProcessed(ctx context.Context, entityKey string, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[s.key(entityKey, id)], nil
}

func (s *memStore) MarkProcessed(ctx context.Context, entityKey string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[s.key(entityKey, id)] = true
	return nil
}

func (s *memStore) Close() error { return nil }

// fastSettings keeps every delay at zero so tests run on real time without
// waiting.
func fastSettings(count, maxRetries int, types ...watch.DownloadType) config.Settings {
	if len(types) == 0 {
		types = []watch.DownloadType{watch.TypeAvailable}
	}
	return config.Settings{
		Check: config.CheckSettings{
			Count:         count,
			Interval:      0,
			DownloadTypes: types,
		},
		Download: config.DownloadSettings{
			MaxRetries:        maxRetries,
			InitialTimeout:    0,
			BackoffMultiplier: 2.0,
			JitterPercentage:  20,
		},
	}
}

func collect(ch <-chan eventbus.Event) map[string][]eventbus.Event {
	out := map[string][]eventbus.Event{}
	for {
		select {
		case ev := <-ch:
			out[ev.Type] = append(out[ev.Type], ev)
		default:
			return out
		}
	}
}

func drainQueue(t *testing.T, q *CheckQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func TestEmptyChecksStopAfterCount(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	q := NewCheck("example.com", h, newMemStore(), bus, nil, logx.Nop())
	q.Start(context.Background())
	defer q.Stop()

	e := config.Entity{Name: "show-a", URL: "https://example.com/a", Trigger: "06:00"}
	q.EnqueueCheck(e, fastSettings(3, 2))
	drainQueue(t, q)

	if got := h.callCount(); got != 3 {
		t.Fatalf("handler called %d times, want exactly 3", got)
	}

	// Give it a moment to prove no 4th check sneaks in.
	time.Sleep(20 * time.Millisecond)
	if got := h.callCount(); got != 3 {
		t.Fatalf("handler called %d times after drain, want 3", got)
	}

	evs := collect(ch)
	if len(evs[eventbus.TypeCheckEmpty]) != 2 {
		t.Fatalf("check.empty events = %d, want 2", len(evs[eventbus.TypeCheckEmpty]))
	}
	if len(evs[eventbus.TypeCheckExhausted]) != 1 {
		t.Fatalf("check.exhausted events = %d, want 1", len(evs[eventbus.TypeCheckExhausted]))
	}
	if len(evs[eventbus.TypeCheckFound]) != 0 {
		t.Fatalf("unexpected check.found events")
	}
}

func TestTransientFailureThenFound(t *testing.T) {
	t.Parallel()

	items := []watch.Item{
		{ID: 1, URL: "https://example.com/1", Type: watch.TypeAvailable},
		{ID: 2, URL: "https://example.com/2", Type: watch.TypeAvailable},
	}
	h := &fakeHandler{results: []func() (watch.Result, error){
		func() (watch.Result, error) { return watch.Result{}, errors.New("connection reset") },
		func() (watch.Result, error) { return watch.Result{Items: items}, nil },
	}}
	store := newMemStore()
	// Item 1 was already handled in an earlier run.
	_ = store.MarkProcessed(context.Background(), "show-a", 1)

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	q := NewCheck("example.com", h, store, bus, nil, logx.Nop())
	q.Start(context.Background())
	defer q.Stop()

	e := config.Entity{Name: "show-a", URL: "https://example.com/a", Trigger: "06:00"}
	q.EnqueueCheck(e, fastSettings(3, 2))
	drainQueue(t, q)

	if got := h.callCount(); got != 2 {
		t.Fatalf("handler called %d times, want 2 (one retry)", got)
	}

	evs := collect(ch)
	found := evs[eventbus.TypeCheckFound]
	if len(found) != 1 {
		t.Fatalf("check.found events = %d, want 1", len(found))
	}
	fe, ok := found[0].Data.(watch.FoundEvent)
	if !ok {
		t.Fatalf("found payload = %T", found[0].Data)
	}
	if fe.EntityKey != "show-a" {
		t.Fatalf("EntityKey = %q", fe.EntityKey)
	}
	if len(fe.Items) != 1 || fe.Items[0].ID != 2 {
		t.Fatalf("Items = %v, want only the unprocessed item 2", fe.Items)
	}
	if len(evs[eventbus.TypeCheckFailed]) != 1 {
		t.Fatalf("check.failed events = %d, want 1", len(evs[eventbus.TypeCheckFailed]))
	}
	// Found ends the chain: no requeue events.
	if len(evs[eventbus.TypeCheckEmpty]) != 0 {
		t.Fatal("found attempt must not requeue")
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{results: []func() (watch.Result, error){}}
	fail := func() (watch.Result, error) { return watch.Result{}, errors.New("boom") }
	h.results = []func() (watch.Result, error){fail, fail, fail, fail, fail}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	q := NewCheck("example.com", h, newMemStore(), bus, nil, logx.Nop())
	q.Start(context.Background())
	defer q.Stop()

	e := config.Entity{Name: "show-a", URL: "https://example.com/a", Trigger: "06:00"}
	q.EnqueueCheck(e, fastSettings(3, 2))
	drainQueue(t, q)

	// retryCount runs 0,1,2: two retries after the initial failure.
	if got := h.callCount(); got != 3 {
		t.Fatalf("handler called %d times, want 3", got)
	}
	evs := collect(ch)
	if len(evs[eventbus.TypeCheckFailed]) != 3 {
		t.Fatalf("check.failed events = %d, want 3", len(evs[eventbus.TypeCheckFailed]))
	}
}

func TestTypeFiltering(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{results: []func() (watch.Result, error){
		func() (watch.Result, error) {
			return watch.Result{Items: []watch.Item{
				{ID: 1, Type: watch.TypeAvailable},
				{ID: 2, Type: watch.TypePreview},
				{ID: 3, Type: watch.TypePaid},
			}}, nil
		},
	}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	q := NewCheck("example.com", h, newMemStore(), bus, nil, logx.Nop())
	q.Start(context.Background())
	defer q.Stop()

	e := config.Entity{Name: "show-a", URL: "https://example.com/a", Trigger: "06:00"}
	q.EnqueueCheck(e, fastSettings(1, 0, watch.TypePaid))
	drainQueue(t, q)

	evs := collect(ch)
	found := evs[eventbus.TypeCheckFound]
	if len(found) != 1 {
		t.Fatalf("check.found events = %d, want 1", len(found))
	}
	fe := found[0].Data.(watch.FoundEvent)
	if len(fe.Items) != 1 || fe.Items[0].ID != 3 {
		t.Fatalf("Items = %v, want only the paid item", fe.Items)
	}
}

func TestScheduledTimeIsHonored(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	q := NewCheck("example.com", h, newMemStore(), eventbus.New(), nil, logx.Nop())
	q.Start(context.Background())
	defer q.Stop()

	start := time.Now()
	due := start.Add(50 * time.Millisecond)
	q.Add(CheckItem{
		Entity:      config.Entity{Name: "show-a", URL: "https://example.com/a"},
		Settings:    fastSettings(1, 0),
		Attempt:     1,
		ScheduledAt: due,
	})
	drainQueue(t, q)

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("check ran after %v, before its scheduled time", elapsed)
	}
	if got := h.callCount(); got != 1 {
		t.Fatalf("handler called %d times", got)
	}
}

type timingHandler struct {
	mu    sync.Mutex
	times []time.Time
}

func (h *timingHandler) Extract(ctx context.Context, url, credentials string) (watch.Result, error) {
	h.mu.Lock()
	h.times = append(h.times, time.Now())
	h.mu.Unlock()
	return watch.Result{}, nil
}

func TestChecksWithinDomainAreSpacedByInterval(t *testing.T) {
	t.Parallel()

	h := &timingHandler{}
	q := NewCheck("example.com", h, newMemStore(), eventbus.New(), nil, logx.Nop())

	const interval = 150 * time.Millisecond
	settings := fastSettings(1, 0)
	settings.Check.Interval = interval

	// Enqueue both before starting so the first item always sees the
	// second one waiting behind it.
	q.EnqueueCheck(config.Entity{Name: "show-a", URL: "https://example.com/a", Trigger: "06:00"}, settings)
	q.EnqueueCheck(config.Entity{Name: "show-b", URL: "https://example.com/b", Trigger: "06:00"}, settings)
	q.Start(context.Background())
	defer q.Stop()
	drainQueue(t, q)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.times) != 2 {
		t.Fatalf("checks = %d, want 2", len(h.times))
	}
	if gap := h.times[1].Sub(h.times[0]); gap < interval {
		t.Fatalf("second check ran %v after the first, want at least %v", gap, interval)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	d := config.DownloadSettings{
		MaxRetries:        5,
		InitialTimeout:    5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercentage:  0,
	}
	rng := rand.New(rand.NewSource(1))

	// No jitter: exact doubling.
	prev := time.Duration(-1)
	for rc := 0; rc < 4; rc++ {
		got := backoffDelay(d, rc, rng)
		want := time.Duration(5000<<rc) * time.Millisecond
		if got != want {
			t.Fatalf("retry %d: delay = %v, want %v", rc, got, want)
		}
		if got < prev {
			t.Fatalf("delay decreased: %v after %v", got, prev)
		}
		prev = got
	}

	// Full jitter never goes negative.
	d.JitterPercentage = 100
	for rc := 0; rc < 6; rc++ {
		for i := 0; i < 100; i++ {
			if got := backoffDelay(d, rc, rng); got < 0 {
				t.Fatalf("negative delay %v at retry %d", got, rc)
			}
		}
	}

	// Zero base stays zero regardless of jitter.
	d.InitialTimeout = 0
	if got := backoffDelay(d, 3, rng); got != 0 {
		t.Fatalf("zero base: delay = %v", got)
	}
}
