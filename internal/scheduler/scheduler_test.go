package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"relwatch/internal/config"
	"relwatch/internal/eventbus"
	"relwatch/internal/notify"
	"relwatch/internal/queue"
	"relwatch/internal/state"
	"relwatch/internal/watch"
	logx "relwatch/pkg/logx"
)

type countingHandler struct {
	mu    sync.Mutex
	calls map[string]int
}

func (h *countingHandler) Extract(ctx context.Context, url, credentials string) (watch.Result, error) {
	h.mu.Lock()
	if h.calls == nil {
		h.calls = map[string]int{}
	}
	h.calls[url]++
	h.mu.Unlock()
	return watch.Result{}, nil
}

func (h *countingHandler) count(url string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[url]
}

func testStore(t *testing.T) state.Store {
	t.Helper()
	st, err := state.Open(config.StateConfig{Path: t.TempDir() + "/state.json"}, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func onceSettings() *config.SettingsOverride {
	one := 1
	zero := 0
	return &config.SettingsOverride{
		Check:    &config.CheckOverride{Count: &one, IntervalSeconds: &zero},
		Download: &config.DownloadOverride{MaxRetries: &zero, InitialTimeoutSeconds: &zero},
	}
}

func buildTestScheduler(t *testing.T, cfg config.SchedulerConfig, entities []config.Entity, h watch.Handler, bus eventbus.Bus) *Scheduler {
	t.Helper()
	st := testStore(t)
	queues := map[string]*queue.CheckQueue{}
	for _, e := range entities {
		if _, ok := queues[e.Domain()]; !ok {
			queues[e.Domain()] = queue.NewCheck(e.Domain(), h, st, bus, nil, logx.Nop())
		}
	}
	registry := config.NewRegistry(&config.Config{Settings: onceSettings()}, logx.Nop())
	return New(cfg, entities, registry, queues, bus, nil, logx.Nop())
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("06:30")
	if err != nil || h != 6 || m != 30 {
		t.Fatalf("parseHHMM = %d:%d, %v", h, m, err)
	}
	for _, bad := range []string{"6", "24:00", "12:60", "ab:cd", ""} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("parseHHMM(%q) should fail", bad)
		}
	}
}

func TestBuildBatchesGroupsByTrigger(t *testing.T) {
	t.Parallel()
	entities := []config.Entity{
		{Name: "a", URL: "https://one.com/a", Trigger: "06:30"},
		{Name: "b", URL: "https://two.com/b", Trigger: "06:30"},
		{Name: "c", URL: "https://one.com/c", Trigger: "12:00"},
		{Name: "d", URL: "https://one.com/d", Trigger: "*/5 * * * *"},
		{Name: "e", URL: "https://one.com/e", Trigger: "not a trigger"},
	}
	batches := buildBatches(entities, time.UTC, notify.Nop(), logx.Nop())

	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3 (bad trigger skipped)", len(batches))
	}
	if len(batches[0].entities) != 2 {
		t.Fatalf("shared 06:30 batch has %d entities, want 2", len(batches[0].entities))
	}
	if !batches[0].daily || batches[0].hour != 6 || batches[0].minute != 30 {
		t.Fatalf("batch 0 = %+v", batches[0])
	}
	if batches[2].daily {
		t.Fatal("cron batch parsed as daily")
	}
}

func TestDailyNextAfterRollsToTomorrow(t *testing.T) {
	t.Parallel()
	b := &batch{trigger: "06:30", daily: true, hour: 6, minute: 30}

	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	next := b.nextAfter(now)
	if !next.Equal(time.Date(2026, 3, 10, 6, 30, 0, 0, time.UTC)) {
		t.Fatalf("next = %v", next)
	}

	now = time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	next = b.nextAfter(now)
	if !next.Equal(time.Date(2026, 3, 11, 6, 30, 0, 0, time.UTC)) {
		t.Fatalf("next should roll to tomorrow, got %v", next)
	}

	// Exactly at the trigger time the firing already happened.
	now = time.Date(2026, 3, 10, 6, 30, 0, 0, time.UTC)
	next = b.nextAfter(now)
	if !next.After(now) {
		t.Fatalf("next = %v, must be strictly after now", next)
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()
	entities := []config.Entity{{Name: "a", URL: "https://one.com/a", Trigger: "23:59"}}
	s := buildTestScheduler(t, config.SchedulerConfig{}, entities, &countingHandler{}, eventbus.New())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if !s.IsRunning() {
		t.Fatal("IsRunning should be true")
	}
	s.Stop()
	if s.IsRunning() {
		t.Fatal("IsRunning should be false after Stop")
	}

	// A stopped scheduler can start again.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	t.Parallel()
	entities := []config.Entity{{Name: "a", URL: "https://one.com/a", Trigger: "23:59"}}
	s := buildTestScheduler(t, config.SchedulerConfig{}, entities, &countingHandler{}, eventbus.New())
	s.Stop()
}

func TestRunOnceChecksEveryEntityAndDrains(t *testing.T) {
	t.Parallel()
	entities := []config.Entity{
		{Name: "a", URL: "https://one.com/a", Trigger: "06:30"},
		{Name: "b", URL: "https://two.com/b", Trigger: "12:00"},
		{Name: "c", URL: "https://two.com/c", Trigger: "*/5 * * * *"},
	}
	h := &countingHandler{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	s := buildTestScheduler(t, config.SchedulerConfig{}, entities, h, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	for _, e := range entities {
		if got := h.count(e.URL); got != 1 {
			t.Fatalf("%s checked %d times, want 1", e.URL, got)
		}
	}
	if s.IsRunning() {
		t.Fatal("RunOnce must not leave the scheduler running")
	}

	fired := 0
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.TypeSchedulerFired {
				fired++
			}
		default:
			if fired != 3 {
				t.Fatalf("scheduler.fired events = %d, want 3", fired)
			}
			return
		}
	}
}

func TestRunOnceWhileRunningFails(t *testing.T) {
	t.Parallel()
	entities := []config.Entity{{Name: "a", URL: "https://one.com/a", Trigger: "23:59"}}
	s := buildTestScheduler(t, config.SchedulerConfig{}, entities, &countingHandler{}, eventbus.New())

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.RunOnce(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("RunOnce while running = %v, want ErrAlreadyRunning", err)
	}
}
