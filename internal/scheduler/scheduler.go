package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relwatch/internal/config"
	"relwatch/internal/eventbus"
	"relwatch/internal/notify"
	"relwatch/internal/queue"
	logx "relwatch/pkg/logx"
)

var ErrAlreadyRunning = errors.New("scheduler already running")

// batch is a set of entities sharing one trigger. Entities with the same
// trigger string fire together; each distinct cron spec or HH:MM time is its
// own batch.
type batch struct {
	trigger  string
	daily    bool
	hour     int
	minute   int
	sched    cron.Schedule
	entities []config.Entity
}

// nextAfter yields the first firing time strictly after now.
func (b *batch) nextAfter(now time.Time) time.Time {
	if !b.daily {
		return b.sched.Next(now)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), b.hour, b.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Scheduler owns the trigger loop: it groups entities into trigger batches,
// sleeps until the nearest firing, and pushes fresh check items into each
// entity's domain queue. It also owns the queues' lifecycle.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry *config.Registry
	queues   map[string]*queue.CheckQueue
	bus      eventbus.Bus
	sink     notify.Sink
	log      logx.Logger

	loc     *time.Location
	batches []batch

	idleCb func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a scheduler over the given entities and per-domain queues.
// Entities with a trigger that is neither HH:MM nor a valid cron spec are
// skipped with a warning.
func New(cfg config.SchedulerConfig, entities []config.Entity, registry *config.Registry, queues map[string]*queue.CheckQueue, bus eventbus.Bus, sink notify.Sink, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = notify.Nop()
	}
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		queues:   queues,
		bus:      bus,
		sink:     sink,
		log:      log,
		loc:      loadLocation(cfg.Timezone, log),
	}
	s.batches = buildBatches(entities, s.loc, sink, log)
	return s
}

// SetIdleCallback registers a hook invoked after a batch's queues drain
// (only when wait_for_drain is on). Must be called before Start.
func (s *Scheduler) SetIdleCallback(fn func()) { s.idleCb = fn }

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the trigger loop and the domain queues. A second Start
// while running fails fast with ErrAlreadyRunning.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	for _, q := range s.queues {
		q.Start(rctx)
	}

	go func() {
		defer close(done)
		s.loop(rctx)
	}()

	s.log.Info("scheduler started",
		logx.Int("batches", len(s.batches)), logx.Int("domains", len(s.queues)),
		logx.String("tz", s.loc.String()))
	return nil
}

// Stop ends the trigger loop and stops every domain queue, waiting for the
// in-flight check (if any) to observe cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	for _, q := range s.queues {
		q.Stop()
	}
	s.log.Info("scheduler stopped")
}

// RunOnce fires every entity's first check immediately and returns once all
// queues have drained. It neither starts the wait loop nor may overlap a
// running scheduler.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, q := range s.queues {
		q.Start(rctx)
	}

	for i := range s.batches {
		s.fire(&s.batches[i])
	}
	err := s.waitDrain(ctx)

	cancel()
	for _, q := range s.queues {
		q.Stop()
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	if len(s.batches) == 0 {
		s.log.Warn("no schedulable entities")
		<-ctx.Done()
		return
	}
	for {
		now := time.Now().In(s.loc)

		var nearest time.Time
		for i := range s.batches {
			n := s.batches[i].nextAfter(now)
			if nearest.IsZero() || n.Before(nearest) {
				nearest = n
			}
		}
		s.log.Debug("next firing", logx.Time("at", nearest))
		if !sleepUntil(ctx, nearest) {
			return
		}

		fired := time.Now().In(s.loc)
		for i := range s.batches {
			b := &s.batches[i]
			// Everything due by now fires; nextAfter was computed from the
			// pre-sleep instant, so the nearest batch always qualifies.
			if !b.nextAfter(now).After(fired) {
				s.fire(b)
			}
		}

		if s.cfg.WaitForDrain {
			if err := s.waitDrain(ctx); err != nil {
				return
			}
			if s.idleCb != nil {
				s.idleCb()
			}
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerIdle})
			}
		}
	}
}

func (s *Scheduler) fire(b *batch) {
	s.log.Info("trigger fired",
		logx.String("trigger", b.trigger), logx.Int("entities", len(b.entities)))
	for _, e := range b.entities {
		q := s.queues[e.Domain()]
		if q == nil {
			s.log.Warn("no queue for domain", logx.String("domain", e.Domain()), logx.String("entity", e.Key()))
			continue
		}
		q.EnqueueCheck(e, s.registry.ResolveFor(e))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerFired, Data: b.trigger})
	}
}

func (s *Scheduler) waitDrain(ctx context.Context) error {
	for _, q := range s.queues {
		if err := q.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

func buildBatches(entities []config.Entity, loc *time.Location, sink notify.Sink, log logx.Logger) []batch {
	byTrigger := map[string]*batch{}
	var order []string

	for _, e := range entities {
		trigger := strings.TrimSpace(e.Trigger)
		b, ok := byTrigger[trigger]
		if !ok {
			nb, err := parseTrigger(trigger, loc)
			if err != nil {
				log.Warn("entity skipped: bad trigger",
					logx.String("entity", e.Key()), logx.String("trigger", trigger), logx.Err(err))
				sink.Notify(notify.LevelWarning,
					fmt.Sprintf("%s: skipped, bad trigger %q: %v", e.Key(), trigger, err))
				continue
			}
			b = nb
			byTrigger[trigger] = b
			order = append(order, trigger)
		}
		b.entities = append(b.entities, e)
	}

	out := make([]batch, 0, len(order))
	for _, t := range order {
		out = append(out, *byTrigger[t])
	}
	return out
}

func parseTrigger(trigger string, loc *time.Location) (*batch, error) {
	if h, m, err := parseHHMM(trigger); err == nil {
		return &batch{trigger: trigger, daily: true, hour: h, minute: m}, nil
	}
	spec := fmt.Sprintf("CRON_TZ=%s %s", loc.String(), trigger)
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	return &batch{trigger: trigger, sched: sched}, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func sleepUntil(ctx context.Context, at time.Time) bool {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
