package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"relwatch/internal/config"
	"relwatch/internal/eventbus"
	"relwatch/internal/notify"
	"relwatch/internal/state"
	"relwatch/internal/watch"
	logx "relwatch/pkg/logx"
)

// CheckItem is one pending check for one entity.
//
// Attempt counts check sessions within one trigger firing and is bounded by
// check.count. RetryCount counts transient failures within the current
// attempt, is bounded by download.max_retries, and resets to zero whenever a
// new attempt starts.
type CheckItem struct {
	Entity   config.Entity
	Settings config.Settings

	Attempt    int
	RetryCount int

	// ScheduledAt defers processing; zero means run immediately.
	ScheduledAt time.Time
}

// CheckEvent is the observational payload for check.empty, check.exhausted
// and check.failed bus events.
type CheckEvent struct {
	EntityKey  string
	Domain     string
	Attempt    int
	RetryCount int
	Error      string
}

// CheckQueue owns the retry/backoff/requeue policy for one domain. Checks
// within the domain are strictly serialized; separate domains run their own
// queues concurrently.
//
// New items found by a check are published as a check.found event carrying a
// watch.FoundEvent; acquisition happens elsewhere.
type CheckQueue struct {
	domain  string
	handler watch.Handler
	store   state.Store
	bus     eventbus.Bus
	sink    notify.Sink
	log     logx.Logger

	// rng is only touched from the drain goroutine.
	rng *rand.Rand

	seq *Sequential[CheckItem]
}

func NewCheck(domain string, handler watch.Handler, store state.Store, bus eventbus.Bus, sink notify.Sink, log logx.Logger) *CheckQueue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = notify.Nop()
	}
	q := &CheckQueue{
		domain:  domain,
		handler: handler,
		store:   store,
		bus:     bus,
		sink:    sink,
		log:     log.With(logx.String("domain", domain)),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	q.seq = NewSequential("check."+domain, q.process, q.log)
	return q
}

func (q *CheckQueue) Domain() string { return q.domain }

func (q *CheckQueue) Start(ctx context.Context)          { q.seq.Start(ctx) }
func (q *CheckQueue) Stop()                              { q.seq.Stop() }
func (q *CheckQueue) Add(item CheckItem)                 { q.seq.Add(item) }
func (q *CheckQueue) Len() int                           { return q.seq.Len() }
func (q *CheckQueue) Idle() bool                         { return q.seq.Idle() }
func (q *CheckQueue) WaitIdle(ctx context.Context) error { return q.seq.WaitIdle(ctx) }

// EnqueueCheck starts a fresh attempt chain for one entity.
func (q *CheckQueue) EnqueueCheck(e config.Entity, s config.Settings) {
	q.Add(CheckItem{Entity: e, Settings: s, Attempt: 1})
}

func (q *CheckQueue) process(ctx context.Context, it CheckItem) {
	// 6. Whatever branch this item takes, hold the queue for the check
	// interval before the next item when more are waiting, so entities
	// sharing a domain are not checked back-to-back.
	defer q.throttle(ctx, it.Settings.Check.Interval)

	// 1. Honor the item's scheduled time.
	if !it.ScheduledAt.IsZero() {
		if d := time.Until(it.ScheduledAt); d > 0 {
			if !sleep(ctx, d) {
				return
			}
		}
	}

	key := it.Entity.Key()
	q.log.Debug("checking",
		logx.String("entity", key), logx.Int("attempt", it.Attempt), logx.Int("retry", it.RetryCount))

	// 2. Extract.
	res, err := q.handler.Extract(ctx, it.Entity.URL, it.Entity.Credentials)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		q.handleError(ctx, it, err)
		return
	}

	// 3. Keep only wanted types that were not processed before.
	fresh := q.filter(ctx, key, it.Settings, res.Items)

	// 4. Found: hand off and end the attempt chain until the next trigger.
	if len(fresh) > 0 {
		q.sink.Notify(notify.LevelSuccess,
			fmt.Sprintf("%s: found %d new item(s)", key, len(fresh)))
		q.publish(eventbus.TypeCheckFound, watch.FoundEvent{
			EntityKey:  key,
			EntityName: it.Entity.Name,
			Items:      fresh,
		})
		return
	}

	// Not found: requeue with the interval until attempts run out.
	if it.Attempt < it.Settings.Check.Count {
		delay := it.Settings.Check.Interval
		if res.RequeueDelay > 0 {
			delay = res.RequeueDelay
		}
		q.publish(eventbus.TypeCheckEmpty, CheckEvent{EntityKey: key, Domain: q.domain, Attempt: it.Attempt})
		due := time.Now().Add(delay)
		if !sleep(ctx, delay) {
			return
		}
		q.Add(CheckItem{
			Entity:      it.Entity,
			Settings:    it.Settings,
			Attempt:     it.Attempt + 1,
			ScheduledAt: due,
		})
		return
	}

	q.log.Info("no new items, attempts exhausted",
		logx.String("entity", key), logx.Int("attempts", it.Attempt))
	q.sink.Notify(notify.LevelInfo,
		fmt.Sprintf("%s: no new items after %d check(s)", key, it.Attempt))
	q.publish(eventbus.TypeCheckExhausted, CheckEvent{EntityKey: key, Domain: q.domain, Attempt: it.Attempt})
}

// 5. Error branch: back off and retry the same attempt, bounded by
// max_retries. An exhausted attempt ends the chain until the next trigger.
func (q *CheckQueue) handleError(ctx context.Context, it CheckItem, err error) {
	key := it.Entity.Key()

	if it.RetryCount < it.Settings.Download.MaxRetries {
		delay := backoffDelay(it.Settings.Download, it.RetryCount, q.rng)
		q.log.Warn("check failed, retrying",
			logx.String("entity", key), logx.Err(err),
			logx.Int("retry", it.RetryCount+1), logx.Duration("backoff", delay))
		q.sink.Notify(notify.LevelWarning,
			fmt.Sprintf("%s: check failed (%v), retry %d/%d in %s",
				key, err, it.RetryCount+1, it.Settings.Download.MaxRetries, delay.Round(time.Millisecond)))
		q.publish(eventbus.TypeCheckFailed, CheckEvent{
			EntityKey: key, Domain: q.domain,
			Attempt: it.Attempt, RetryCount: it.RetryCount, Error: err.Error(),
		})
		due := time.Now().Add(delay)
		if !sleep(ctx, delay) {
			return
		}
		q.Add(CheckItem{
			Entity:      it.Entity,
			Settings:    it.Settings,
			Attempt:     it.Attempt,
			RetryCount:  it.RetryCount + 1,
			ScheduledAt: due,
		})
		return
	}

	q.log.Error("check failed, retries exhausted",
		logx.String("entity", key), logx.Err(err), logx.Int("retries", it.RetryCount))
	q.sink.Notify(notify.LevelError,
		fmt.Sprintf("%s: check failed after %d retries: %v", key, it.RetryCount, err))
	q.publish(eventbus.TypeCheckFailed, CheckEvent{
		EntityKey: key, Domain: q.domain,
		Attempt: it.Attempt, RetryCount: it.RetryCount, Error: err.Error(),
	})
}

func (q *CheckQueue) filter(ctx context.Context, key string, s config.Settings, items []watch.Item) []watch.Item {
	var out []watch.Item
	for _, item := range items {
		if !s.Check.WantsType(item.Type) {
			continue
		}
		done, err := q.store.IsProcessed(ctx, key, item.ID)
		if err != nil {
			// Store reads degrade internally; an error here means shutdown.
			return out
		}
		if done {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (q *CheckQueue) publish(typ string, data any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (q *CheckQueue) throttle(ctx context.Context, interval time.Duration) {
	if interval <= 0 || q.Len() == 0 {
		return
	}
	sleep(ctx, interval)
}

// backoffDelay computes initial_timeout * multiplier^retryCount with
// symmetric +-jitter% applied in floating point, floored to a whole
// millisecond count that is never negative.
func backoffDelay(d config.DownloadSettings, retryCount int, rng *rand.Rand) time.Duration {
	base := float64(d.InitialTimeout.Milliseconds()) * math.Pow(d.BackoffMultiplier, float64(retryCount))
	jitter := (rng.Float64()*2 - 1) * base * float64(d.JitterPercentage) / 100
	ms := int64(math.Floor(base + jitter))
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// sleep waits for d, returning false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
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
