package dispatch

import (
	"context"
	"fmt"
	"sync"

	"relwatch/internal/eventbus"
	"relwatch/internal/notify"
	"relwatch/internal/state"
	"relwatch/internal/watch"
	logx "relwatch/pkg/logx"
)

// Dispatcher bridges check results to acquisition. It subscribes to
// check.found events and, for every item, invokes the downloader and marks
// the item processed once the transfer succeeds. Failed items stay
// unprocessed so the next trigger firing picks them up again.
type Dispatcher struct {
	downloader watch.Downloader
	store      state.Store
	bus        eventbus.Bus
	sink       notify.Sink
	log        logx.Logger

	mu     sync.Mutex
	unsub  func()
	cancel context.CancelFunc
	done   chan struct{}
}

func New(downloader watch.Downloader, store state.Store, bus eventbus.Bus, sink notify.Sink, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = notify.Nop()
	}
	return &Dispatcher{
		downloader: downloader,
		store:      store,
		bus:        bus,
		sink:       sink,
		log:        log,
	}
}

// Start subscribes to the bus and launches the consume loop. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return
	}
	ch, unsub := d.bus.Subscribe(64)
	rctx, cancel := context.WithCancel(ctx)
	d.unsub = unsub
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done

	go func() {
		defer close(done)
		for {
			select {
			case <-rctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeCheckFound {
					continue
				}
				found, ok := ev.Data.(watch.FoundEvent)
				if !ok {
					continue
				}
				d.handle(rctx, found)
			}
		}
	}()
}

// Stop unsubscribes and waits for the in-flight download (if any) to observe
// cancellation.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	unsub := d.unsub
	cancel := d.cancel
	done := d.done
	d.unsub = nil
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	unsub()
	<-done
}

func (d *Dispatcher) handle(ctx context.Context, ev watch.FoundEvent) {
	for _, item := range ev.Items {
		if ctx.Err() != nil {
			return
		}
		if err := d.downloader.Download(ctx, ev.EntityKey, item); err != nil {
			d.log.Error("download failed",
				logx.String("entity", ev.EntityKey), logx.Int("id", item.ID), logx.Err(err))
			d.sink.Notify(notify.LevelError,
				fmt.Sprintf("%s: download of item %02d failed: %v", ev.EntityKey, item.ID, err))
			d.publish(eventbus.TypeDownloadFailed, ev.EntityKey, item, err)
			continue
		}
		// Marking only after a successful transfer means a failed one is
		// retried at the next trigger firing.
		if err := d.store.MarkProcessed(ctx, ev.EntityKey, item.ID); err != nil {
			d.log.Error("mark processed failed",
				logx.String("entity", ev.EntityKey), logx.Int("id", item.ID), logx.Err(err))
			d.sink.Notify(notify.LevelError,
				fmt.Sprintf("%s: could not record item %02d as processed: %v", ev.EntityKey, item.ID, err))
			continue
		}
		d.sink.Notify(notify.LevelHighlight,
			fmt.Sprintf("%s: item %02d acquired", ev.EntityKey, item.ID))
		d.publish(eventbus.TypeDownloadDone, ev.EntityKey, item, nil)
	}
}

// DownloadEvent is the payload for download.done / download.failed events.
type DownloadEvent struct {
	EntityKey string
	Item      watch.Item
	Error     string
}

func (d *Dispatcher) publish(typ, entityKey string, item watch.Item, err error) {
	ev := DownloadEvent{EntityKey: entityKey, Item: item}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
