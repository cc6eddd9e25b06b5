package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relwatch/internal/eventbus"
	"relwatch/internal/notify"
	"relwatch/internal/watch"
	logx "relwatch/pkg/logx"
)

type fakeDownloader struct {
	mu    sync.Mutex
	calls []int
	fail  map[int]error
}

func (d *fakeDownloader) Download(ctx context.Context, entityKey string, item watch.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, item.ID)
	if err := d.fail[item.ID]; err != nil {
		return err
	}
	return nil
}

func (d *fakeDownloader) callIDs() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.calls...)
}

type memStore struct {
	mu     sync.Mutex
	marked map[string]bool
}

func newMemStore() *memStore { return &memStore{marked: map[string]bool{}} }

func (s *memStore) IsProcessed(ctx context.Context, entityKey string, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked[fmt.Sprintf("%s/%02d", entityKey, id)], nil
}

func (s *memStore) MarkProcessed(ctx context.Context, entityKey string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[fmt.Sprintf("%s/%02d", entityKey, id)] = true
	return nil
}

func (s *memStore) Close() error { return nil }

type levelSink struct {
	mu     sync.Mutex
	levels []notify.Level
}

func (s *levelSink) Notify(level notify.Level, msg string) {
	s.mu.Lock()
	s.levels = append(s.levels, level)
	s.mu.Unlock()
}

func (s *levelSink) has(level notify.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.levels {
		if l == level {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFoundItemsAreDownloadedAndMarked(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	dl := &fakeDownloader{}
	store := newMemStore()
	sink := &levelSink{}

	d := New(dl, store, bus, sink, logx.Nop())
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeCheckFound, Data: watch.FoundEvent{
		EntityKey: "show-a",
		Items: []watch.Item{
			{ID: 1, URL: "https://example.com/1"},
			{ID: 2, URL: "https://example.com/2"},
		},
	}})

	waitFor(t, func() bool {
		a, _ := store.IsProcessed(context.Background(), "show-a", 1)
		b, _ := store.IsProcessed(context.Background(), "show-a", 2)
		return a && b
	})
	if ids := dl.callIDs(); len(ids) != 2 {
		t.Fatalf("downloads = %v", ids)
	}
	if !sink.has(notify.LevelHighlight) {
		t.Fatal("successful acquisition should notify at HIGHLIGHT")
	}
}

func TestFailedDownloadStaysUnprocessed(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	dl := &fakeDownloader{fail: map[int]error{1: errors.New("disk full")}}
	store := newMemStore()
	sink := &levelSink{}

	// Observe download.* events to know when handling finished.
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(dl, store, bus, sink, logx.Nop())
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeCheckFound, Data: watch.FoundEvent{
		EntityKey: "show-a",
		Items: []watch.Item{
			{ID: 1, URL: "https://example.com/1"},
			{ID: 2, URL: "https://example.com/2"},
		},
	}})

	var failed, done int
	waitFor(t, func() bool {
		for {
			select {
			case ev := <-ch:
				switch ev.Type {
				case eventbus.TypeDownloadFailed:
					failed++
				case eventbus.TypeDownloadDone:
					done++
				}
			default:
				return failed == 1 && done == 1
			}
		}
	})

	if marked, _ := store.IsProcessed(context.Background(), "show-a", 1); marked {
		t.Fatal("failed download must stay unprocessed")
	}
	if marked, _ := store.IsProcessed(context.Background(), "show-a", 2); !marked {
		t.Fatal("the other item should still be marked")
	}
	if !sink.has(notify.LevelError) {
		t.Fatal("failure should notify at ERROR")
	}
}

func TestIgnoresOtherEventTypes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	dl := &fakeDownloader{}
	d := New(dl, newMemStore(), bus, nil, logx.Nop())
	d.Start(context.Background())
	defer d.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeCheckEmpty, Data: "whatever"})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCheckFound, Data: "wrong payload type"})

	time.Sleep(20 * time.Millisecond)
	if ids := dl.callIDs(); len(ids) != 0 {
		t.Fatalf("unexpected downloads: %v", ids)
	}
}
