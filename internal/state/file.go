package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"relwatch/internal/config"
	"relwatch/internal/notify"
	logx "relwatch/pkg/logx"
)

// fileStore keeps processed ids in a single pretty-printed JSON object:
//
//	{
//	  "entity-a": ["01", "02", "07"],
//	  "entity-b": ["03"]
//	}
//
// Ids are canonicalized to zero-padded two-digit strings and kept sorted so
// the file diffs cleanly under version control.
//
// The file is reloaded inside the lock on every operation; external edits
// between calls are picked up rather than clobbered. Writes go through a tmp
// file and rename.
type fileStore struct {
	path  string
	locks *lockManager
	sink  notify.Sink
	log   logx.Logger

	closed atomic.Bool
}

func openFile(cfg config.StateConfig, sink notify.Sink, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	return &fileStore{
		path:  path,
		locks: newLockManager(),
		sink:  sink,
		log:   log,
	}, nil
}

func (s *fileStore) Close() error {
	s.closed.Store(true)
	return nil
}

func canonicalID(id int) string {
	return fmt.Sprintf("%02d", id)
}

func (s *fileStore) IsProcessed(ctx context.Context, entityKey string, id int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}

	l := s.locks.forPath(s.path)
	l.Lock()
	defer l.Unlock()

	data := s.loadLocked()
	want := canonicalID(id)
	for _, have := range data[entityKey] {
		if have == want {
			return true, nil
		}
	}
	return false, nil
}

func (s *fileStore) MarkProcessed(ctx context.Context, entityKey string, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	l := s.locks.forPath(s.path)
	l.Lock()
	defer l.Unlock()

	data := s.loadLocked()
	want := canonicalID(id)
	for _, have := range data[entityKey] {
		if have == want {
			return nil
		}
	}
	if data == nil {
		data = map[string][]string{}
	}
	ids := append(data[entityKey], want)
	sort.Strings(ids)
	data[entityKey] = ids

	return s.writeLocked(data)
}

// loadLocked reads the state file. A missing file is an empty store; any
// other failure is reported once per call and degrades to empty so a corrupt
// file never stops checking (already-processed items may reappear).
func (s *fileStore) loadLocked() map[string][]string {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.report("state read failed", err)
		return nil
	}
	var data map[string][]string
	if err := json.Unmarshal(b, &data); err != nil {
		s.report("state parse failed", err)
		return nil
	}
	return data
}

func (s *fileStore) writeLocked(data map[string][]string) error {
	// encoding/json sorts map keys, so entity order is stable too.
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) report(msg string, err error) {
	s.log.Error(msg, logx.String("path", s.path), logx.Err(err))
	s.sink.Notify(notify.LevelError, fmt.Sprintf("%s (%s): %v", msg, s.path, err))
}
