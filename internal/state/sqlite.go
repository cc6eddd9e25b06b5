//go:build sqlite
// +build sqlite

package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relwatch/internal/config"
	"relwatch/internal/notify"
	logx "relwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	sink notify.Sink
	log  logx.Logger
}

func openSQLite(cfg config.StateConfig, sink notify.Sink, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	st := &sqliteStore{db: db, sink: sink, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) IsProcessed(ctx context.Context, entityKey string, id int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed WHERE entity_key = ? AND item_id = ?`,
		entityKey, canonicalID(id),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		// Reads degrade to "not processed" so checking keeps going.
		s.log.Error("state read failed", logx.Err(err))
		s.sink.Notify(notify.LevelError, "state read failed: "+err.Error())
		return false, nil
	}
	return true, nil
}

func (s *sqliteStore) MarkProcessed(ctx context.Context, entityKey string, id int) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed(entity_key, item_id, marked_at) VALUES(?,?,?)
		 ON CONFLICT(entity_key, item_id) DO NOTHING`,
		entityKey, canonicalID(id), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}
