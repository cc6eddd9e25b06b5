package state

import (
	"errors"
	"strings"

	"relwatch/internal/config"
	"relwatch/internal/notify"
	logx "relwatch/pkg/logx"
)

// Open initializes the configured state backend.
func Open(cfg config.StateConfig, sink notify.Sink, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = notify.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, sink, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, sink, log)
	default:
		return nil, errors.New("unknown state driver: " + driver)
	}
}
