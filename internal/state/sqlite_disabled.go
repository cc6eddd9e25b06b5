//go:build !sqlite
// +build !sqlite

package state

import (
	"errors"

	"relwatch/internal/config"
	"relwatch/internal/notify"
	logx "relwatch/pkg/logx"
)

func openSQLite(cfg config.StateConfig, sink notify.Sink, log logx.Logger) (Store, error) {
	_ = cfg
	_ = sink
	_ = log
	return nil, errors.New("sqlite state not built: build with -tags sqlite")
}
