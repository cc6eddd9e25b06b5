package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"relwatch/internal/config"
	"relwatch/internal/dispatch"
	"relwatch/internal/eventbus"
	"relwatch/internal/fetch"
	"relwatch/internal/notify"
	"relwatch/internal/queue"
	rtsup "relwatch/internal/runtime/supervisor"
	"relwatch/internal/scheduler"
	"relwatch/internal/state"
	"relwatch/internal/watch"
	logx "relwatch/pkg/logx"
)

// Deps lets callers swap the external collaborators. Zero fields fall back
// to the built-in HTTP client.
type Deps struct {
	Handler    watch.Handler
	Downloader watch.Downloader
}

// App wires config, logging, state, queues, scheduler and dispatcher
// together and owns their lifecycle.
type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sink *notify.Service

	store      state.Store
	handler    watch.Handler
	downloader watch.Downloader

	// schedMu guards sched, which is swapped on config reload.
	schedMu sync.Mutex
	sched   *scheduler.Scheduler

	disp *dispatch.Dispatcher
	sup  *rtsup.Supervisor
}

func New(cfgPath string, deps Deps) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if len(cfg.Entities) == 0 {
		return nil, errors.New("config has no entities")
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sink, err := notify.New(cfg.Notifier, log.With(logx.String("comp", "notify")))
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.State, sink, log.With(logx.String("comp", "state")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	handler := deps.Handler
	downloader := deps.Downloader
	if handler == nil || downloader == nil {
		dir := strings.TrimSpace(cfg.Downloads.Dir)
		if dir == "" {
			dir = "./downloads"
		}
		client := fetch.New(dir, log.With(logx.String("comp", "fetch")))
		if handler == nil {
			handler = client
		}
		if downloader == nil {
			downloader = client
		}
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		sink:       sink,
		store:      store,
		handler:    handler,
		downloader: downloader,
	}
	a.disp = dispatch.New(downloader, store, bus, sink, log.With(logx.String("comp", "dispatch")))
	a.sched = a.buildScheduler(cfg)
	return a, nil
}

// buildScheduler assembles the per-domain queues and the scheduler over them
// for one config snapshot. Called at boot and again on entity reloads.
func (a *App) buildScheduler(cfg *config.Config) *scheduler.Scheduler {
	registry := config.NewRegistry(cfg, a.log.With(logx.String("comp", "settings")))

	queues := map[string]*queue.CheckQueue{}
	for _, e := range cfg.Entities {
		domain := e.Domain()
		if _, ok := queues[domain]; ok {
			continue
		}
		queues[domain] = queue.NewCheck(domain, a.handler, a.store, a.bus, a.sink,
			a.log.With(logx.String("comp", "queue")))
	}

	return scheduler.New(cfg.Scheduler, cfg.Entities, registry, queues, a.bus, a.sink,
		a.log.With(logx.String("comp", "scheduler")))
}

// Start brings up the pipeline and the config watcher. The scheduler runs
// until Stop; a changed config file rebuilds the queues and scheduler.
func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	rctx := a.sup.Context()

	a.sink.Start(rctx)
	a.disp.Start(rctx)
	a.schedMu.Lock()
	err := a.sched.Start(rctx)
	a.schedMu.Unlock()
	if err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(2)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, cfg)
			}
		}
	})

	a.log.Info("started")
	a.sink.Notify(notify.LevelInfo, "watcher started")
	return nil
}

// applyConfig swaps in a reloaded config: logging is re-applied in place,
// the scheduler (with its queues) is rebuilt and restarted.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.log.Info("config reloaded, restarting scheduler", logx.Int("entities", len(cfg.Entities)))

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	a.sched.Stop()
	a.sched = a.buildScheduler(cfg)
	if err := a.sched.Start(ctx); err != nil {
		a.log.Error("scheduler restart failed", logx.Err(err))
		a.sink.Notify(notify.LevelError, "scheduler restart failed: "+err.Error())
	}
}

// RunOnce checks every entity immediately, waits for the queues to drain and
// tears the pipeline down. No wait loop, no config watcher.
func (a *App) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.sink.Start(ctx)
	a.disp.Start(ctx)
	err := a.sched.RunOnce(ctx)
	a.disp.Stop()
	a.sink.Stop(ctx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.schedMu.Lock()
	a.sched.Stop()
	a.schedMu.Unlock()
	a.disp.Stop()
	a.sink.Stop(ctx)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if cerr := a.store.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if n := a.bus.Dropped(); n > 0 {
		a.log.Warn("slow event subscribers dropped events", logx.Uint64("dropped", n))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
