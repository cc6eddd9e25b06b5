package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"relwatch/internal/config"
	logx "relwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

// Sink receives human-facing progress messages. Implementations must be safe
// for concurrent use and must never block the caller for long.
type Sink interface {
	Notify(level Level, msg string)
}

// Func adapts a plain function to the Sink interface.
type Func func(level Level, msg string)

func (f Func) Notify(level Level, msg string) { f(level, msg) }

// Nop returns a sink that discards everything.
func Nop() Sink { return Func(func(Level, string) {}) }

// sender abstracts telebot's Send for tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type job struct {
	level Level
	text  string
}

// Service is the leveled notification sink. Every message is logged through
// logx at a mapped severity; messages at or above the configured minimum
// level are additionally queued for async, rate-limited Telegram delivery.
//
// Delivery is best-effort: a full queue drops the message (with a log line),
// never blocks the pipeline that produced it.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     config.NotifierConfig
	limiter *rate.Limiter

	bot      sender
	chatID   int64
	minLevel Level

	queue     chan job
	accepting bool
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

func New(cfg config.NotifierConfig, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, cfg: cfg}

	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	// Burst = rate so short bursts of per-entity results don't stall checks.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	s.minLevel = LevelInfo
	if lvl, ok := ParseLevel(cfg.Telegram.MinLevel); ok {
		s.minLevel = lvl
	}

	if cfg.Enabled && cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return nil, errors.New("notify: telegram enabled but token is empty")
		}
		if cfg.Telegram.ChatID == 0 {
			return nil, errors.New("notify: telegram enabled but chat_id is empty")
		}
		b, err := tele.NewBot(tele.Settings{Token: cfg.Telegram.Token})
		if err != nil {
			return nil, err
		}
		s.bot = b
		s.chatID = cfg.Telegram.ChatID
	}
	return s, nil
}

// Start launches the delivery worker. Idempotent; a no-op when Telegram
// delivery is not configured.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot == nil || s.queue != nil {
		return
	}
	s.queue = make(chan job, 256)
	s.accepting = true

	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	q := s.queue
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliverLoop(wctx, q)
	}()
}

// Stop blocks intake, drains queued messages best-effort until ctx expires,
// then cancels the worker.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	cancel := s.cancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.cancel = nil
	// Close under the mutex: Notify enqueues under the same mutex, so no
	// send can hit the closed channel.
	close(q)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

// Notify logs the message and, when eligible, queues it for Telegram. The
// enqueue is non-blocking and happens under the same mutex Stop closes the
// queue under.
func (s *Service) Notify(level Level, msg string) {
	s.logLine(level, msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil || !s.accepting || level < s.minLevel {
		return
	}
	select {
	case s.queue <- job{level: level, text: msg}:
	default:
		s.log.Warn("notification dropped (queue full)",
			logx.String("level", level.String()), logx.Int("queue_cap", cap(s.queue)))
	}
}

func (s *Service) logLine(level Level, msg string) {
	f := logx.String("notify", level.String())
	switch level {
	case LevelDebug:
		s.log.Debug(msg, f)
	case LevelWarning:
		s.log.Warn(msg, f)
	case LevelError:
		s.log.Error(msg, f)
	default:
		s.log.Info(msg, f)
	}
}

func (s *Service) deliverLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.send(j)
		}
	}
}

func (s *Service) send(j job) {
	text := prefixForLevel(j.level) + j.text
	start := time.Now()
	_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, text)
	if err != nil {
		s.log.Warn("telegram send failed", logx.Err(err),
			logx.String("level", j.level.String()), logx.Duration("took", time.Since(start)))
	}
}
