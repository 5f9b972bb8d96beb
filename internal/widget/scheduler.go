package widget

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultStopGrace bounds how long Stop waits for in-flight captures.
const DefaultStopGrace = 2 * time.Second

// ErrStopTimeout is returned by Stop when captures were still running after
// the grace period. They are abandoned, not waited for.
var ErrStopTimeout = errors.New("widget captures still running after grace period")

// Notifier receives the new state of a widget whose display changed. It is
// called from the capture goroutine and may block.
type Notifier func(State)

// Scheduler ticks every Runner on its own interval. Each widget has its own
// goroutine and ticker; a tick that comes due while the previous capture of
// the same widget is still running is skipped, not queued.
type Scheduler struct {
	runners []*Runner
	notify  Notifier
	logger  *slog.Logger
	grace   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithStopGrace overrides DefaultStopGrace.
func WithStopGrace(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.grace = d }
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler returns a stopped scheduler over runners.
func NewScheduler(runners []*Runner, notify Notifier, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{runners: runners, notify: notify, grace: DefaultStopGrace}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.notify == nil {
		s.notify = func(State) {}
	}
	return s
}

// Start launches one ticking goroutine per runner. Each widget ticks once
// immediately. Start is a no-op if already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, r := range s.runners {
		s.wg.Add(1)
		go s.loop(ctx, r)
	}
	s.logger.Info("widget scheduler started", "widgets", len(s.runners))
}

// Stop cancels every ticker and in-flight capture, then waits at most the
// grace period for captures to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("widget scheduler stopped")
		return nil
	case <-time.After(s.grace):
		s.logger.Warn("widget captures abandoned", "grace", s.grace)
		return ErrStopTimeout
	}
}

// State returns the current state of widget id.
func (s *Scheduler) State(id string) (State, bool) {
	for _, r := range s.runners {
		if r.spec.ID == id {
			return r.State(), true
		}
	}
	return State{}, false
}

func (s *Scheduler) loop(ctx context.Context, r *Runner) {
	defer s.wg.Done()

	interval := r.spec.Interval
	if interval <= 0 {
		interval = time.Second
	}
	inflight := make(chan struct{}, 1)

	tick := func() {
		select {
		case inflight <- struct{}{}:
		default:
			if r.obs != nil {
				r.obs.ObserveSkip(r.spec.ID)
			}
			r.logger.Debug("tick skipped, capture still running")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-inflight }()
			// A panicking capture or notifier is a failure of this widget
			// only; the next tick runs as usual.
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("widget tick panicked", "panic", p)
				}
			}()
			st, changed, err := r.Tick(ctx)
			if err != nil || !changed || ctx.Err() != nil {
				return
			}
			r.logger.Debug("widget changed", "state", summary(st))
			s.notify(st)
		}()
	}

	tick()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}
