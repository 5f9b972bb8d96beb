package widget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ErrBusy is returned by Tick when a capture of the same widget is still
// running.
var ErrBusy = errors.New("widget capture already in progress")

// Observer receives per-capture measurements. metrics.Metrics implements it.
type Observer interface {
	ObserveCapture(widgetID string, status StatusKind, d time.Duration)
	ObserveSkip(widgetID string)
}

// Runner owns one widget's State. Only Tick mutates it.
type Runner struct {
	spec   Spec
	opts   options
	logger *slog.Logger
	tracer oteltrace.Tracer
	obs    Observer

	width  atomic.Int64
	height atomic.Int64

	running atomic.Bool
	mu      sync.Mutex
	state   State
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithTracer sets the tracer used for capture spans.
func WithTracer(t oteltrace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithObserver sets the capture observer.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.obs = o }
}

// WithCaptureOptions passes options through to every capture.
func WithCaptureOptions(opts ...Option) RunnerOption {
	return func(r *Runner) { r.opts = buildOptions(opts) }
}

// NewRunner returns a runner for spec whose output is fitted to a
// width x height region.
func NewRunner(spec Spec, width, height int, opts ...RunnerOption) *Runner {
	r := &Runner{
		spec:  spec,
		opts:  buildOptions(nil),
		state: State{ID: spec.ID, Status: Status{Kind: StatusPending}},
	}
	r.width.Store(int64(width))
	r.height.Store(int64(height))
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.logger = r.logger.With("widget", spec.ID)
	if r.tracer == nil {
		r.tracer = otel.Tracer("hudmux/widget")
	}
	return r
}

// Spec returns the runner's configuration.
func (r *Runner) Spec() Spec { return r.spec }

// SetBounds changes the region size used by subsequent captures.
func (r *Runner) SetBounds(width, height int) {
	r.width.Store(int64(width))
	r.height.Store(int64(height))
}

// State returns a snapshot of the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Tick performs one capture and updates the state. changed reports whether
// the displayed content (lines or status) differs from before. A failed
// capture keeps the previous lines. Tick returns ErrBusy without doing
// anything if another Tick on r has not finished.
func (r *Runner) Tick(ctx context.Context) (st State, changed bool, err error) {
	if !r.running.CompareAndSwap(false, true) {
		if r.obs != nil {
			r.obs.ObserveSkip(r.spec.ID)
		}
		return r.State(), false, ErrBusy
	}
	defer r.running.Store(false)

	ctx, span := r.tracer.Start(ctx, "widget.tick", oteltrace.WithAttributes(
		attribute.String("hudmux.widget.id", r.spec.ID),
		attribute.String("hudmux.widget.command", r.spec.Command),
	))
	defer span.End()

	started := time.Now()
	res, capErr := capture(ctx, r.spec, r.opts)

	var (
		status Status
		lines  []string
		keep   bool
	)
	switch {
	case capErr != nil:
		status, keep = Failed("spawn: "+capErr.Error()), true
	case res.TimedOut:
		status, keep = Failed("timeout"), true
	case res.Canceled:
		// Shutdown, not a widget fault: leave the state as it was.
		span.SetStatus(codes.Error, "canceled")
		return r.State(), false, ctx.Err()
	case res.ExitCode != 0:
		reason := fmt.Sprintf("exit status %d", res.ExitCode)
		if msg := firstLine(res.Stderr); msg != "" {
			reason += ": " + msg
		}
		status, keep = Failed(reason), true
	default:
		status = Status{Kind: StatusOk}
		lines = Format(res.Stdout, int(r.width.Load()), int(r.height.Load()))
	}

	span.SetAttributes(attribute.String("hudmux.widget.status", status.Kind.String()))
	if status.Kind == StatusFailed {
		span.SetStatus(codes.Error, status.Reason)
		r.logger.Warn("widget capture failed", "reason", status.Reason)
	} else {
		r.logger.Debug("widget capture ok", "lines", len(lines), "duration", time.Since(started))
	}
	if r.obs != nil {
		r.obs.ObserveCapture(r.spec.ID, status.Kind, time.Since(started))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state
	next := prev
	next.Status = status
	next.LastRunAt = started
	next.Runs++
	if !keep {
		next.Lines = lines
	}
	r.state = next
	return next.clone(), !sameDisplay(prev, next), nil
}

// summary renders a state for logs.
func summary(st State) string {
	return fmt.Sprintf("%s %s [%s]", st.ID, st.Status, strings.Join(st.Lines, " | "))
}
