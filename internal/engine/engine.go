// Package engine runs one hudmux session: it owns the terminal mode, starts
// the interactive child, the widget scheduler and the input router, and
// drives the compositor until the session ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"hudmux/internal/compositor"
	"hudmux/internal/config"
	"hudmux/internal/event"
	"hudmux/internal/input"
	"hudmux/internal/layout"
	"hudmux/internal/metrics"
	"hudmux/internal/pty"
	"hudmux/internal/terminal"
	"hudmux/internal/widget"
)

var (
	// ErrInputLost means the terminal input stream ended or failed.
	ErrInputLost = errors.New("terminal input lost")
	// ErrReaderLost means the pty output reader failed.
	ErrReaderLost = errors.New("pty reader lost")
)

const (
	eventBuffer   = 256
	closeGrace    = time.Second
	producerGrace = time.Second
	defaultTerm   = "xterm-256color"
)

// Terminal is the controlling terminal. terminal.TTY implements it.
type Terminal interface {
	EnterRaw() (terminal.Restorer, error)
	Size() (rows, cols int, err error)
	Input() io.Reader
	Output() io.Writer
	WatchResize(ctx context.Context, fn func(rows, cols int))
	CancelInput()
}

// Deps are the engine's collaborators. Only Terminal is required.
type Deps struct {
	Terminal       Terminal
	PTY            pty.Runner
	CommandFactory widget.CommandFactory
	Logger         *slog.Logger
	Tracer         oteltrace.Tracer
	Metrics        *metrics.Metrics

	// StopGrace bounds how long widget captures may outlive the session.
	StopGrace time.Duration

	// RunID tags logs and the child's environment. Generated when empty.
	RunID string
}

// Run executes one session and returns the process exit code. The layout is
// validated before the terminal is touched; once raw mode is entered it is
// restored exactly once on every path out of Run, panics included.
func Run(ctx context.Context, cfg *config.Config, deps Deps) (code int, err error) {
	if deps.Terminal == nil {
		return 1, errors.New("engine: no terminal")
	}
	if deps.PTY == nil {
		deps.PTY = pty.CreackPTY{}
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("hudmux")
	}
	if deps.StopGrace <= 0 {
		deps.StopGrace = widget.DefaultStopGrace
	}
	runID := deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("run_id", runID)

	// Everything that can fail on configuration alone fails here, with the
	// terminal still in cooked mode.
	if err := cfg.Validate(); err != nil {
		return 1, err
	}
	quit, _ := cfg.QuitByte()
	redraw, _ := cfg.RedrawByte()
	rows, cols, err := deps.Terminal.Size()
	if err != nil {
		return 1, fmt.Errorf("terminal size: %w", err)
	}
	l, err := cfg.Layout(rows, cols)
	if err != nil {
		return 1, err
	}

	restorer, err := deps.Terminal.EnterRaw()
	if err != nil {
		return 1, err
	}
	defer func() {
		if rerr := restorer.Restore(); rerr != nil {
			logger.Error("restore terminal", "err", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	ctx, span := deps.Tracer.Start(ctx, "session", oteltrace.WithAttributes(
		attribute.String("hudmux.run_id", runID),
		attribute.Int("hudmux.rows", rows),
		attribute.Int("hudmux.cols", cols),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	emitter := event.NewEmitter(eventBuffer)

	inter := l.Interactive().Rect
	name, args := cfg.Shell()
	cmd := exec.Command(name, args...)
	cmd.Dir = cfg.Dir()
	cmd.Env = childEnv(runID)
	sess, err := pty.Spawn(runCtx, deps.PTY, cmd,
		pty.Size{Rows: uint16(inter.Height), Cols: uint16(inter.Width)}, emitter, logger.With("component", "pty"))
	if err != nil {
		return 1, err
	}
	defer sess.Close(closeGrace)

	runners := buildRunners(cfg.WidgetSpecs(), l, deps, logger)
	sched := widget.NewScheduler(runners, func(st widget.State) {
		emitter.Emit(runCtx, event.WidgetUpdated{State: st})
	}, widget.WithStopGrace(deps.StopGrace), widget.WithSchedulerLogger(logger.With("component", "scheduler")))

	comp := compositor.New(compositor.Config{
		Layout:          l,
		Out:             deps.Terminal.Output(),
		Session:         sess,
		Relayout:        cfg.Layout,
		OnLayout:        func(l layout.Layout) { setBounds(runners, l) },
		QuitKeyName:     input.KeyName(quit),
		ExitOnChildExit: cfg.ExitOnChildExit,
		MaxFPS:          cfg.MaxFPS,
		Logger:          logger.With("component", "compositor"),
		Observer:        deps.Metrics,
	})
	if err := comp.Begin(); err != nil {
		return 1, fmt.Errorf("prepare terminal: %w", err)
	}
	defer comp.Finish()

	opts := []input.Option{input.WithQuitKey(quit), input.WithLogger(logger.With("component", "input"))}
	if redraw != 0 {
		opts = append(opts, input.WithRedrawKey(redraw))
	}
	router := input.NewRouter(deps.Terminal.Input(), sess, emitter, opts...)

	// Producers report failures as events; the errgroup only joins them.
	var g errgroup.Group
	g.Go(func() error { return router.Run(runCtx) })
	g.Go(func() error {
		deps.Terminal.WatchResize(runCtx, func(rows, cols int) {
			emitter.Emit(runCtx, event.Resize{Rows: rows, Cols: cols})
		})
		return nil
	})
	sched.Start(runCtx)
	logger.Info("session started", "rows", rows, "cols", cols, "widgets", len(runners), "cmd", cmd.Args)

	res := comp.Run(runCtx, emitter.Events())
	logger.Info("session ending", "reason", res.Reason.String(), "child_exited", res.ChildExited, "child_exit", res.ChildExit)
	span.SetAttributes(
		attribute.String("hudmux.session.reason", res.Reason.String()),
		attribute.Bool("hudmux.child.exited", res.ChildExited),
		attribute.Int("hudmux.child.exit_code", res.ChildExit),
	)

	cancel()
	if err := sched.Stop(); err != nil {
		logger.Warn("stop widgets", "err", err)
	}
	sess.Close(closeGrace)
	deps.Terminal.CancelInput()
	joinProducers(&g, logger)

	return exitCode(res)
}

func exitCode(res compositor.Result) (int, error) {
	switch res.Reason {
	case compositor.ReasonQuit, compositor.ReasonChildExit:
		return 0, nil
	case compositor.ReasonInputLost:
		return 1, fmt.Errorf("%w: %v", ErrInputLost, res.Err)
	case compositor.ReasonReaderLost:
		return 1, fmt.Errorf("%w: %v", ErrReaderLost, res.Err)
	}
	if res.Err != nil {
		return 1, res.Err
	}
	return 1, fmt.Errorf("session ended: %s", res.Reason)
}

func buildRunners(specs []widget.Spec, l layout.Layout, deps Deps, logger *slog.Logger) []*widget.Runner {
	var capOpts []widget.Option
	if deps.CommandFactory != nil {
		capOpts = append(capOpts, widget.WithCommandFactory(deps.CommandFactory))
	}
	runners := make([]*widget.Runner, 0, len(specs))
	for _, spec := range specs {
		region, ok := widgetRegion(l, spec)
		if !ok {
			logger.Warn("widget has no region, not scheduled", "widget", spec.ID, "region", spec.RegionID)
			continue
		}
		runners = append(runners, widget.NewRunner(spec, region.Rect.Width, region.Rect.Height,
			widget.WithLogger(logger.With("widget", spec.ID)),
			widget.WithTracer(deps.Tracer),
			widget.WithObserver(deps.Metrics),
			widget.WithCaptureOptions(capOpts...),
		))
	}
	return runners
}

func setBounds(runners []*widget.Runner, l layout.Layout) {
	for _, r := range runners {
		if region, ok := widgetRegion(l, r.Spec()); ok {
			r.SetBounds(region.Rect.Width, region.Rect.Height)
		}
	}
}

// widgetRegion finds the region a widget draws into: the one it names, or
// else the one whose source names it.
func widgetRegion(l layout.Layout, spec widget.Spec) (layout.Region, bool) {
	if spec.RegionID == "" {
		return l.ForWidget(spec.ID)
	}
	region, ok := l.Region(spec.RegionID)
	if !ok || region.Source.Kind != layout.SourceWidget || region.Source.WidgetID != spec.ID {
		return layout.Region{}, false
	}
	return region, true
}

// joinProducers waits for the input and resize goroutines. A reader that
// ignores cancellation is abandoned after producerGrace.
func joinProducers(g *errgroup.Group, logger *slog.Logger) {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Debug("producer finished with error", "err", err)
		}
	case <-time.After(producerGrace):
		logger.Warn("input reader did not stop, abandoning it")
	}
}

func childEnv(runID string) []string {
	env := os.Environ()
	if os.Getenv("TERM") == "" {
		env = append(env, "TERM="+defaultTerm)
	}
	return append(env, "HUDMUX=1", "HUDMUX_RUN_ID="+runID)
}
