package widget

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultKillGrace is how long a canceled capture may take to exit after
// SIGTERM before its process group is sent SIGKILL.
const DefaultKillGrace = 500 * time.Millisecond

// maxCapture bounds how much of a widget's stdout is kept.
const maxCapture = 64 * 1024

// Result is the outcome of one capture.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool // killed because the widget's timeout elapsed
	Canceled bool // killed because the parent context ended
}

// CommandFactory builds the command for one capture. The returned command
// must come from exec.CommandContext so cancellation can reach it. Tests
// inject a factory that re-executes the test binary.
type CommandFactory func(ctx context.Context, dir, name string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd
}

type options struct {
	commandFactory CommandFactory
	killGrace      time.Duration
}

// Option configures captures.
type Option func(*options)

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(o *options) { o.commandFactory = f }
}

// WithKillGrace overrides DefaultKillGrace.
func WithKillGrace(d time.Duration) Option {
	return func(o *options) { o.killGrace = d }
}

func buildOptions(opts []Option) options {
	cfg := options{commandFactory: defaultCommandFactory, killGrace: DefaultKillGrace}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// Capture runs spec's command once and collects its output. The command runs
// in its own process group; on timeout or cancellation the whole group gets
// SIGTERM, then SIGKILL after the kill grace. An error is returned only when
// the command could not be started at all.
func Capture(ctx context.Context, spec Spec, opts ...Option) (*Result, error) {
	cfg := buildOptions(opts)
	return capture(ctx, spec, cfg)
}

func capture(ctx context.Context, spec Spec, cfg options) (*Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := cfg.commandFactory(ctx, spec.Dir, spec.Command, spec.Args...)
	stop := prepare(cmd, cfg.killGrace)
	defer stop()

	stdout := &limitedBuffer{limit: maxCapture}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	canceled := errors.Is(ctx.Err(), context.Canceled)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case timedOut || canceled:
			exitCode = -1
		default:
			return nil, fmt.Errorf("start %s: %w", spec.Command, err)
		}
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		TimedOut: timedOut,
		Canceled: canceled && !timedOut,
	}, nil
}

// prepare puts cmd in its own process group and replaces the default
// cancellation (SIGKILL to the leader only) with SIGTERM to the group
// followed by SIGKILL after grace. The returned func must be called once Run
// returns; after a cancellation it kills whatever is left in the group.
func prepare(cmd *exec.Cmd, grace time.Duration) func() {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	var (
		mu     sync.Mutex
		timer  *time.Timer
		exited bool
		pgid   int
	)
	cmd.Cancel = func() error {
		pgid = cmd.Process.Pid
		err := unix.Kill(-pgid, unix.SIGTERM)
		mu.Lock()
		defer mu.Unlock()
		if !exited {
			timer = time.AfterFunc(grace, func() {
				mu.Lock()
				defer mu.Unlock()
				if !exited {
					_ = unix.Kill(-pgid, unix.SIGKILL)
				}
			})
		}
		return err
	}
	// Grandchildren holding stdout open must not hold Wait hostage.
	cmd.WaitDelay = 2 * grace

	return func() {
		mu.Lock()
		defer mu.Unlock()
		exited = true
		if timer != nil {
			// The leader is gone; anything it left in the group goes too.
			timer.Stop()
			_ = unix.Kill(-pgid, unix.SIGKILL)
		}
	}
}

// limitedBuffer keeps only the most recent limit bytes written to it.
type limitedBuffer struct {
	buf   []byte
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *limitedBuffer) String() string { return string(b.buf) }
