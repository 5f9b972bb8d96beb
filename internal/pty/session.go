package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"hudmux/internal/event"
)

// ErrSessionClosed is returned by Write and Resize once the child has exited
// or the session was closed.
var ErrSessionClosed = errors.New("pty session closed")

// drainTimeout bounds how long the exit path waits for the reader to hit EOF
// after the child is reaped. A grandchild holding the slave open would
// otherwise keep the master readable forever.
const drainTimeout = 500 * time.Millisecond

const readBufferSize = 32 * 1024

// Session is one running interactive child.
type Session struct {
	runner  Runner
	cmd     *exec.Cmd
	master  io.ReadWriteCloser
	emitter *event.Emitter
	logger  *slog.Logger

	mu   sync.Mutex // guards size
	size Size

	// emitMu orders the reader's last PtyOutput before PtyExited.
	emitMu   sync.Mutex
	finished bool

	exited     atomic.Bool
	exitCode   atomic.Int64
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	masterOnce sync.Once
}

// Spawn starts cmd on a new pseudo-terminal of the given size. Output chunks
// and the final exit are delivered through emitter until ctx is done.
func Spawn(ctx context.Context, runner Runner, cmd *exec.Cmd, size Size, emitter *event.Emitter, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	master, err := runner.Start(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}
	s := &Session{
		runner:     runner,
		cmd:        cmd,
		master:     master,
		emitter:    emitter,
		logger:     logger,
		size:       size,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	logger.Info("pty session started", "pid", cmd.Process.Pid, "cmd", cmd.Args, "size", size.String())
	go s.readLoop(ctx)
	go s.waitLoop(ctx)
	return s, nil
}

// Write forwards keystrokes to the child. It does not buffer: the call
// returns once the bytes are in the kernel's pty buffer.
func (s *Session) Write(p []byte) (int, error) {
	if s.exited.Load() {
		return 0, ErrSessionClosed
	}
	n, err := s.master.Write(p)
	if err != nil {
		if s.exited.Load() || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO) {
			return n, ErrSessionClosed
		}
		return n, fmt.Errorf("write pty: %w", err)
	}
	return n, nil
}

// SendKeys forwards one routed keystroke chunk.
func (s *Session) SendKeys(k event.KeyInput) error {
	_, err := s.Write(k.Data)
	return err
}

// Resize forwards a new window size to the child. Resizing to the current
// size is a no-op.
func (s *Session) Resize(rows, cols int) error {
	if s.exited.Load() {
		return ErrSessionClosed
	}
	size := Size{Rows: uint16(max(rows, 1)), Cols: uint16(max(cols, 1))}

	s.mu.Lock()
	defer s.mu.Unlock()
	if size == s.size {
		return nil
	}
	if err := s.runner.Resize(s.master, size); err != nil {
		return fmt.Errorf("resize pty to %s: %w", size, err)
	}
	s.logger.Debug("pty resized", "from", s.size.String(), "to", size.String())
	s.size = size
	return nil
}

// Size returns the size last applied to the pty.
func (s *Session) Size() Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Done is closed after the child has been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode returns the child's exit code, if it has exited. A child killed by
// a signal reports 128 plus the signal number, as shells do.
func (s *Session) ExitCode() (int, bool) {
	if !s.exited.Load() {
		return 0, false
	}
	return int(s.exitCode.Load()), true
}

// Close terminates the child: SIGHUP first, as a closing terminal would,
// then SIGKILL if it is still alive after grace. It returns once the child
// has been reaped or the kill has been sent.
func (s *Session) Close(grace time.Duration) error {
	s.closeOnce.Do(func() {
		if s.exited.Load() {
			return
		}
		if p := s.cmd.Process; p != nil {
			_ = p.Signal(syscall.SIGHUP)
		}
		select {
		case <-s.done:
		case <-time.After(grace):
			s.logger.Warn("pty child ignored SIGHUP, killing", "grace", grace)
			if p := s.cmd.Process; p != nil {
				_ = p.Kill()
			}
			select {
			case <-s.done:
			case <-time.After(grace):
			}
		}
	})
	s.closeMaster()
	return nil
}

func (s *Session) closeMaster() {
	s.masterOnce.Do(func() { _ = s.master.Close() })
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.readerDone)
	defer s.recoverLoop(ctx, "reader")
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.emitOutput(ctx, chunk) {
				return
			}
		}
		if err != nil {
			if expectedReadEnd(err) || s.exited.Load() || ctx.Err() != nil {
				s.logger.Debug("pty reader finished", "err", err)
				return
			}
			s.logger.Error("pty reader failed", "err", err)
			s.emitter.Emit(ctx, event.ReaderLost{Source: "pty", Err: err})
			return
		}
	}
}

func (s *Session) emitOutput(ctx context.Context, chunk []byte) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.finished {
		return false
	}
	return s.emitter.Emit(ctx, event.PtyOutput{Data: chunk})
}

// expectedReadEnd reports errors that mean "the slave side went away".
// Linux returns EIO from the master once the last slave fd closes.
func expectedReadEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// recoverLoop turns a panic in one of the session goroutines into a
// ReaderLost so the engine shuts down through its normal path.
func (s *Session) recoverLoop(ctx context.Context, loop string) {
	p := recover()
	if p == nil {
		return
	}
	err := fmt.Errorf("pty %s panic: %v", loop, p)
	s.logger.Error("pty goroutine panicked", "loop", loop, "panic", p)
	s.emitter.Emit(ctx, event.ReaderLost{Source: "pty", Err: err})
}

func (s *Session) waitLoop(ctx context.Context) {
	defer s.recoverLoop(ctx, "waiter")
	err := s.cmd.Wait()
	code := exitCode(s.cmd.ProcessState, err)
	s.exitCode.Store(int64(code))
	s.exited.Store(true)

	select {
	case <-s.readerDone:
	case <-time.After(drainTimeout):
		s.logger.Warn("pty output still open after child exit, closing master")
		s.closeMaster()
	}

	s.emitMu.Lock()
	s.finished = true
	s.emitMu.Unlock()

	s.logger.Info("pty child exited", "code", code)
	close(s.done)
	s.emitter.Emit(ctx, event.PtyExited{Code: code})
}

func exitCode(ps *os.ProcessState, err error) int {
	if ps == nil {
		if err != nil {
			return 1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
