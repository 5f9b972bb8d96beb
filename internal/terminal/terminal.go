// Package terminal owns the controlling terminal: raw mode, size, resize
// notifications, and a cancelable input reader.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/muesli/cancelreader"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNotTerminal is returned when stdin or stdout is not a terminal.
var ErrNotTerminal = errors.New("not a terminal")

// resizePoll catches size changes on links that never deliver SIGWINCH,
// such as some serial consoles.
const resizePoll = 2 * time.Second

// Restorer undoes a mode change.
type Restorer interface {
	Restore() error
}

// Guard holds the terminal in raw mode until Restore.
type Guard struct {
	fd    int
	state *term.State
	once  sync.Once
	err   error
}

// Acquire puts fd into raw mode and returns a guard that restores the
// previous mode.
func Acquire(fd int) (*Guard, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}
	return &Guard{fd: fd, state: state}, nil
}

// Restore puts the terminal back the way Acquire found it. Only the first
// call has an effect; later calls return the first call's result.
func (g *Guard) Restore() error {
	g.once.Do(func() {
		if err := term.Restore(g.fd, g.state); err != nil {
			g.err = fmt.Errorf("restore terminal mode: %w", err)
		}
	})
	return g.err
}

// Size returns the terminal's rows and columns.
func Size(fd int) (rows, cols int, err error) {
	cols, rows, err = term.GetSize(fd)
	if err != nil {
		return 0, 0, fmt.Errorf("get terminal size: %w", err)
	}
	return rows, cols, nil
}

// WatchResize calls fn with the new size whenever fd's size changes, until
// ctx ends. fn is not called for the size current at entry.
func WatchResize(ctx context.Context, fd int, fn func(rows, cols int)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGWINCH)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(resizePoll)
	defer ticker.Stop()

	lastRows, lastCols, _ := Size(fd)
	check := func() {
		rows, cols, err := Size(fd)
		if err != nil || (rows == lastRows && cols == lastCols) {
			return
		}
		lastRows, lastCols = rows, cols
		fn(rows, cols)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			check()
		case <-ticker.C:
			check()
		}
	}
}

// TTY is the process's controlling terminal on stdin/stdout.
type TTY struct {
	in     *os.File
	out    *os.File
	reader cancelreader.CancelReader
}

// Open wraps stdin and stdout. Both must be terminals.
func Open() (*TTY, error) {
	in, out := os.Stdin, os.Stdout
	if !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return nil, ErrNotTerminal
	}
	r, err := cancelreader.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("open input reader: %w", err)
	}
	return &TTY{in: in, out: out, reader: r}, nil
}

// EnterRaw puts the input side into raw mode.
func (t *TTY) EnterRaw() (Restorer, error) {
	g, err := Acquire(int(t.in.Fd()))
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Size returns the output terminal's size.
func (t *TTY) Size() (rows, cols int, err error) { return Size(int(t.out.Fd())) }

// Input returns the cancelable input reader.
func (t *TTY) Input() io.Reader { return t.reader }

// Output returns the terminal output.
func (t *TTY) Output() io.Writer { return t.out }

// WatchResize reports size changes of the output terminal.
func (t *TTY) WatchResize(ctx context.Context, fn func(rows, cols int)) {
	WatchResize(ctx, int(t.out.Fd()), fn)
}

// CancelInput unblocks a pending Input read.
func (t *TTY) CancelInput() { t.reader.Cancel() }

// Close releases the input reader.
func (t *TTY) Close() error { return t.reader.Close() }
