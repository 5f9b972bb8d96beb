// Package pty owns the interactive child: it spawns it on a pseudo-terminal,
// drains the master into events, forwards keystrokes and window sizes, and
// reports exactly one exit.
package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Size is a terminal size in character cells.
type Size struct {
	Rows uint16
	Cols uint16
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Rows, s.Cols) }

// Runner starts a command attached to a terminal-like device and resizes it.
// CreackPTY is the real implementation; tests substitute pipes.
type Runner interface {
	Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error)
	Resize(master io.ReadWriteCloser, size Size) error
}

// CreackPTY implements Runner using github.com/creack/pty.
type CreackPTY struct{}

var _ Runner = (*CreackPTY)(nil)

// Start allocates a pty pair, makes the slave the child's controlling
// terminal, and returns the master.
func (CreackPTY) Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return f, nil
}

// Resize sets the window size on the master, which delivers SIGWINCH to the
// child's foreground process group.
func (CreackPTY) Resize(master io.ReadWriteCloser, size Size) error {
	f, ok := master.(*os.File)
	if !ok {
		return fmt.Errorf("resize pty: master is %T, not *os.File", master)
	}
	return pty.Setsize(f, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}
