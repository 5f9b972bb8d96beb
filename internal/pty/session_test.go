package pty

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"

	"hudmux/internal/event"
)

// TestHelperProcess is re-executed as the interactive child. HUDMUX_TEST_MODE
// selects the behavior.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("HUDMUX_TEST_HELPER") != "1" {
		return
	}
	switch os.Getenv("HUDMUX_TEST_MODE") {
	case "print":
		fmt.Print("hello from child\n")
		code, _ := strconv.Atoi(os.Getenv("HUDMUX_EXIT_CODE"))
		os.Exit(code)
	case "cat":
		// Echo stdin back until EOF or ^D.
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if i := bytes.IndexByte(buf[:n], 0x04); i >= 0 {
					os.Stdout.Write(buf[:i])
					os.Exit(0)
				}
				os.Stdout.Write(buf[:n])
			}
			if err != nil {
				os.Exit(0)
			}
		}
	case "sleep":
		time.Sleep(30 * time.Second)
	case "size":
		cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
		if err != nil {
			os.Exit(3)
		}
		fmt.Printf("%dx%d\n", rows, cols)
	default:
		os.Exit(2)
	}
	os.Exit(0)
}

func helperCmd(mode string, env ...string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), "HUDMUX_TEST_HELPER=1", "HUDMUX_TEST_MODE="+mode)
	cmd.Env = append(cmd.Env, env...)
	return cmd
}

// pipeRunner stands in for a pty with a pair of pipes so session plumbing can
// be tested on hosts without /dev/ptmx.
type pipeRunner struct {
	mu    sync.Mutex
	sizes []Size
}

type pipeMaster struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (m *pipeMaster) Close() error {
	for _, c := range m.closers {
		c.Close()
	}
	return nil
}

func (r *pipeRunner) Start(cmd *exec.Cmd, size Size) (io.ReadWriteCloser, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, outW
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	inR.Close()
	outW.Close()
	r.Resize(nil, size)
	return &pipeMaster{Reader: outR, Writer: inW, closers: []io.Closer{outR, inW}}, nil
}

func (r *pipeRunner) Resize(_ io.ReadWriteCloser, size Size) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, size)
	return nil
}

func (r *pipeRunner) Sizes() []Size {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Size(nil), r.sizes...)
}

// collect gathers events until PtyExited, then keeps listening briefly to
// catch anything emitted after it.
func collect(t *testing.T, em *event.Emitter) (out string, exits []event.PtyExited, afterExit int) {
	t.Helper()
	var buf bytes.Buffer
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-em.Events():
			switch e := ev.(type) {
			case event.PtyOutput:
				if len(exits) > 0 {
					afterExit++
				}
				buf.Write(e.Data)
			case event.PtyExited:
				exits = append(exits, e)
			}
		case <-time.After(200 * time.Millisecond):
			if len(exits) > 0 {
				return buf.String(), exits, afterExit
			}
		case <-deadline:
			t.Fatal("timed out waiting for PtyExited")
		}
	}
}

func TestSession_OutputThenSingleExit(t *testing.T) {
	em := event.NewEmitter(16)
	s, err := Spawn(context.Background(), &pipeRunner{}, helperCmd("print", "HUDMUX_EXIT_CODE=7"), Size{Rows: 5, Cols: 20}, em, nil)
	require.NoError(t, err)

	out, exits, after := collect(t, em)
	assert.Contains(t, out, "hello from child")
	require.Len(t, exits, 1)
	assert.Equal(t, 7, exits[0].Code)
	assert.Zero(t, after)

	code, ok := s.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 7, code)
	<-s.Done()
}

func TestSession_WriteForwardsInOrder(t *testing.T) {
	em := event.NewEmitter(16)
	s, err := Spawn(context.Background(), &pipeRunner{}, helperCmd("cat"), Size{Rows: 5, Cols: 20}, em, nil)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "\x1b[A", "c"} {
		_, err := s.Write([]byte(k))
		require.NoError(t, err)
	}
	_, err = s.Write([]byte{0x04})
	require.NoError(t, err)

	out, exits, _ := collect(t, em)
	assert.Equal(t, "ab\x1b[Ac", out)
	require.Len(t, exits, 1)
	assert.Zero(t, exits[0].Code)

	_, err = s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Resize(10, 10), ErrSessionClosed)
}

func TestSession_ResizeForwardsNewSizeOnly(t *testing.T) {
	em := event.NewEmitter(16)
	r := &pipeRunner{}
	s, err := Spawn(context.Background(), r, helperCmd("sleep"), Size{Rows: 18, Cols: 72}, em, nil)
	require.NoError(t, err)
	defer s.Close(time.Second)

	require.NoError(t, s.Resize(18, 72))
	require.NoError(t, s.Resize(20, 80))
	assert.Equal(t, []Size{{18, 72}, {20, 80}}, r.Sizes())
	assert.Equal(t, Size{Rows: 20, Cols: 80}, s.Size())
}

func TestSession_CloseTerminatesChild(t *testing.T) {
	em := event.NewEmitter(16)
	s, err := Spawn(context.Background(), &pipeRunner{}, helperCmd("sleep"), Size{Rows: 5, Cols: 5}, em, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Close(2*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	_, exits, _ := collect(t, em)
	require.Len(t, exits, 1)
	assert.Equal(t, 128+1, exits[0].Code, "SIGHUP")
	assert.NoError(t, s.Close(time.Second), "second close is a no-op")
}

// brokenMaster feeds the child's stdin from Write but fails (or panics) on
// reads after handing out an optional first chunk.
type brokenMaster struct {
	mu       sync.Mutex
	first    string
	err      error
	panicMsg string
	stdin    *os.File
}

func (m *brokenMaster) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.first != "" {
		n := copy(p, m.first)
		m.first = ""
		return n, nil
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	return 0, m.err
}

func (m *brokenMaster) Write(p []byte) (int, error) { return m.stdin.Write(p) }
func (m *brokenMaster) Close() error                { return m.stdin.Close() }

type brokenRunner struct{ master *brokenMaster }

func (r *brokenRunner) Start(cmd *exec.Cmd, _ Size) (io.ReadWriteCloser, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdin = inR
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	inR.Close()
	r.master.stdin = inW
	return r.master, nil
}

func (r *brokenRunner) Resize(io.ReadWriteCloser, Size) error { return nil }

// awaitReaderLost returns the output seen before ReaderLost, the event
// itself, and how many PtyOutput events arrived after it.
func awaitReaderLost(t *testing.T, em *event.Emitter) (string, event.ReaderLost, int) {
	t.Helper()
	var (
		buf   bytes.Buffer
		lost  *event.ReaderLost
		after int
	)
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-em.Events():
			switch e := ev.(type) {
			case event.PtyOutput:
				if lost != nil {
					after++
				}
				buf.Write(e.Data)
			case event.ReaderLost:
				lost = &e
			}
		case <-time.After(200 * time.Millisecond):
			if lost != nil {
				return buf.String(), *lost, after
			}
		case <-deadline:
			t.Fatal("timed out waiting for ReaderLost")
		}
	}
}

func TestSession_ReaderFailureIsReported(t *testing.T) {
	em := event.NewEmitter(16)
	boom := errors.New("boom")
	r := &brokenRunner{master: &brokenMaster{first: "partial", err: boom}}
	s, err := Spawn(context.Background(), r, helperCmd("sleep"), Size{Rows: 5, Cols: 20}, em, nil)
	require.NoError(t, err)
	defer s.Close(time.Second)

	out, lost, after := awaitReaderLost(t, em)
	assert.Equal(t, "partial", out)
	assert.Equal(t, "pty", lost.Source)
	assert.ErrorIs(t, lost.Err, boom)
	assert.Zero(t, after)
	_, exited := s.ExitCode()
	assert.False(t, exited, "child is still running")
}

func TestSession_ReaderPanicIsReported(t *testing.T) {
	em := event.NewEmitter(16)
	r := &brokenRunner{master: &brokenMaster{panicMsg: "bad read"}}
	s, err := Spawn(context.Background(), r, helperCmd("sleep"), Size{Rows: 5, Cols: 20}, em, nil)
	require.NoError(t, err)
	defer s.Close(time.Second)

	_, lost, after := awaitReaderLost(t, em)
	assert.Equal(t, "pty", lost.Source)
	assert.ErrorContains(t, lost.Err, "bad read")
	assert.Zero(t, after)
}

func TestSession_SpawnFailure(t *testing.T) {
	em := event.NewEmitter(1)
	_, err := Spawn(context.Background(), &pipeRunner{}, exec.Command("/nonexistent/hudmux-shell"), Size{Rows: 1, Cols: 1}, em, nil)
	require.Error(t, err)
}

func TestCreackPTY_ChildSeesSize(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx on this host")
	}
	em := event.NewEmitter(16)
	_, err := Spawn(context.Background(), CreackPTY{}, helperCmd("size"), Size{Rows: 18, Cols: 72}, em, nil)
	require.NoError(t, err)

	out, exits, _ := collect(t, em)
	assert.Contains(t, out, "18x72")
	require.Len(t, exits, 1)
	assert.Zero(t, exits[0].Code)
}
