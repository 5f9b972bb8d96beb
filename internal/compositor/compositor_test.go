package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hudmux/internal/event"
	"hudmux/internal/layout"
	"hudmux/internal/vt"
	"hudmux/internal/widget"
)

type countingWriter struct {
	mu     sync.Mutex
	writes int
	buf    bytes.Buffer
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	return w.buf.Write(p)
}

func (w *countingWriter) take() (int, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, s := w.writes, w.buf.String()
	w.writes = 0
	w.buf.Reset()
	return n, s
}

type fakeSession struct {
	sizes [][2]int
}

func (s *fakeSession) Resize(rows, cols int) error {
	s.sizes = append(s.sizes, [2]int{rows, cols})
	return nil
}

func hudSpecs() []layout.Spec {
	return []layout.Spec{
		{ID: "clock", Row: 0, Col: 0, Height: 1, Width: 36, Source: layout.Widget("clock")},
		{ID: "load", Row: 0, Col: 36, Height: 1, Width: 0, Source: layout.Widget("load")},
		{ID: "main", Row: 1, Col: 0, Source: layout.Interactive()},
	}
}

func newTestCompositor(t *testing.T) (*Compositor, *countingWriter, *fakeSession) {
	t.Helper()
	l, err := layout.Resolve(19, 72, hudSpecs())
	require.NoError(t, err)
	out := &countingWriter{}
	sess := &fakeSession{}
	c := New(Config{
		Layout:  l,
		Out:     out,
		Session: sess,
		Relayout: func(rows, cols int) (layout.Layout, error) {
			return layout.Resolve(rows, cols, hudSpecs())
		},
	})
	return c, out, sess
}

func row(c *Compositor, r int) string {
	return strings.Split(c.Frame().String(), "\n")[r]
}

func TestNew_ResizesSessionToInteractiveRegion(t *testing.T) {
	_, _, sess := newTestCompositor(t)
	assert.Equal(t, [][2]int{{18, 72}}, sess.sizes)
}

func TestRender_UnchangedFrameWritesNothing(t *testing.T) {
	c, out, _ := newTestCompositor(t)
	_, err := c.Render()
	require.NoError(t, err)
	writes, _ := out.take()
	assert.Equal(t, 1, writes)

	n, err := c.Render()
	require.NoError(t, err)
	assert.Zero(t, n)
	writes, _ = out.take()
	assert.Zero(t, writes)
}

func TestRender_OnlyChangedCells(t *testing.T) {
	c, out, _ := newTestCompositor(t)
	c.Apply(event.WidgetUpdated{State: widget.State{ID: "clock", Lines: []string{"12:00"}, Status: widget.Status{Kind: widget.StatusOk}}})
	c.Render()
	out.take()

	c.Apply(event.PtyOutput{Data: []byte("$ ")})
	_, err := c.Render()
	require.NoError(t, err)
	writes, s := out.take()
	assert.Equal(t, 1, writes, "one write per render pass")
	assert.Contains(t, s, "$")
	assert.NotContains(t, s, "12:00", "unchanged widget is not repainted")
	assert.Less(t, len(s), 64)
}

func TestApply_InteractiveOutputIsClipped(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	c.Apply(event.WidgetUpdated{State: widget.State{ID: "clock", Lines: []string{"clock"}, Status: widget.Status{Kind: widget.StatusOk}}})
	before := row(c, 0)

	// Cursor-up past the top, absolute moves, reverse index, and long lines.
	c.Apply(event.PtyOutput{Data: []byte("\x1b[99A\x1b[1;1HXX\x1bMYY\x1b[H\x1b[Lzz" + strings.Repeat("w", 200))})
	for i := 0; i < 40; i++ {
		c.Apply(event.PtyOutput{Data: []byte("line\r\n")})
	}
	assert.Equal(t, before, row(c, 0))
	assert.True(t, strings.HasPrefix(row(c, 0), "clock"))
}

func TestApply_WidgetFailureKeepsTextAndMarks(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	c.Apply(event.WidgetUpdated{State: widget.State{ID: "load", Lines: []string{"0.42"}, Status: widget.Status{Kind: widget.StatusOk}}})
	assert.Equal(t, "0.42", strings.TrimSpace(row(c, 0)))

	c.Apply(event.WidgetUpdated{State: widget.State{ID: "load", Lines: []string{"0.42"}, Status: widget.Failed("timeout")}})
	r := row(c, 0)
	assert.Contains(t, r, "0.42")
	assert.True(t, strings.HasSuffix(r, "!"))
}

func TestApply_UnknownWidgetIgnored(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	res, done := c.Apply(event.WidgetUpdated{State: widget.State{ID: "nope", Lines: []string{"x"}}})
	assert.False(t, done)
	assert.Equal(t, Result{}, res)
}

func TestApply_QuitOnlyAfterChildExit(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	_, done := c.Apply(event.ControlSignal{Kind: event.ControlQuit})
	assert.False(t, done, "quit key goes to the live child")

	_, done = c.Apply(event.PtyExited{Code: 3})
	assert.False(t, done)
	assert.Contains(t, row(c, 18), "exited (3)")

	res, done := c.Apply(event.ControlSignal{Kind: event.ControlQuit})
	require.True(t, done)
	assert.Equal(t, ReasonQuit, res.Reason)
	assert.True(t, res.ChildExited)
	assert.Equal(t, 3, res.ChildExit)
}

func TestApply_ExitOnChildExit(t *testing.T) {
	l, err := layout.Resolve(19, 72, hudSpecs())
	require.NoError(t, err)
	c := New(Config{Layout: l, Out: &countingWriter{}, ExitOnChildExit: true})
	res, done := c.Apply(event.PtyExited{Code: 0})
	require.True(t, done)
	assert.Equal(t, ReasonChildExit, res.Reason)
}

func TestApply_ResizeRelayoutsAndRedraws(t *testing.T) {
	c, out, sess := newTestCompositor(t)
	c.Render()
	out.take()

	_, done := c.Apply(event.Resize{Rows: 30, Cols: 100})
	require.False(t, done)
	assert.Equal(t, [2]int{29, 100}, sess.sizes[len(sess.sizes)-1])
	assert.Equal(t, 30, c.Frame().Rows())

	_, err := c.Render()
	require.NoError(t, err)
	_, s := out.take()
	assert.Contains(t, s, "\x1b[2J", "resize forces a full redraw")
}

func TestApply_ResizeThatDoesNotFitEndsSession(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	res, done := c.Apply(event.Resize{Rows: 5, Cols: 20})
	require.True(t, done)
	assert.Equal(t, ReasonLayout, res.Reason)
	assert.ErrorIs(t, res.Err, layout.ErrOutOfBounds)
}

func TestApply_ReaderLost(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	res, done := c.Apply(event.ReaderLost{Source: "input", Err: errors.New("eof")})
	require.True(t, done)
	assert.Equal(t, ReasonInputLost, res.Reason)

	res, done = c.Apply(event.ReaderLost{Source: "pty", Err: errors.New("boom")})
	require.True(t, done)
	assert.Equal(t, ReasonReaderLost, res.Reason)
}

func TestApply_RedrawClears(t *testing.T) {
	c, out, _ := newTestCompositor(t)
	c.Render()
	out.take()
	c.Apply(event.ControlSignal{Kind: event.ControlRedraw})
	c.Render()
	_, s := out.take()
	assert.Contains(t, s, "\x1b[2J")
}

// Events queued together are applied as one batch and rendered once.
func TestRun_BatchesPendingEvents(t *testing.T) {
	c, out, _ := newTestCompositor(t)
	events := make(chan event.Event, 8)
	events <- event.PtyOutput{Data: []byte("a")}
	events <- event.PtyOutput{Data: []byte("b")}
	events <- event.PtyExited{Code: 0}
	events <- event.ControlSignal{Kind: event.ControlQuit}

	res := c.Run(context.Background(), events)
	assert.Equal(t, ReasonQuit, res.Reason)
	writes, _ := out.take()
	assert.Equal(t, 2, writes, "initial frame plus one batched frame")
	assert.True(t, strings.HasPrefix(row(c, 1), "ab"))
}

func TestRun_CanceledContext(t *testing.T) {
	c, _, _ := newTestCompositor(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res := c.Run(ctx, make(chan event.Event))
	assert.Equal(t, ReasonCanceled, res.Reason)
}

func TestRun_PacesFrames(t *testing.T) {
	l, err := layout.Resolve(19, 72, hudSpecs())
	require.NoError(t, err)
	out := &countingWriter{}
	c := New(Config{Layout: l, Out: out, MaxFPS: 10})

	events := make(chan event.Event)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for i := 0; i < 20; i++ {
			events <- event.PtyOutput{Data: []byte("x")}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	c.Run(ctx, events)
	writes, _ := out.take()
	// 100ms of keystrokes at 10 fps: a handful of frames, never one per key.
	assert.Less(t, writes, 8)
	assert.Contains(t, row(c, 1), strings.Repeat("x", 20))
}

// Replaying everything written to the terminal through a terminal model must
// reproduce the frame; a wide rune left half-erased would push the widget
// text one column right.
func TestRender_WideRuneEditsStayInRegion(t *testing.T) {
	specs := []layout.Spec{
		{ID: "main", Row: 0, Col: 0, Height: 1, Width: 4, Source: layout.Interactive()},
		{ID: "tag", Row: 0, Col: 4, Height: 1, Width: 4, Source: layout.Widget("tag")},
	}
	for _, edit := range []string{"\x1b[1;2H\x1b[K", "\x1b[1;2H\x1b[X", "\x1b[1;2H\x1b[P", "\x1b[1;2H\x1b[@"} {
		t.Run(fmt.Sprintf("%q", edit), func(t *testing.T) {
			l, err := layout.Resolve(1, 8, specs)
			require.NoError(t, err)
			out := &countingWriter{}
			c := New(Config{Layout: l, Out: out})
			c.Apply(event.WidgetUpdated{State: widget.State{ID: "tag", Lines: []string{"WXYZ"}, Status: widget.Status{Kind: widget.StatusOk}}})
			c.Apply(event.PtyOutput{Data: []byte("中ab")})
			_, err = c.Render()
			require.NoError(t, err)
			c.Apply(event.PtyOutput{Data: []byte(edit)})
			_, err = c.Render()
			require.NoError(t, err)

			_, stream := out.take()
			term := vt.NewScreen(1, 8, vt.ModeFixed)
			term.WriteString(stream)
			assert.Equal(t, c.Frame().String(), term.Grid().String())
			assert.True(t, strings.HasSuffix(row(c, 0), "WXYZ"))
		})
	}
}
