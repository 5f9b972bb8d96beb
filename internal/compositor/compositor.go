// Package compositor is the only writer of the physical terminal.
//
// A single goroutine consumes the merged event channel in arrival order,
// applies each event to the in-memory frame, and after draining whatever is
// pending writes one diff of the frame against what was last written.
package compositor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/time/rate"

	"hudmux/internal/event"
	"hudmux/internal/grid"
	"hudmux/internal/layout"
	"hudmux/internal/vt"
	"hudmux/internal/widget"
)

// Reason says why Run returned.
type Reason int

const (
	ReasonCanceled Reason = iota
	ReasonQuit
	ReasonChildExit
	ReasonLayout
	ReasonInputLost
	ReasonReaderLost
	ReasonWriteFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonCanceled:
		return "canceled"
	case ReasonQuit:
		return "quit"
	case ReasonChildExit:
		return "child exit"
	case ReasonLayout:
		return "layout"
	case ReasonInputLost:
		return "input lost"
	case ReasonReaderLost:
		return "reader lost"
	case ReasonWriteFailed:
		return "write failed"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Result is the outcome of Run.
type Result struct {
	Reason Reason

	// ChildExit is the interactive child's exit code, if it exited.
	ChildExit   int
	ChildExited bool
	Err         error
}

// Resizer receives the interactive region's size. pty.Session implements it.
type Resizer interface {
	Resize(rows, cols int) error
}

// Observer receives render measurements. metrics.Metrics implements it.
type Observer interface {
	ObserveEvent(kind string)
	ObserveRender(cells, bytes int, d time.Duration)
}

// Config wires a Compositor.
type Config struct {
	Layout layout.Layout
	Out    io.Writer

	// Session, when set, is resized to the interactive region after every
	// relayout.
	Session Resizer

	// Relayout recomputes the layout for a new terminal size.
	Relayout func(rows, cols int) (layout.Layout, error)

	// OnLayout is called after a new layout has been applied.
	OnLayout func(layout.Layout)

	QuitKeyName     string
	ExitOnChildExit bool

	// MaxFPS caps render passes per second; zero disables pacing.
	MaxFPS   int
	Logger   *slog.Logger
	Observer Observer
}

type widgetView struct {
	region layout.Region
	screen *vt.Screen
	state  widget.State
	seen   bool
}

// Compositor owns the frame and the physical terminal's output.
type Compositor struct {
	cfg    Config
	logger *slog.Logger

	layout      layout.Layout
	frame       *grid.Grid
	prev        *grid.Grid
	enc         grid.Encoder
	buf         bytes.Buffer
	lastCursor  grid.Cursor
	needClear   bool
	interactive *vt.Screen
	widgets     map[string]*widgetView

	childExited bool
	childCode   int

	limiter   *rate.Limiter
	bannerSty lipgloss.Style
	markerSty grid.Style
}

// New returns a compositor for cfg.Layout. The layout must already be valid.
func New(cfg Config) *Compositor {
	c := &Compositor{
		cfg:     cfg,
		logger:  cfg.Logger,
		widgets: make(map[string]*widgetView),
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.QuitKeyName == "" {
		c.cfg.QuitKeyName = "^C"
	}
	if cfg.MaxFPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFPS), 1)
	}
	// The banner is rendered into cells, not to a terminal, so the profile
	// is fixed rather than detected from the environment.
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.ANSI)
	c.bannerSty = r.NewStyle().Reverse(true).Bold(true)
	c.markerSty = grid.Style{Fg: grid.Indexed(1), Attrs: grid.AttrBold | grid.AttrReverse}

	c.applyLayout(cfg.Layout)
	return c
}

// Layout returns the layout currently applied.
func (c *Compositor) Layout() layout.Layout { return c.layout }

// Frame returns the current composed frame. Tests only.
func (c *Compositor) Frame() *grid.Grid {
	c.compose()
	return c.frame
}

// Begin switches the terminal to the alternate screen and clears it. The
// first Render after Begin paints the whole frame.
func (c *Compositor) Begin() error {
	_, err := io.WriteString(c.cfg.Out, "\x1b[?1049h\x1b[?25l\x1b[0m\x1b[2J\x1b[H")
	c.enc.Reset()
	c.prev = nil
	return err
}

// Finish restores the normal screen and a visible cursor.
func (c *Compositor) Finish() error {
	_, err := io.WriteString(c.cfg.Out, "\x1b[0m\x1b[?25h\x1b[?1049l")
	return err
}

// Run consumes events until one of them ends the session or ctx is done.
// Events pending at the same time are applied together and rendered once.
func (c *Compositor) Run(ctx context.Context, events <-chan event.Event) Result {
	if _, err := c.Render(); err != nil {
		return Result{Reason: ReasonWriteFailed, Err: err}
	}
	for {
		select {
		case <-ctx.Done():
			return c.result(ReasonCanceled, ctx.Err())
		case ev := <-events:
			if res, done := c.Apply(ev); done {
				c.Render()
				return res
			}
		}

	drain:
		for {
			select {
			case ev := <-events:
				if res, done := c.Apply(ev); done {
					c.Render()
					return res
				}
			default:
				break drain
			}
		}

		if res, done := c.pace(ctx, events); done {
			c.Render()
			return res
		}
		if _, err := c.Render(); err != nil {
			c.logger.Error("terminal write failed", "err", err)
			return c.result(ReasonWriteFailed, err)
		}
	}
}

// pace waits out the frame budget, applying events that arrive meanwhile.
func (c *Compositor) pace(ctx context.Context, events <-chan event.Event) (Result, bool) {
	if c.limiter == nil {
		return Result{}, false
	}
	d := c.limiter.Reserve().Delay()
	if d <= 0 {
		return Result{}, false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.result(ReasonCanceled, ctx.Err()), true
		case ev := <-events:
			if res, done := c.Apply(ev); done {
				return res, true
			}
		case <-timer.C:
			return Result{}, false
		}
	}
}

func (c *Compositor) result(r Reason, err error) Result {
	return Result{Reason: r, ChildExit: c.childCode, ChildExited: c.childExited, Err: err}
}

// Apply updates the frame state for one event. done reports that the
// session should end.
func (c *Compositor) Apply(ev event.Event) (res Result, done bool) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveEvent(event.Kind(ev))
	}
	switch e := ev.(type) {
	case event.PtyOutput:
		if !c.childExited {
			c.interactive.Write(e.Data)
		}
	case event.PtyExited:
		c.childExited = true
		c.childCode = e.Code
		c.logger.Info("interactive child exited", "code", e.Code)
		if c.cfg.ExitOnChildExit {
			return c.result(ReasonChildExit, nil), true
		}
	case event.WidgetUpdated:
		v, ok := c.widgets[e.State.ID]
		if !ok {
			return Result{}, false
		}
		v.state = e.State
		v.seen = true
		c.paintWidget(v)
	case event.Resize:
		return c.resize(e.Rows, e.Cols)
	case event.ControlSignal:
		switch e.Kind {
		case event.ControlQuit:
			if c.childExited {
				return c.result(ReasonQuit, nil), true
			}
		case event.ControlRedraw:
			c.ForceRedraw()
		}
	case event.ReaderLost:
		c.logger.Error("reader lost", "source", e.Source, "err", e.Err)
		reason := ReasonReaderLost
		if e.Source == "input" {
			reason = ReasonInputLost
		}
		return c.result(reason, fmt.Errorf("%s reader: %w", e.Source, e.Err)), true
	case event.KeyInput:
		// Keys go straight to the session; nothing to draw.
	}
	return Result{}, false
}

// ForceRedraw makes the next Render clear the screen and repaint everything.
func (c *Compositor) ForceRedraw() {
	c.prev = nil
	c.needClear = true
}

func (c *Compositor) resize(rows, cols int) (Result, bool) {
	if rows == c.layout.Rows && cols == c.layout.Cols {
		return Result{}, false
	}
	if c.cfg.Relayout == nil {
		return Result{}, false
	}
	l, err := c.cfg.Relayout(rows, cols)
	if err != nil {
		c.logger.Error("layout does not fit terminal", "rows", rows, "cols", cols, "err", err)
		return c.result(ReasonLayout, err), true
	}
	c.applyLayout(l)
	c.ForceRedraw()
	return Result{}, false
}

func (c *Compositor) applyLayout(l layout.Layout) {
	c.layout = l
	if c.frame == nil {
		c.frame = grid.New(l.Rows, l.Cols)
	} else {
		c.frame.Resize(l.Rows, l.Cols)
	}

	inter := l.Interactive().Rect
	if c.interactive == nil {
		c.interactive = vt.NewScreen(inter.Height, inter.Width, vt.ModeScroll)
	} else {
		c.interactive.Resize(inter.Height, inter.Width)
	}

	for _, r := range l.Regions {
		if r.Source.Kind != layout.SourceWidget {
			continue
		}
		v, ok := c.widgets[r.Source.WidgetID]
		if !ok {
			v = &widgetView{screen: vt.NewScreen(r.Rect.Height, r.Rect.Width, vt.ModeFixed)}
			c.widgets[r.Source.WidgetID] = v
		} else {
			v.screen.Resize(r.Rect.Height, r.Rect.Width)
		}
		v.region = r
		c.paintWidget(v)
	}

	if c.cfg.Session != nil && !c.childExited {
		if err := c.cfg.Session.Resize(inter.Height, inter.Width); err != nil {
			c.logger.Warn("resize session", "err", err)
		}
	}
	if c.cfg.OnLayout != nil {
		c.cfg.OnLayout(l)
	}
	c.logger.Debug("layout applied", "rows", l.Rows, "cols", l.Cols, "interactive", inter.String())
}

// paintWidget redraws a widget's screen from its latest state.
func (c *Compositor) paintWidget(v *widgetView) {
	s := v.screen
	s.Reset()
	if !v.seen {
		return
	}
	s.WriteString(strings.Join(v.state.Lines, "\r\n"))
}

// compose paints every region into the frame.
func (c *Compositor) compose() {
	c.frame.Reset()
	for _, r := range c.layout.Regions {
		switch r.Source.Kind {
		case layout.SourceInteractive:
			c.frame.Paint(r.Rect.Row, r.Rect.Col, c.interactive.Grid())
			if c.childExited {
				c.paintBanner(r.Rect)
			}
		case layout.SourceWidget:
			v := c.widgets[r.Source.WidgetID]
			if v == nil {
				continue
			}
			c.frame.Paint(r.Rect.Row, r.Rect.Col, v.screen.Grid())
			if v.seen && v.state.Status.Kind == widget.StatusFailed {
				c.frame.Set(r.Rect.Row, r.Rect.Col+r.Rect.Width-1, grid.Cell{Rune: '!', Width: 1, Style: c.markerSty})
			}
		}
	}
}

// paintBanner overlays the exit notice on the interactive region's last row.
func (c *Compositor) paintBanner(rect layout.Rect) {
	text := fmt.Sprintf(" exited (%d) - press %s to quit ", c.childCode, c.cfg.QuitKeyName)
	rendered := c.bannerSty.Render(text)
	line := vt.NewScreen(1, rect.Width, vt.ModeFixed)
	line.WriteString(rendered)
	c.frame.Paint(rect.Row+rect.Height-1, rect.Col, line.Grid())
}

func (c *Compositor) cursor() grid.Cursor {
	if c.childExited {
		return grid.Cursor{}
	}
	rect := c.layout.Interactive().Rect
	row, col, visible := c.interactive.Cursor()
	return grid.Cursor{Row: rect.Row + row, Col: rect.Col + col, Visible: visible}
}

// Render writes the difference between the composed frame and the last
// written frame as a single Write. It writes nothing when neither cells nor
// cursor changed, and returns the number of bytes written.
func (c *Compositor) Render() (int, error) {
	start := time.Now()
	c.compose()
	runs := grid.Diff(c.prev, c.frame)
	cur := c.cursor()
	if len(runs) == 0 && cur == c.lastCursor && !c.needClear {
		return 0, nil
	}

	c.buf.Reset()
	if c.needClear {
		c.enc.Clear(&c.buf)
		c.needClear = false
	}
	c.enc.Encode(&c.buf, runs, cur)
	n, err := c.cfg.Out.Write(c.buf.Bytes())
	if err != nil {
		return n, fmt.Errorf("write frame: %w", err)
	}

	if c.prev == nil {
		c.prev = c.frame.Clone()
	} else {
		c.prev.CopyFrom(c.frame)
	}
	c.lastCursor = cur
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveRender(grid.CellCount(runs), n, time.Since(start))
	}
	return n, nil
}
