// Package config loads the hudmux TOML configuration and turns it into the
// layout and widget specs the engine runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hudmux/internal/input"
	"hudmux/internal/layout"
	"hudmux/internal/widget"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	defaultInterval   = time.Second
	maxDefaultTimeout = 5 * time.Second
	defaultMaxFPS     = 30
)

// Config is the whole configuration file.
type Config struct {
	ShellCommand    Command `toml:"shell_command"`
	WorkDir         string  `toml:"work_dir"`
	QuitKey         string  `toml:"quit_key"`
	RedrawKey       string  `toml:"redraw_key"`
	ExitOnChildExit bool    `toml:"exit_on_child_exit"`
	MaxFPS          int     `toml:"max_fps"`

	Grid    GridConfig     `toml:"grid"`
	Regions []RegionConfig `toml:"region"`
	Widgets []WidgetConfig `toml:"widget"`
}

// GridConfig pins the display size. Zero means "use the terminal size".
type GridConfig struct {
	Rows int `toml:"rows"`
	Cols int `toml:"cols"`
}

// RegionConfig is one [[region]] table. Height or width 0 stretches to the
// grid edge.
type RegionConfig struct {
	ID     string `toml:"id"`
	Source string `toml:"source"`
	Row    int    `toml:"row"`
	Col    int    `toml:"col"`
	Height int    `toml:"height"`
	Width  int    `toml:"width"`
}

// WidgetConfig is one [[widget]] table. interval_ms/timeout_ms take
// precedence over period/timeout.
type WidgetConfig struct {
	ID         string   `toml:"id"`
	Command    string   `toml:"command"`
	Arguments  []string `toml:"arguments"`
	Dir        string   `toml:"dir"`
	IntervalMS int      `toml:"interval_ms"`
	TimeoutMS  int      `toml:"timeout_ms"`
	Period     Duration `toml:"period"`
	Timeout    Duration `toml:"timeout"`
	Region     string   `toml:"region"`
}

// Command is a program and its arguments. In TOML it is either an array of
// strings or a single string split on whitespace.
type Command []string

// UnmarshalTOML implements toml.Unmarshaler.
func (c *Command) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		*c = strings.Fields(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("shell_command: element %v is not a string", e)
			}
			out = append(out, s)
		}
		*c = out
	default:
		return fmt.Errorf("shell_command: want string or array, got %T", v)
	}
	return nil
}

// DefaultConfig returns a configuration with no widgets and one interactive
// region covering the whole terminal.
func DefaultConfig() *Config {
	return &Config{
		QuitKey: "ctrl-c",
		MaxFPS:  defaultMaxFPS,
	}
}

// Shell returns the interactive command: shell_command, else $SHELL, else
// /bin/sh.
func (c *Config) Shell() (name string, args []string) {
	cmd := c.ShellCommand
	if len(cmd) == 0 {
		if sh := os.Getenv("SHELL"); sh != "" {
			cmd = Command{sh}
		} else {
			cmd = Command{"/bin/sh"}
		}
	}
	return cmd[0], cmd[1:]
}

// Dir returns work_dir with a leading ~ expanded.
func (c *Config) Dir() string {
	return expandHome(c.WorkDir)
}

// QuitByte returns the parsed quit key.
func (c *Config) QuitByte() (byte, error) {
	b, err := input.ParseControlKey(c.QuitKey)
	if err != nil {
		return 0, fmt.Errorf("%w: quit_key: %v", ErrInvalid, err)
	}
	if b == 0 {
		return 0, fmt.Errorf("%w: quit_key cannot be disabled", ErrInvalid)
	}
	return b, nil
}

// RedrawByte returns the parsed redraw key, zero if unset.
func (c *Config) RedrawByte() (byte, error) {
	b, err := input.ParseControlKey(c.RedrawKey)
	if err != nil {
		return 0, fmt.Errorf("%w: redraw_key: %v", ErrInvalid, err)
	}
	return b, nil
}

// LayoutSpecs returns the configured regions. With no [[region]] tables the
// interactive region fills the grid.
func (c *Config) LayoutSpecs() ([]layout.Spec, error) {
	if len(c.Regions) == 0 {
		return []layout.Spec{{ID: "main", Source: layout.Interactive()}}, nil
	}
	specs := make([]layout.Spec, 0, len(c.Regions))
	for i, r := range c.Regions {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: region %d has no id", ErrInvalid, i)
		}
		src, err := layout.ParseSource(r.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: region %q: %v", ErrInvalid, r.ID, err)
		}
		if r.Height < 0 || r.Width < 0 {
			return nil, fmt.Errorf("%w: region %q: negative size", ErrInvalid, r.ID)
		}
		specs = append(specs, layout.Spec{ID: r.ID, Row: r.Row, Col: r.Col, Height: r.Height, Width: r.Width, Source: src})
	}
	return specs, nil
}

// Layout resolves the regions for a terminal of rows x cols. A pinned grid
// is used instead of the terminal size, and must fit inside the terminal.
func (c *Config) Layout(rows, cols int) (layout.Layout, error) {
	specs, err := c.LayoutSpecs()
	if err != nil {
		return layout.Layout{}, err
	}
	if c.Grid.Rows > 0 && c.Grid.Cols > 0 {
		if rows < c.Grid.Rows || cols < c.Grid.Cols {
			return layout.Layout{}, &layout.Error{Err: fmt.Errorf("%w: terminal %dx%d is smaller than grid %dx%d",
				layout.ErrOutOfBounds, rows, cols, c.Grid.Rows, c.Grid.Cols)}
		}
		rows, cols = c.Grid.Rows, c.Grid.Cols
	}
	return layout.Resolve(rows, cols, specs)
}

// WidgetSpecs returns the widgets with defaults applied.
func (c *Config) WidgetSpecs() []widget.Spec {
	specs := make([]widget.Spec, 0, len(c.Widgets))
	for _, w := range c.Widgets {
		interval := w.Period.Duration
		if w.IntervalMS > 0 {
			interval = time.Duration(w.IntervalMS) * time.Millisecond
		}
		if interval <= 0 {
			interval = defaultInterval
		}
		timeout := w.Timeout.Duration
		if w.TimeoutMS > 0 {
			timeout = time.Duration(w.TimeoutMS) * time.Millisecond
		}
		if timeout <= 0 {
			timeout = min(interval, maxDefaultTimeout)
		}
		specs = append(specs, widget.Spec{
			ID:       w.ID,
			Command:  w.Command,
			Args:     w.Arguments,
			Dir:      expandHome(w.Dir),
			Interval: interval,
			Timeout:  timeout,
			RegionID: c.widgetRegion(w),
		})
	}
	return specs
}

// widgetRegion returns the region bound to w: its explicit region, else the
// region whose source names it.
func (c *Config) widgetRegion(w WidgetConfig) string {
	if w.Region != "" {
		return w.Region
	}
	for _, r := range c.Regions {
		if src, err := layout.ParseSource(r.Source); err == nil && src.Kind == layout.SourceWidget && src.WidgetID == w.ID {
			return r.ID
		}
	}
	return ""
}

// Validate checks everything that can be checked without a terminal. With a
// pinned grid that includes the full layout.
func (c *Config) Validate() error {
	if _, err := c.QuitByte(); err != nil {
		return err
	}
	if _, err := c.RedrawByte(); err != nil {
		return err
	}
	if c.MaxFPS < 0 {
		return fmt.Errorf("%w: max_fps must not be negative", ErrInvalid)
	}
	specs, err := c.LayoutSpecs()
	if err != nil {
		return err
	}
	regions := make(map[string]layout.Source, len(specs))
	for _, s := range specs {
		regions[s.ID] = s.Source
	}

	seen := make(map[string]bool, len(c.Widgets))
	for i, w := range c.Widgets {
		switch {
		case w.ID == "":
			return fmt.Errorf("%w: widget %d has no id", ErrInvalid, i)
		case seen[w.ID]:
			return fmt.Errorf("%w: duplicate widget id %q", ErrInvalid, w.ID)
		case w.Command == "":
			return fmt.Errorf("%w: widget %q has no command", ErrInvalid, w.ID)
		case w.IntervalMS < 0 || w.TimeoutMS < 0:
			return fmt.Errorf("%w: widget %q: negative interval or timeout", ErrInvalid, w.ID)
		}
		seen[w.ID] = true
		if w.Region != "" {
			src, ok := regions[w.Region]
			if !ok {
				return fmt.Errorf("%w: widget %q: unknown region %q", ErrInvalid, w.ID, w.Region)
			}
			if src.Kind != layout.SourceWidget || src.WidgetID != w.ID {
				return fmt.Errorf("%w: widget %q: region %q is bound to %s", ErrInvalid, w.ID, w.Region, src)
			}
		}
	}
	for _, s := range specs {
		if s.Source.Kind == layout.SourceWidget && !seen[s.Source.WidgetID] {
			return fmt.Errorf("%w: region %q: no widget %q", ErrInvalid, s.ID, s.Source.WidgetID)
		}
	}

	if c.Grid.Rows > 0 && c.Grid.Cols > 0 {
		if _, err := layout.Resolve(c.Grid.Rows, c.Grid.Cols, specs); err != nil {
			return err
		}
	} else if c.Grid.Rows != 0 || c.Grid.Cols != 0 {
		return fmt.Errorf("%w: grid needs both rows and cols", ErrInvalid)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}
