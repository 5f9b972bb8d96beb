package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hudmux/internal/layout"
)

const hudConfig = `
shell_command = ["/bin/bash", "--norc"]
quit_key = "ctrl-q"
redraw_key = "^L"
max_fps = 60

[grid]
rows = 19
cols = 72

[[region]]
id = "clock"
source = "widget:clock"
row = 0
col = 0
height = 1
width = 36

[[region]]
id = "load"
source = "widget:load"
row = 0
col = 36
height = 1

[[region]]
id = "main"
source = "interactive"
row = 1

[[widget]]
id = "clock"
command = "date"
arguments = ["+%H:%M:%S"]
interval_ms = 1000

[[widget]]
id = "load"
command = "cat"
arguments = ["/proc/loadavg"]
period = "10s"
timeout = "2"
region = "load"
`

func TestLoadFromReader_Full(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(hudConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	name, args := cfg.Shell()
	assert.Equal(t, "/bin/bash", name)
	assert.Equal(t, []string{"--norc"}, args)

	quit, err := cfg.QuitByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), quit)
	redraw, err := cfg.RedrawByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x0c), redraw)

	specs := cfg.WidgetSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "clock", specs[0].RegionID)
	assert.Equal(t, time.Second, specs[0].Interval)
	assert.Equal(t, time.Second, specs[0].Timeout, "timeout defaults to the interval")
	assert.Equal(t, 10*time.Second, specs[1].Interval)
	assert.Equal(t, 2*time.Second, specs[1].Timeout)

	l, err := cfg.Layout(40, 120)
	require.NoError(t, err)
	assert.Equal(t, 19, l.Rows, "pinned grid wins over the terminal size")
	main := l.Interactive()
	assert.Equal(t, layout.Rect{Row: 1, Col: 0, Height: 18, Width: 72}, main.Rect)
	load, ok := l.ForWidget("load")
	require.True(t, ok)
	assert.Equal(t, 36, load.Rect.Width)
}

func TestLoadFromReader_ShellCommandString(t *testing.T) {
	t.Setenv("HUDMUX_SHELL", "")
	cfg, err := LoadFromReader(strings.NewReader(`shell_command = "zsh -l"`))
	require.NoError(t, err)
	name, args := cfg.Shell()
	assert.Equal(t, "zsh", name)
	assert.Equal(t, []string{"-l"}, args)
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Setenv("SHELL", "/bin/fish")
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	name, args := cfg.Shell()
	assert.Equal(t, "/bin/fish", name)
	assert.Empty(t, args)
	assert.Equal(t, defaultMaxFPS, cfg.MaxFPS)

	l, err := cfg.Layout(24, 80)
	require.NoError(t, err)
	assert.Equal(t, layout.Rect{Height: 24, Width: 80}, l.Interactive().Rect)
}

func TestLoadFromReader_UnknownKey(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("quit_kye = \"ctrl-q\"\n"))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "quit_kye")
}

func TestLoadFromReader_EnvOverride(t *testing.T) {
	t.Setenv("HUDMUX_QUIT_KEY", "ctrl-x")
	cfg, err := LoadFromReader(strings.NewReader(`quit_key = "ctrl-q"`))
	require.NoError(t, err)
	assert.Equal(t, "ctrl-x", cfg.QuitKey)
}

func TestWidgetSpecs_TimeoutCappedByDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Widgets = []WidgetConfig{
		{ID: "slow", Command: "true", Period: Duration{time.Minute}},
		{ID: "dflt", Command: "true"},
	}
	specs := cfg.WidgetSpecs()
	assert.Equal(t, 5*time.Second, specs[0].Timeout)
	assert.Equal(t, time.Second, specs[1].Interval)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFromReader(strings.NewReader(hudConfig))
		require.NoError(t, err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{"bad quit key", func(c *Config) { c.QuitKey = "ctrl-??" }, ErrInvalid},
		{"quit key disabled", func(c *Config) { c.QuitKey = "none" }, ErrInvalid},
		{"duplicate widget", func(c *Config) { c.Widgets[1].ID = "clock" }, ErrInvalid},
		{"widget without command", func(c *Config) { c.Widgets[0].Command = "" }, ErrInvalid},
		{"region names missing widget", func(c *Config) { c.Regions[0].Source = "widget:nope" }, ErrInvalid},
		{"bad source", func(c *Config) { c.Regions[0].Source = "shell" }, ErrInvalid},
		{"widget bound to wrong region", func(c *Config) { c.Widgets[1].Region = "clock" }, ErrInvalid},
		{"overlap", func(c *Config) { c.Regions[1].Col = 0; c.Regions[1].Width = 40 }, layout.ErrOverlap},
		{"out of bounds", func(c *Config) { c.Regions[0].Width = 80 }, layout.ErrOutOfBounds},
		{"two interactive", func(c *Config) { c.Regions[0].Source = "interactive" }, layout.ErrInteractiveCount},
		{"half a grid", func(c *Config) { c.Grid.Cols = 0 }, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.target)
		})
	}
}

func TestLayout_TerminalSmallerThanGrid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(hudConfig))
	require.NoError(t, err)
	_, err = cfg.Layout(10, 72)
	assert.ErrorIs(t, err, layout.ErrOutOfBounds)
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"1h", time.Hour, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Duration)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(hudConfig), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Widgets, 2)

	_, err = LoadFromFile(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_SearchPaths(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Empty(t, cfg.Widgets)

	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "hudmux"), 0o755))
	want := filepath.Join(xdg, "hudmux", "config.toml")
	require.NoError(t, os.WriteFile(want, []byte(hudConfig), 0o644))
	cfg, path, err = Load()
	require.NoError(t, err)
	assert.Equal(t, want, path)
	assert.Len(t, cfg.Widgets, 2)
}
