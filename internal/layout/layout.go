// Package layout maps configured regions onto the display grid and checks
// that they fit without overlapping.
package layout

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrOutOfBounds      = errors.New("region out of bounds")
	ErrOverlap          = errors.New("regions overlap")
	ErrInteractiveCount = errors.New("exactly one interactive region is required")
	ErrEmptyRegion      = errors.New("region has no area")
	ErrDuplicateID      = errors.New("duplicate region id")
	ErrGridSize         = errors.New("grid has no area")
)

// Error wraps one of the sentinel errors with the regions involved.
type Error struct {
	Err     error
	Regions []string
}

func (e *Error) Error() string {
	if len(e.Regions) == 0 {
		return "layout: " + e.Err.Error()
	}
	return fmt.Sprintf("layout: %s: %s", e.Err, strings.Join(e.Regions, ", "))
}

func (e *Error) Unwrap() error { return e.Err }

// SourceKind says what fills a region.
type SourceKind int

const (
	SourceInteractive SourceKind = iota
	SourceWidget
)

// Source binds a region to its content producer.
type Source struct {
	Kind     SourceKind
	WidgetID string
}

// Interactive is the source bound to the PTY session.
func Interactive() Source { return Source{Kind: SourceInteractive} }

// Widget is the source bound to the named widget.
func Widget(id string) Source { return Source{Kind: SourceWidget, WidgetID: id} }

func (s Source) String() string {
	if s.Kind == SourceInteractive {
		return "interactive"
	}
	return "widget:" + s.WidgetID
}

// ParseSource accepts "interactive" or "widget:<id>".
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	if s == "interactive" {
		return Interactive(), nil
	}
	if id, ok := strings.CutPrefix(s, "widget:"); ok && id != "" {
		return Widget(id), nil
	}
	return Source{}, fmt.Errorf("invalid region source %q (want \"interactive\" or \"widget:<id>\")", s)
}

// Rect is a rectangle in grid coordinates.
type Rect struct {
	Row    int
	Col    int
	Height int
	Width  int
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Height <= 0 || r.Width <= 0 }

// Overlaps reports whether r and o share at least one cell.
func (r Rect) Overlaps(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Row < o.Row+o.Height && o.Row < r.Row+r.Height &&
		r.Col < o.Col+o.Width && o.Col < r.Col+r.Width
}

// Within reports whether r lies entirely inside a rows x cols grid.
func (r Rect) Within(rows, cols int) bool {
	return r.Row >= 0 && r.Col >= 0 && r.Row+r.Height <= rows && r.Col+r.Width <= cols
}

func (r Rect) String() string {
	return fmt.Sprintf("{%d,%d,%d,%d}", r.Row, r.Col, r.Height, r.Width)
}

// Region is a resolved rectangle bound to one source.
type Region struct {
	ID     string
	Rect   Rect
	Source Source
}

// Spec is a region as configured. A Height or Width of zero stretches the
// region to the bottom or right edge of the grid.
type Spec struct {
	ID     string
	Row    int
	Col    int
	Height int
	Width  int
	Source Source
}

// Layout is a validated set of regions for one grid size.
type Layout struct {
	Rows    int
	Cols    int
	Regions []Region
}

// Interactive returns the single interactive region.
func (l Layout) Interactive() Region {
	for _, r := range l.Regions {
		if r.Source.Kind == SourceInteractive {
			return r
		}
	}
	return Region{}
}

// Region looks up a region by id.
func (l Layout) Region(id string) (Region, bool) {
	for _, r := range l.Regions {
		if r.ID == id {
			return r, true
		}
	}
	return Region{}, false
}

// ForWidget returns the region bound to a widget id.
func (l Layout) ForWidget(widgetID string) (Region, bool) {
	for _, r := range l.Regions {
		if r.Source.Kind == SourceWidget && r.Source.WidgetID == widgetID {
			return r, true
		}
	}
	return Region{}, false
}

// Resolve turns specs into regions for a rows x cols grid and validates the
// result. It is called at startup and again on every terminal resize.
func Resolve(rows, cols int, specs []Spec) (Layout, error) {
	regions := make([]Region, 0, len(specs))
	for _, s := range specs {
		rect := Rect{Row: s.Row, Col: s.Col, Height: s.Height, Width: s.Width}
		if rect.Height == 0 {
			rect.Height = rows - s.Row
		}
		if rect.Width == 0 {
			rect.Width = cols - s.Col
		}
		regions = append(regions, Region{ID: s.ID, Rect: rect, Source: s.Source})
	}
	if err := Validate(rows, cols, regions); err != nil {
		return Layout{}, err
	}
	return Layout{Rows: rows, Cols: cols, Regions: regions}, nil
}

// Validate checks that regions are uniquely named, non-empty, inside the
// grid, pairwise disjoint, and that exactly one is interactive.
func Validate(rows, cols int, regions []Region) error {
	if rows <= 0 || cols <= 0 {
		return &Error{Err: ErrGridSize}
	}

	seen := make(map[string]bool, len(regions))
	var interactive []string
	for _, r := range regions {
		if seen[r.ID] {
			return &Error{Err: ErrDuplicateID, Regions: []string{r.ID}}
		}
		seen[r.ID] = true
		if r.Rect.Empty() {
			return &Error{Err: ErrEmptyRegion, Regions: []string{r.ID}}
		}
		if !r.Rect.Within(rows, cols) {
			return &Error{Err: fmt.Errorf("%w: %s %s exceeds %dx%d grid", ErrOutOfBounds, r.ID, r.Rect, rows, cols), Regions: []string{r.ID}}
		}
		if r.Source.Kind == SourceInteractive {
			interactive = append(interactive, r.ID)
		}
	}
	if len(interactive) != 1 {
		sort.Strings(interactive)
		return &Error{Err: ErrInteractiveCount, Regions: interactive}
	}

	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].Rect.Overlaps(regions[j].Rect) {
				return &Error{Err: ErrOverlap, Regions: []string{regions[i].ID, regions[j].ID}}
			}
		}
	}
	return nil
}
