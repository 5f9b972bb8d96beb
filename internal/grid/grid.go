// Package grid holds the fixed-size character buffer that mirrors the
// physical display. It is pure data; nothing here performs I/O.
package grid

// ColorKind distinguishes the terminal default color from palette and RGB.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota
	ColorIndexed
	ColorRGB
)

// Color is a foreground or background color.
type Color struct {
	Kind  ColorKind
	Value uint32 // palette index, or 0xRRGGBB
}

// DefaultColor is the terminal's own default.
var DefaultColor = Color{}

// Indexed returns a 256-color palette entry.
func Indexed(n uint8) Color {
	return Color{Kind: ColorIndexed, Value: uint32(n)}
}

// RGB returns a 24-bit color.
func RGB(r, g, b uint8) Color {
	return Color{Kind: ColorRGB, Value: uint32(r)<<16 | uint32(g)<<8 | uint32(b)}
}

// Attr is a bit set of text attributes.
type Attr uint8

const (
	AttrBold Attr = 1 << iota
	AttrFaint
	AttrItalic
	AttrUnderline
	AttrBlink
	AttrReverse
	AttrHidden
	AttrStrike
)

// Has reports whether all bits of a are set.
func (s Attr) Has(a Attr) bool { return s&a == a }

// Style is the rendition applied to a cell.
type Style struct {
	Fg    Color
	Bg    Color
	Attrs Attr
}

// Cell is one character position. A wide rune occupies its cell with
// Width 2 and the following cell with Width 0 (a continuation).
type Cell struct {
	Rune  rune
	Width uint8
	Style Style
}

// Blank is an empty cell in the default style.
var Blank = Cell{Rune: ' ', Width: 1}

// IsContinuation reports whether c is the right half of a wide rune.
func (c Cell) IsContinuation() bool { return c.Width == 0 }

// Grid is a rows x cols array of cells.
type Grid struct {
	rows  int
	cols  int
	cells []Cell
}

// New returns a blank grid. Negative dimensions are treated as zero.
func New(rows, cols int) *Grid {
	if rows < 0 {
		rows = 0
	}
	if cols < 0 {
		cols = 0
	}
	g := &Grid{rows: rows, cols: cols, cells: make([]Cell, rows*cols)}
	g.Reset()
	return g
}

// Rows returns the number of rows.
func (g *Grid) Rows() int { return g.rows }

// Cols returns the number of columns.
func (g *Grid) Cols() int { return g.cols }

// In reports whether (row, col) lies inside the grid.
func (g *Grid) In(row, col int) bool {
	return row >= 0 && row < g.rows && col >= 0 && col < g.cols
}

// At returns the cell at (row, col), or Blank when out of range.
func (g *Grid) At(row, col int) Cell {
	if !g.In(row, col) {
		return Blank
	}
	return g.cells[row*g.cols+col]
}

// Set stores c at (row, col). Out-of-range writes are ignored.
func (g *Grid) Set(row, col int, c Cell) {
	if !g.In(row, col) {
		return
	}
	g.cells[row*g.cols+col] = c
}

// Row returns the cells of one row. The slice aliases the grid.
func (g *Grid) Row(row int) []Cell {
	if row < 0 || row >= g.rows {
		return nil
	}
	return g.cells[row*g.cols : (row+1)*g.cols]
}

// Reset blanks every cell.
func (g *Grid) Reset() {
	for i := range g.cells {
		g.cells[i] = Blank
	}
}

// Fill sets every cell of the given rectangle to c, clipped to the grid.
func (g *Grid) Fill(row, col, height, width int, c Cell) {
	for r := max(row, 0); r < min(row+height, g.rows); r++ {
		for cc := max(col, 0); cc < min(col+width, g.cols); cc++ {
			g.cells[r*g.cols+cc] = c
		}
	}
}

// Resize changes the dimensions, keeping the overlapping top-left content.
func (g *Grid) Resize(rows, cols int) {
	if rows == g.rows && cols == g.cols {
		return
	}
	next := New(rows, cols)
	next.Paint(0, 0, g)
	*g = *next
}

// Paint copies src onto g with its top-left corner at (row, col). Cells
// falling outside g are clipped. Half of a wide rune, whether its other half
// is clipped or missing from src, is replaced by a blank so nothing spills
// past the edge.
func (g *Grid) Paint(row, col int, src *Grid) {
	for r := 0; r < src.rows; r++ {
		dr := row + r
		if dr < 0 || dr >= g.rows {
			continue
		}
		line := src.Row(r)
		for c := 0; c < src.cols; c++ {
			dc := col + c
			if dc < 0 || dc >= g.cols {
				continue
			}
			cell := line[c]
			switch {
			case cell.Width == 2 && (dc+1 >= g.cols || c+1 >= src.cols || !line[c+1].IsContinuation()):
				cell = Cell{Rune: ' ', Width: 1, Style: cell.Style}
			case cell.IsContinuation() && (c == 0 || dc == 0 || line[c-1].Width != 2):
				cell = Cell{Rune: ' ', Width: 1, Style: cell.Style}
			}
			g.cells[dr*g.cols+dc] = cell
		}
	}
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	cp := &Grid{rows: g.rows, cols: g.cols, cells: make([]Cell, len(g.cells))}
	copy(cp.cells, g.cells)
	return cp
}

// CopyFrom overwrites g with src, reallocating only if dimensions differ.
func (g *Grid) CopyFrom(src *Grid) {
	if g.rows != src.rows || g.cols != src.cols {
		g.rows, g.cols = src.rows, src.cols
		g.cells = make([]Cell, len(src.cells))
	}
	copy(g.cells, src.cells)
}

// Equal reports whether two grids have the same size and contents.
func (g *Grid) Equal(o *Grid) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.rows != o.rows || g.cols != o.cols {
		return false
	}
	for i := range g.cells {
		if g.cells[i] != o.cells[i] {
			return false
		}
	}
	return true
}

// String returns the grid's text, one line per row, trailing blanks kept.
// Continuation cells are skipped. Intended for tests and debug logs.
func (g *Grid) String() string {
	buf := make([]rune, 0, g.rows*(g.cols+1))
	for r := 0; r < g.rows; r++ {
		for _, c := range g.Row(r) {
			if c.IsContinuation() {
				continue
			}
			buf = append(buf, c.Rune)
		}
		if r < g.rows-1 {
			buf = append(buf, '\n')
		}
	}
	return string(buf)
}
