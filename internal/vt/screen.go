// Package vt interprets a conservative subset of VT100/xterm output into a
// region-sized cell grid.
//
// Supported: printable UTF-8 (wide runes via go-runewidth), BS HT LF VT FF CR,
// ESC 7/8/D/E/M/c, CSI cursor movement (A B C D E F G H f d ` a e), erase
// (J K X), insert/delete (@ P L M), scrolling (S T r), SGR (m) with 8/16/256
// and RGB colors, save/restore (s u), and private modes ?7 ?25 ?47 ?1047
// ?1049. OSC, DCS, PM, APC and every other sequence are consumed without
// moving the cursor or touching cells.
//
// Output is always clipped to the screen; nothing a child prints can reach
// cells outside the region it was given.
package vt

import (
	"hudmux/internal/grid"
)

// Mode selects what a line feed on the bottom row does.
type Mode int

const (
	// ModeScroll scrolls the content up, like a real terminal.
	ModeScroll Mode = iota
	// ModeFixed leaves the cursor on the bottom row; excess lines overwrite it.
	ModeFixed
)

type savedCursor struct {
	row, col int
	pen      grid.Style
	valid    bool
}

// Screen is the cell state of one region plus the parser feeding it.
type Screen struct {
	g    *grid.Grid
	mode Mode

	row, col    int
	wrapPending bool
	autowrap    bool
	visible     bool
	pen         grid.Style
	saved       savedCursor
	top, bottom int // scroll margins, inclusive

	p          parser
	unhandled  int
	lastUnseen string
}

// NewScreen returns a blank screen of rows x cols.
func NewScreen(rows, cols int, mode Mode) *Screen {
	s := &Screen{g: grid.New(rows, cols), mode: mode}
	s.Reset()
	return s
}

// Reset clears the cells and returns every piece of state to power-on.
func (s *Screen) Reset() {
	s.g.Reset()
	s.row, s.col = 0, 0
	s.wrapPending = false
	s.autowrap = true
	s.visible = true
	s.pen = grid.Style{}
	s.saved = savedCursor{}
	s.top, s.bottom = 0, s.g.Rows()-1
	s.p.reset()
}

// Grid returns the backing cells. Callers must not retain it across writes.
func (s *Screen) Grid() *grid.Grid { return s.g }

// Rows returns the screen height.
func (s *Screen) Rows() int { return s.g.Rows() }

// Cols returns the screen width.
func (s *Screen) Cols() int { return s.g.Cols() }

// Cursor returns the cursor position and whether the child asked for it to
// be shown.
func (s *Screen) Cursor() (row, col int, visible bool) {
	return s.row, s.col, s.visible
}

// Unhandled returns how many sequences were consumed without effect, and the
// most recent one.
func (s *Screen) Unhandled() (int, string) { return s.unhandled, s.lastUnseen }

// Resize changes the screen size, keeping top-left content and clamping the
// cursor. In scroll mode a shrink that would cut off the cursor row scrolls
// the content up first, so the lines around the cursor survive. Scroll
// margins reset to the full screen.
func (s *Screen) Resize(rows, cols int) {
	if s.mode == ModeScroll && rows > 0 && s.row >= rows {
		shift := s.row - rows + 1
		for r := 0; r+shift < s.g.Rows(); r++ {
			copy(s.g.Row(r), s.g.Row(r+shift))
		}
		s.row -= shift
		if s.saved.valid {
			s.saved.row = max(s.saved.row-shift, 0)
		}
	}
	s.g.Resize(rows, cols)
	s.top, s.bottom = 0, rows-1
	s.wrapPending = false
	s.clampCursor()
}

// Write interprets p. It never fails; it returns len(p), nil so a Screen can
// be used as an io.Writer.
func (s *Screen) Write(p []byte) (int, error) {
	for _, b := range p {
		s.feed(b)
	}
	return len(p), nil
}

// WriteString is Write for strings.
func (s *Screen) WriteString(str string) (int, error) {
	for i := 0; i < len(str); i++ {
		s.feed(str[i])
	}
	return len(str), nil
}

func (s *Screen) blank() grid.Cell {
	return grid.Cell{Rune: ' ', Width: 1, Style: grid.Style{Bg: s.pen.Bg}}
}

func (s *Screen) clampCursor() {
	rows, cols := s.g.Rows(), s.g.Cols()
	s.row = min(max(s.row, 0), max(rows-1, 0))
	s.col = min(max(s.col, 0), max(cols-1, 0))
}

func (s *Screen) moveTo(row, col int) {
	s.row, s.col = row, col
	s.wrapPending = false
	s.clampCursor()
}

// print places r at the cursor and advances it.
func (s *Screen) print(r rune) {
	cols := s.g.Cols()
	if cols == 0 || s.g.Rows() == 0 {
		return
	}
	w := runeWidth(r)
	if w == 0 || w > cols {
		return
	}
	if s.wrapPending {
		s.wrapPending = false
		if s.autowrap {
			s.col = 0
			s.lineFeed()
		}
	}
	if s.col+w > cols {
		if s.autowrap {
			s.col = 0
			s.lineFeed()
		} else {
			s.col = cols - w
		}
	}

	// Overwriting half of a wide rune orphans the other half.
	if s.g.At(s.row, s.col).IsContinuation() && s.col > 0 {
		s.g.Set(s.row, s.col-1, s.blank())
	}
	end := s.col + w - 1
	if s.g.At(s.row, end).Width == 2 && end+1 < cols {
		s.g.Set(s.row, end+1, s.blank())
	}

	s.g.Set(s.row, s.col, grid.Cell{Rune: r, Width: uint8(w), Style: s.pen})
	if w == 2 {
		s.g.Set(s.row, s.col+1, grid.Cell{Width: 0, Style: s.pen})
	}
	s.col += w
	if s.col >= cols {
		s.col = cols - 1
		s.wrapPending = true
	}
}

func (s *Screen) lineFeed() {
	s.wrapPending = false
	if s.row == s.bottom {
		if s.mode == ModeScroll {
			s.scrollUp(1)
		}
		return
	}
	if s.row < s.g.Rows()-1 {
		s.row++
	}
}

func (s *Screen) reverseIndex() {
	s.wrapPending = false
	if s.row == s.top {
		if s.mode == ModeScroll {
			s.scrollDown(1)
		}
		return
	}
	if s.row > 0 {
		s.row--
	}
}

func (s *Screen) carriageReturn() {
	s.col = 0
	s.wrapPending = false
}

func (s *Screen) backspace() {
	if s.col > 0 {
		s.col--
	}
	s.wrapPending = false
}

func (s *Screen) tab() {
	cols := s.g.Cols()
	next := (s.col/8 + 1) * 8
	s.col = min(next, max(cols-1, 0))
}

// scrollUp moves lines [top, bottom] up by n, blanking the bottom n lines.
func (s *Screen) scrollUp(n int) {
	height := s.bottom - s.top + 1
	if height <= 0 {
		return
	}
	n = min(n, height)
	for r := s.top; r <= s.bottom-n; r++ {
		copy(s.g.Row(r), s.g.Row(r+n))
	}
	s.fillRows(s.bottom-n+1, s.bottom)
}

// scrollDown moves lines [top, bottom] down by n, blanking the top n lines.
func (s *Screen) scrollDown(n int) {
	height := s.bottom - s.top + 1
	if height <= 0 {
		return
	}
	n = min(n, height)
	for r := s.bottom; r >= s.top+n; r-- {
		copy(s.g.Row(r), s.g.Row(r-n))
	}
	s.fillRows(s.top, s.top+n-1)
}

func (s *Screen) fillRows(from, to int) {
	b := s.blank()
	for r := from; r <= to; r++ {
		row := s.g.Row(r)
		for c := range row {
			row[c] = b
		}
	}
}

func (s *Screen) fillCols(row, from, to int) {
	r := s.g.Row(row)
	if r == nil {
		return
	}
	from, to = max(from, 0), min(to, len(r)-1)
	if from > to {
		return
	}
	b := s.blank()
	// Erasing one half of a wide rune erases the whole rune.
	if from > 0 && r[from].IsContinuation() {
		r[from-1] = b
	}
	if r[to].Width == 2 && to+1 < len(r) {
		r[to+1] = b
	}
	for c := from; c <= to; c++ {
		r[c] = b
	}
}

// repairWide blanks any half of a wide rune on row whose partner is gone, so
// every cell in the row occupies exactly the columns it claims.
func (s *Screen) repairWide(row int) {
	r := s.g.Row(row)
	for c := range r {
		switch {
		case r[c].Width == 2 && (c+1 >= len(r) || !r[c+1].IsContinuation()):
			r[c] = s.blank()
		case r[c].IsContinuation() && (c == 0 || r[c-1].Width != 2):
			r[c] = s.blank()
		}
	}
}

func (s *Screen) eraseDisplay(mode int) {
	rows, cols := s.g.Rows(), s.g.Cols()
	switch mode {
	case 0:
		s.fillCols(s.row, s.col, cols-1)
		s.fillRows(s.row+1, rows-1)
	case 1:
		s.fillRows(0, s.row-1)
		s.fillCols(s.row, 0, s.col)
	case 2, 3:
		s.fillRows(0, rows-1)
	default:
		s.miss("ED")
	}
	s.wrapPending = false
}

func (s *Screen) eraseLine(mode int) {
	cols := s.g.Cols()
	switch mode {
	case 0:
		s.fillCols(s.row, s.col, cols-1)
	case 1:
		s.fillCols(s.row, 0, s.col)
	case 2:
		s.fillCols(s.row, 0, cols-1)
	default:
		s.miss("EL")
	}
	s.wrapPending = false
}

func (s *Screen) insertLines(n int) {
	if s.row < s.top || s.row > s.bottom {
		return
	}
	top := s.top
	s.top = s.row
	s.scrollDown(n)
	s.top = top
	s.col = 0
}

func (s *Screen) deleteLines(n int) {
	if s.row < s.top || s.row > s.bottom {
		return
	}
	top := s.top
	s.top = s.row
	s.scrollUp(n)
	s.top = top
	s.col = 0
}

func (s *Screen) insertChars(n int) {
	row := s.g.Row(s.row)
	if row == nil {
		return
	}
	n = min(n, len(row)-s.col)
	if s.col > 0 && row[s.col].IsContinuation() {
		row[s.col-1] = s.blank()
		row[s.col] = s.blank()
	}
	copy(row[s.col+n:], row[s.col:len(row)-n])
	for c := s.col; c < s.col+n; c++ {
		row[c] = s.blank()
	}
	s.repairWide(s.row)
	s.wrapPending = false
}

func (s *Screen) deleteChars(n int) {
	row := s.g.Row(s.row)
	if row == nil {
		return
	}
	n = min(n, len(row)-s.col)
	if s.col > 0 && row[s.col].IsContinuation() {
		row[s.col-1] = s.blank()
	}
	copy(row[s.col:], row[s.col+n:])
	for c := len(row) - n; c < len(row); c++ {
		row[c] = s.blank()
	}
	s.repairWide(s.row)
	s.wrapPending = false
}

func (s *Screen) setMargins(top, bottom int) {
	rows := s.g.Rows()
	if bottom <= 0 || bottom > rows {
		bottom = rows
	}
	if top <= 0 {
		top = 1
	}
	if top >= bottom {
		return
	}
	s.top, s.bottom = top-1, bottom-1
	s.moveTo(0, 0)
}

func (s *Screen) saveCursor() {
	s.saved = savedCursor{row: s.row, col: s.col, pen: s.pen, valid: true}
}

func (s *Screen) restoreCursor() {
	if !s.saved.valid {
		s.moveTo(0, 0)
		return
	}
	s.pen = s.saved.pen
	s.moveTo(s.saved.row, s.saved.col)
}

func (s *Screen) miss(seq string) {
	s.unhandled++
	s.lastUnseen = seq
}
