package grid

import (
	"bytes"
	"strconv"

	"github.com/charmbracelet/x/ansi"
)

const (
	hideCursor  = "\x1b[?25l"
	showCursor  = "\x1b[?25h"
	eraseScreen = "\x1b[2J"
)

// Cursor is where the physical cursor should rest after a frame.
type Cursor struct {
	Row     int
	Col     int
	Visible bool
}

// Encoder turns runs into an escape-sequence byte stream. It remembers the
// pen style between frames so unchanged styles are not re-sent.
type Encoder struct {
	pen      Style
	penKnown bool
}

// Reset forgets the remembered pen, forcing the next cell to emit SGR.
func (e *Encoder) Reset() {
	e.penKnown = false
}

// Clear appends a style reset and a full-screen erase.
func (e *Encoder) Clear(buf *bytes.Buffer) {
	buf.WriteString(ansi.ResetStyle)
	buf.WriteString(eraseScreen)
	e.pen = Style{}
	e.penKnown = true
}

// Encode appends the sequences that paint runs and then park the cursor.
// The cursor is hidden while painting so it never flickers across widget
// regions.
func (e *Encoder) Encode(buf *bytes.Buffer, runs []Run, cur Cursor) {
	buf.WriteString(hideCursor)
	for _, run := range runs {
		buf.WriteString(ansi.CursorPosition(run.Col+1, run.Row+1))
		for i, c := range run.Cells {
			// Every cell must advance the terminal by exactly its own
			// columns. A wide rune is only drawn wide when its continuation
			// follows; a lone half of either kind goes out as a blank.
			wide := c.Width == 2 && i+1 < len(run.Cells) && run.Cells[i+1].IsContinuation()
			if c.IsContinuation() && i > 0 && run.Cells[i-1].Width == 2 {
				continue
			}
			if !e.penKnown || c.Style != e.pen {
				buf.WriteString(SGR(c.Style))
				e.pen = c.Style
				e.penKnown = true
			}
			r := c.Rune
			if r == 0 || r < ' ' || (c.Width == 2 && !wide) {
				r = ' '
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteString(ansi.CursorPosition(cur.Col+1, cur.Row+1))
	if cur.Visible {
		buf.WriteString(showCursor)
	}
}

// SGR returns the select-graphic-rendition sequence for s. It always starts
// from a reset so the result does not depend on the terminal's prior state.
func SGR(s Style) string {
	b := make([]byte, 0, 32)
	b = append(b, "\x1b[0"...)
	for _, a := range []struct {
		attr Attr
		code int
	}{
		{AttrBold, 1}, {AttrFaint, 2}, {AttrItalic, 3}, {AttrUnderline, 4},
		{AttrBlink, 5}, {AttrReverse, 7}, {AttrHidden, 8}, {AttrStrike, 9},
	} {
		if s.Attrs.Has(a.attr) {
			b = append(b, ';')
			b = strconv.AppendInt(b, int64(a.code), 10)
		}
	}
	b = appendColor(b, s.Fg, 30, 90, 38)
	b = appendColor(b, s.Bg, 40, 100, 48)
	b = append(b, 'm')
	return string(b)
}

func appendColor(b []byte, c Color, base, bright, extended int) []byte {
	switch c.Kind {
	case ColorIndexed:
		b = append(b, ';')
		switch {
		case c.Value < 8:
			b = strconv.AppendInt(b, int64(base)+int64(c.Value), 10)
		case c.Value < 16:
			b = strconv.AppendInt(b, int64(bright)+int64(c.Value-8), 10)
		default:
			b = strconv.AppendInt(b, int64(extended), 10)
			b = append(b, ";5;"...)
			b = strconv.AppendInt(b, int64(c.Value&0xff), 10)
		}
	case ColorRGB:
		b = append(b, ';')
		b = strconv.AppendInt(b, int64(extended), 10)
		b = append(b, ";2;"...)
		b = strconv.AppendInt(b, int64(c.Value>>16&0xff), 10)
		b = append(b, ';')
		b = strconv.AppendInt(b, int64(c.Value>>8&0xff), 10)
		b = append(b, ';')
		b = strconv.AppendInt(b, int64(c.Value&0xff), 10)
	}
	return b
}
