package vt

import (
	"strconv"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"hudmux/internal/grid"
)

type parserState uint8

const (
	stateGround parserState = iota
	stateEscape
	stateEscapeInter
	stateCSI
	stateOSC
	stateString // DCS, SOS, PM, APC: swallowed until ST
	stateStringEsc
)

const maxParams = 16

// parser keeps state across Write calls so sequences split between PTY
// chunks decode the same as whole ones.
type parser struct {
	state   parserState
	params  []int // -1 marks an omitted parameter
	cur     int
	hasCur  bool
	private byte
	inter   byte

	utf8Buf  [utf8.UTFMax]byte
	utf8Len  int
	utf8Need int
}

func (p *parser) reset() {
	p.state = stateGround
	p.clearParams()
	p.utf8Len, p.utf8Need = 0, 0
}

func (p *parser) clearParams() {
	p.params = p.params[:0]
	p.cur, p.hasCur = 0, false
	p.private, p.inter = 0, 0
}

func (p *parser) pushParam() {
	if len(p.params) >= maxParams {
		return
	}
	if p.hasCur {
		p.params = append(p.params, p.cur)
	} else {
		p.params = append(p.params, -1)
	}
	p.cur, p.hasCur = 0, false
}

// param returns parameter i, or def when it is omitted or zero.
func (p *parser) param(i, def int) int {
	if i >= len(p.params) || p.params[i] <= 0 {
		return def
	}
	return p.params[i]
}

// Widths follow the narrow interpretation of ambiguous runes regardless of
// locale so layouts agree with what the encoder assumes.
var widths = &runewidth.Condition{StrictEmojiNeutral: true}

func runeWidth(r rune) int {
	return widths.RuneWidth(r)
}

func (s *Screen) feed(b byte) {
	p := &s.p
	switch p.state {
	case stateGround:
		s.ground(b)
	case stateEscape:
		s.escape(b)
	case stateEscapeInter:
		if b >= 0x30 && b <= 0x7e {
			p.state = stateGround
		} else if b == 0x1b {
			p.state = stateEscape
		}
	case stateCSI:
		s.csi(b)
	case stateOSC:
		switch b {
		case 0x07:
			p.state = stateGround
		case 0x1b:
			p.state = stateStringEsc
		}
	case stateString:
		if b == 0x1b {
			p.state = stateStringEsc
		}
	case stateStringEsc:
		if b == '\\' {
			p.state = stateGround
		} else {
			p.state = stateString
		}
	}
}

func (s *Screen) ground(b byte) {
	p := &s.p
	if p.utf8Need > 0 {
		if b&0xc0 == 0x80 {
			p.utf8Buf[p.utf8Len] = b
			p.utf8Len++
			if p.utf8Len == p.utf8Need {
				r, _ := utf8.DecodeRune(p.utf8Buf[:p.utf8Len])
				p.utf8Len, p.utf8Need = 0, 0
				s.print(r)
			}
			return
		}
		// Truncated sequence: emit a replacement, then handle b normally.
		p.utf8Len, p.utf8Need = 0, 0
		s.print(utf8.RuneError)
	}

	switch {
	case b == 0x1b:
		p.state = stateEscape
	case b < 0x20 || b == 0x7f:
		s.control(b)
	case b < 0x80:
		s.print(rune(b))
	case b >= 0xc2 && b <= 0xdf:
		s.startUTF8(b, 2)
	case b >= 0xe0 && b <= 0xef:
		s.startUTF8(b, 3)
	case b >= 0xf0 && b <= 0xf4:
		s.startUTF8(b, 4)
	default:
		s.print(utf8.RuneError)
	}
}

func (s *Screen) startUTF8(b byte, need int) {
	s.p.utf8Buf[0] = b
	s.p.utf8Len = 1
	s.p.utf8Need = need
}

func (s *Screen) control(b byte) {
	switch b {
	case '\b':
		s.backspace()
	case '\t':
		s.tab()
	case '\n', '\v', '\f':
		s.lineFeed()
	case '\r':
		s.carriageReturn()
	}
}

func (s *Screen) escape(b byte) {
	p := &s.p
	p.state = stateGround
	switch b {
	case '[':
		p.clearParams()
		p.state = stateCSI
	case ']':
		p.state = stateOSC
	case 'P', 'X', '^', '_':
		p.state = stateString
	case '7':
		s.saveCursor()
	case '8':
		s.restoreCursor()
	case 'D':
		s.lineFeed()
	case 'E':
		s.carriageReturn()
		s.lineFeed()
	case 'M':
		s.reverseIndex()
	case 'c':
		s.Reset()
	case 0x1b:
		p.state = stateEscape
	default:
		if b >= 0x20 && b <= 0x2f {
			p.state = stateEscapeInter
			return
		}
		if b < 0x20 {
			s.control(b)
			p.state = stateEscape
			return
		}
		s.miss("ESC " + string(rune(b)))
	}
}

func (s *Screen) csi(b byte) {
	p := &s.p
	switch {
	case b >= '0' && b <= '9':
		if p.cur < 10000 {
			p.cur = p.cur*10 + int(b-'0')
		}
		p.hasCur = true
	case b == ';' || b == ':':
		p.pushParam()
	case b >= 0x3c && b <= 0x3f:
		if len(p.params) == 0 && !p.hasCur {
			p.private = b
		}
	case b >= 0x20 && b <= 0x2f:
		p.inter = b
	case b >= 0x40 && b <= 0x7e:
		if p.hasCur || len(p.params) > 0 {
			p.pushParam()
		}
		p.state = stateGround
		s.dispatchCSI(b)
	case b == 0x1b:
		p.state = stateEscape
	case b < 0x20:
		s.control(b)
	default:
		p.state = stateGround
	}
}

func (s *Screen) dispatchCSI(final byte) {
	p := &s.p
	if p.private == '?' {
		s.privateMode(final)
		return
	}
	if p.private != 0 || p.inter != 0 {
		s.miss(s.seqString(final))
		return
	}

	n := p.param(0, 1)
	switch final {
	case 'A':
		s.moveTo(s.row-n, s.col)
	case 'B', 'e':
		s.moveTo(s.row+n, s.col)
	case 'C', 'a':
		s.moveTo(s.row, s.col+n)
	case 'D':
		s.moveTo(s.row, s.col-n)
	case 'E':
		s.moveTo(s.row+n, 0)
	case 'F':
		s.moveTo(s.row-n, 0)
	case 'G', '`':
		s.moveTo(s.row, n-1)
	case 'H', 'f':
		s.moveTo(p.param(0, 1)-1, p.param(1, 1)-1)
	case 'd':
		s.moveTo(n-1, s.col)
	case 'J':
		s.eraseDisplay(max(p.param(0, 0), 0))
	case 'K':
		s.eraseLine(max(p.param(0, 0), 0))
	case 'X':
		s.fillCols(s.row, s.col, s.col+n-1)
	case '@':
		s.insertChars(n)
	case 'P':
		s.deleteChars(n)
	case 'L':
		s.insertLines(n)
	case 'M':
		s.deleteLines(n)
	case 'S':
		s.scrollUp(n)
	case 'T':
		s.scrollDown(n)
	case 'r':
		s.setMargins(p.param(0, 1), p.param(1, s.g.Rows()))
	case 's':
		s.saveCursor()
	case 'u':
		s.restoreCursor()
	case 'm':
		s.sgr()
	default:
		s.miss(s.seqString(final))
	}
}

func (s *Screen) privateMode(final byte) {
	p := &s.p
	if final != 'h' && final != 'l' {
		s.miss(s.seqString(final))
		return
	}
	set := final == 'h'
	for i := range p.params {
		switch p.params[i] {
		case 7:
			s.autowrap = set
		case 25:
			s.visible = set
		case 47, 1047:
			s.fillRows(0, s.g.Rows()-1)
		case 1049:
			if set {
				s.saveCursor()
				s.fillRows(0, s.g.Rows()-1)
			} else {
				s.fillRows(0, s.g.Rows()-1)
				s.restoreCursor()
			}
		default:
			s.miss(s.seqString(final))
		}
	}
}

func (s *Screen) sgr() {
	p := &s.p
	if len(p.params) == 0 {
		s.pen = grid.Style{}
		return
	}
	for i := 0; i < len(p.params); i++ {
		code := max(p.params[i], 0)
		switch {
		case code == 0:
			s.pen = grid.Style{}
		case code == 1:
			s.pen.Attrs |= grid.AttrBold
		case code == 2:
			s.pen.Attrs |= grid.AttrFaint
		case code == 3:
			s.pen.Attrs |= grid.AttrItalic
		case code == 4 || code == 21:
			s.pen.Attrs |= grid.AttrUnderline
		case code == 5 || code == 6:
			s.pen.Attrs |= grid.AttrBlink
		case code == 7:
			s.pen.Attrs |= grid.AttrReverse
		case code == 8:
			s.pen.Attrs |= grid.AttrHidden
		case code == 9:
			s.pen.Attrs |= grid.AttrStrike
		case code == 22:
			s.pen.Attrs &^= grid.AttrBold | grid.AttrFaint
		case code == 23:
			s.pen.Attrs &^= grid.AttrItalic
		case code == 24:
			s.pen.Attrs &^= grid.AttrUnderline
		case code == 25:
			s.pen.Attrs &^= grid.AttrBlink
		case code == 27:
			s.pen.Attrs &^= grid.AttrReverse
		case code == 28:
			s.pen.Attrs &^= grid.AttrHidden
		case code == 29:
			s.pen.Attrs &^= grid.AttrStrike
		case code >= 30 && code <= 37:
			s.pen.Fg = grid.Indexed(uint8(code - 30))
		case code == 38:
			c, used := s.extendedColor(i + 1)
			s.pen.Fg = c
			i += used
		case code == 39:
			s.pen.Fg = grid.DefaultColor
		case code >= 40 && code <= 47:
			s.pen.Bg = grid.Indexed(uint8(code - 40))
		case code == 48:
			c, used := s.extendedColor(i + 1)
			s.pen.Bg = c
			i += used
		case code == 49:
			s.pen.Bg = grid.DefaultColor
		case code >= 90 && code <= 97:
			s.pen.Fg = grid.Indexed(uint8(code - 90 + 8))
		case code >= 100 && code <= 107:
			s.pen.Bg = grid.Indexed(uint8(code - 100 + 8))
		default:
			s.miss("SGR " + strconv.Itoa(code))
		}
	}
}

// extendedColor decodes "5;n" or "2;r;g;b" starting at params[i] and
// reports how many parameters it consumed.
func (s *Screen) extendedColor(i int) (grid.Color, int) {
	ps := s.p.params
	if i >= len(ps) {
		return grid.DefaultColor, 0
	}
	at := func(k int) uint8 {
		if k >= len(ps) || ps[k] < 0 {
			return 0
		}
		return uint8(min(ps[k], 255))
	}
	switch ps[i] {
	case 5:
		return grid.Indexed(at(i + 1)), min(2, len(ps)-i)
	case 2:
		return grid.RGB(at(i+1), at(i+2), at(i+3)), min(4, len(ps)-i)
	default:
		return grid.DefaultColor, 1
	}
}

func (s *Screen) seqString(final byte) string {
	p := &s.p
	b := []byte{0x1b, '['}
	if p.private != 0 {
		b = append(b, p.private)
	}
	for i, v := range p.params {
		if i > 0 {
			b = append(b, ';')
		}
		if v >= 0 {
			b = strconv.AppendInt(b, int64(v), 10)
		}
	}
	if p.inter != 0 {
		b = append(b, p.inter)
	}
	return string(append(b, final))
}
