package input

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseControlKey turns a key name into its control byte. It accepts
// "ctrl-x" (also "ctrl+x", "C-x"), caret notation "^X", and hex "0x1d".
// "none" and the empty string yield zero.
func ParseControlKey(s string) (byte, error) {
	orig := s
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "none", "off":
		return 0, nil
	}
	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 8)
		if err != nil || v >= 0x20 && v != 0x7f {
			return 0, fmt.Errorf("invalid control key %q: not a control byte", orig)
		}
		return byte(v), nil
	}
	for _, p := range []string{"ctrl-", "ctrl+", "c-", "^"} {
		if rest, ok := strings.CutPrefix(s, p); ok {
			s = rest
			break
		}
		if p == "^" {
			return 0, fmt.Errorf("invalid control key %q", orig)
		}
	}
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid control key %q", orig)
	}
	c := s[0]
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c >= '[' && c <= '_':
		return c - '@', nil
	case c == '@' || c == ' ':
		return 0, fmt.Errorf("invalid control key %q: NUL cannot be used", orig)
	case c == '?':
		return 0x7f, nil
	}
	return 0, fmt.Errorf("invalid control key %q", orig)
}

// KeyName renders a control byte in caret notation.
func KeyName(b byte) string {
	switch {
	case b == 0:
		return "none"
	case b == 0x7f:
		return "^?"
	case b < 0x20:
		return "^" + string(rune(b+'@'))
	default:
		return fmt.Sprintf("0x%02x", b)
	}
}
