package widget

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Format fits captured text to a width x height region. Lines beyond height
// are dropped from the oldest end, so the newest output stays visible. Lines
// wider than width are truncated on a grapheme boundary; SGR sequences are
// preserved and never counted toward the width.
func Format(text string, width, height int) []string {
	if width <= 0 || height <= 0 {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{}
	}
	lines := strings.Split(text, "\n")
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		// A lone CR would return the cursor over what was just printed.
		if j := strings.LastIndexByte(l, '\r'); j >= 0 {
			l = l[j+1:]
		}
		l = strings.ReplaceAll(l, "\t", "    ")
		out[i] = ansi.Truncate(l, width, "")
	}
	return out
}

// firstLine returns the first non-blank line of s with escapes removed.
func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(ansi.Strip(l)); l != "" {
			return l
		}
	}
	return ""
}
