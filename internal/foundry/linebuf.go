package foundry

import "strings"

// lineBuffer assembles complete lines out of arbitrary byte chunks. A chunk
// may end mid-line; the partial tail is held back until the next chunk or a
// final Flush. Both \n and \r terminate a line: progress bars redraw in
// place with bare carriage returns and would otherwise buffer forever.
type lineBuffer struct {
	buf []byte
}

// Write appends p and returns every line it completed, trimmed, with empty
// lines dropped.
func (b *lineBuffer) Write(p []byte) []string {
	b.buf = append(b.buf, p...)
	var lines []string
	start := 0
	for i := 0; i < len(b.buf); i++ {
		c := b.buf[i]
		if c != '\n' && c != '\r' {
			continue
		}
		if line := strings.TrimSpace(string(b.buf[start:i])); line != "" {
			lines = append(lines, line)
		}
		start = i + 1
	}
	b.buf = b.buf[start:]
	return lines
}

// Flush returns the trimmed partial tail, if any, and resets the buffer.
func (b *lineBuffer) Flush() (string, bool) {
	line := strings.TrimSpace(string(b.buf))
	b.buf = b.buf[:0]
	return line, line != ""
}
