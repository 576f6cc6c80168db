package capture

import (
	"bytes"
	"strings"
	"sync"
)

// Tail keeps the last N lines written to it. Capture processes write their
// stdout/stderr here so failure reasons can quote the end of the output
// without retaining all of it. Lines longer than maxLine bytes are cut.
type Tail struct {
	mu      sync.Mutex
	lines   []string
	size    int
	pos     int
	full    bool
	maxLine int
	partial bytes.Buffer

	// onLine is invoked (outside the lock) for each completed line.
	onLine func(string)
}

// NewTail creates a tail holding at most n lines of at most maxLine bytes each.
func NewTail(n, maxLine int) *Tail {
	if n <= 0 {
		n = 50
	}
	if maxLine <= 0 {
		maxLine = 512
	}
	return &Tail{lines: make([]string, n), size: n, maxLine: maxLine}
}

// Write implements io.Writer. It splits input on newlines (and carriage
// returns, which streamlink uses for progress output).
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	var done []string
	for _, b := range p {
		if b == '\n' || b == '\r' {
			if t.partial.Len() > 0 {
				line := t.partial.String()
				t.partial.Reset()
				t.add(line)
				done = append(done, line)
			}
			continue
		}
		// drop bytes past the per-line limit rather than growing the buffer
		if t.partial.Len() < t.maxLine {
			t.partial.WriteByte(b)
		}
	}
	cb := t.onLine
	t.mu.Unlock()

	if cb != nil {
		for _, l := range done {
			cb(l)
		}
	}
	return len(p), nil
}

func (t *Tail) add(line string) {
	t.lines[t.pos] = line
	t.pos = (t.pos + 1) % t.size
	if t.pos == 0 {
		t.full = true
	}
}

// Lines returns the stored lines, oldest first. A trailing partial line is included.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	if !t.full {
		out = make([]string, t.pos, t.pos+1)
		copy(out, t.lines[:t.pos])
	} else {
		out = make([]string, t.size, t.size+1)
		copy(out, t.lines[t.pos:])
		copy(out[t.size-t.pos:], t.lines[:t.pos])
	}
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	return out
}

// Last returns the last n lines joined with newlines.
func (t *Tail) Last(n int) string {
	all := t.Lines()
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return strings.Join(all, "\n")
}
