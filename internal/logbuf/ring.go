package logbuf

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// Ring keeps the most recent N lines of process output. It implements
// io.Writer so it can be wired directly to a child's stdout/stderr.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	count int

	// carry holds bytes after the last newline seen so far
	carry bytes.Buffer
}

// New creates a ring buffer holding the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{lines: make([]string, n)}
}

// Write splits input on newlines and records each complete line.
// Incomplete trailing data is carried over to the next Write.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.carry.Write(p)
	for {
		line, err := r.carry.ReadString('\n')
		if err != nil {
			r.carry.Reset()
			r.carry.WriteString(line)
			break
		}
		r.push(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}

func (r *Ring) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// Lines returns the buffered lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

// Last returns up to n of the most recent lines, oldest first.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Reader returns a snapshot of the buffer contents as an io.Reader.
func (r *Ring) Reader() io.Reader {
	return strings.NewReader(strings.Join(r.Lines(), "\n"))
}
