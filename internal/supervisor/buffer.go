package supervisor

import (
	"strings"
	"sync"
)

// OutputBuffer is a thread-safe ring buffer of recent output lines. When
// full, the oldest line is overwritten, keeping memory bounded no matter
// how chatty the agent process is.
type OutputBuffer struct {
	lines    []string
	capacity int
	start    int
	count    int
	mu       sync.RWMutex
}

// NewOutputBuffer creates a buffer holding at most capacity lines.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Write appends a line, overwriting the oldest when full.
func (b *OutputBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.capacity {
		b.lines[b.count] = line
		b.count++
	} else {
		b.lines[b.start] = line
		b.start = (b.start + 1) % b.capacity
	}
}

// Lines returns a copy of all stored lines in chronological order.
func (b *OutputBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.start+i)%b.capacity]
	}
	return result
}

// LastN returns the most recent n lines, or all lines if fewer are stored.
func (b *OutputBuffer) LastN(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]string, n)
	offset := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.start+offset+i)%b.capacity]
	}
	return result
}

// Len returns the number of stored lines.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// String returns all stored lines joined with newlines.
func (b *OutputBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
