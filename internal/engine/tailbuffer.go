package engine

import "sync"

// truncatedMarker prefixes output whose beginning was dropped.
const truncatedMarker = "[output truncated]\n"

// tailBuffer is an io.Writer keeping only the last limit bytes written.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		b.truncated = b.truncated || n > b.limit || len(b.buf) > 0
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.truncated = true
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// String returns the kept bytes, prefixed with a marker when earlier output
// was dropped.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return truncatedMarker + string(b.buf)
	}
	return string(b.buf)
}

// Truncated reports whether output was dropped.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
