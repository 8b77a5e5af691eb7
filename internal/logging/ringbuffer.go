package logging

import (
	"os"
	"sync"
)

// RingBuffer is a fixed-capacity byte buffer that keeps the most recent
// writes. It implements io.Writer; old data is overwritten once full.
// A window task dumps it next to its log when it dies on a fatal error.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte
	n     int // bytes currently held
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 256 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	capacity := len(rb.buf)
	if len(p) > capacity {
		p = p[len(p)-capacity:]
	}

	for len(p) > 0 {
		end := (rb.start + rb.n) % capacity
		chunk := copy(rb.buf[end:], p)
		p = p[chunk:]
		rb.n += chunk
		if rb.n > capacity {
			rb.start = (rb.start + rb.n - capacity) % capacity
			rb.n = capacity
		}
	}
	return written, nil
}

// Len returns the number of bytes held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.n
}

// Bytes returns the buffer contents, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.n)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.n, len(rb.buf))])
	copy(out[first:], rb.buf[:rb.n-first])
	return out
}

// DumpToFile writes the buffer contents, oldest first, to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
