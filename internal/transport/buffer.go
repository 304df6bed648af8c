package transport

import "sync"

// captureBuffer is a goroutine-safe buffer the session reader writes
// into while Send polls it for the device prompt. Readers address it
// by offset so each command only sees its own output.
type captureBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Len returns the number of bytes captured so far.
func (b *captureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Since returns a copy of everything captured at or after offset.
func (b *captureBuffer) Since(offset int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset >= len(b.buf) {
		return ""
	}
	out := make([]byte, len(b.buf)-offset)
	copy(out, b.buf[offset:])
	return string(out)
}
