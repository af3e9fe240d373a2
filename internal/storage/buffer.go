package storage

import (
	"io"
	"sync"
)

// Buffer is an in-memory ReadWriterAt that grows on write. Reads past the end
// return io.EOF like a file does.
type Buffer struct {
	mu  sync.RWMutex
	buf []byte
}

func NewBuffer(buf []byte) *Buffer {
	return &Buffer{buf: buf}
}

func (b *Buffer) ReadAt(dst []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if off >= int64(len(b.buf)) {
		return 0, io.EOF
	}
	n := copy(dst, b.buf[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) WriteAt(data []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := off + int64(len(data)); end > int64(len(b.buf)) {
		b.buf = append(b.buf, make([]byte, end-int64(len(b.buf)))...)
	}
	return copy(b.buf[off:], data), nil
}

// Len returns the current size of the buffer.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.buf...)
}
