// Package output collects the runner's raw stdout and stderr.
package output

import "sync"

// Buffer is an append-only byte log safe for concurrent readers.
type Buffer struct {
	mu   sync.RWMutex
	data []byte
}

// Append adds p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

// Bytes returns a copy of everything appended so far.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.data...)
}

// Since returns a copy of the bytes appended after offset.
func (b *Buffer) Since(offset int) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(b.data) {
		return nil
	}
	return append([]byte(nil), b.data[offset:]...)
}

// Len returns the number of bytes appended so far.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}
