package ptyterm

import "sync"

// defaultScrollbackSize is the default maximum scrollback buffer size.
const defaultScrollbackSize = 256 * 1024

// ScrollbackBuffer is a thread-safe byte buffer that stores terminal output
// for replay on recovery. When the buffer exceeds maxLen, older data is
// trimmed from the front.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewScrollbackBuffer creates a scrollback buffer. If maxLen <= 0,
// defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p, trimming from the front past maxLen.
func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p) >= s.maxLen {
		s.data = append(s.data[:0], p[len(p)-s.maxLen:]...)
		return
	}
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		// copy down so the backing array does not grow without bound
		n := copy(s.data, s.data[len(s.data)-s.maxLen:])
		s.data = s.data[:n]
	}
}

// Snapshot returns a copy of the current buffer contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the current buffer length.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
