package store

import "sync"

// MemoryBackend keeps the snapshot in process memory.
// Data is lost when the process exits.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   []byte
	saves  int
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load implements Backend.
func (m *MemoryBackend) Load() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.data == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	// Copy data to avoid retaining caller's slice
	m.data = make([]byte, len(data))
	copy(m.data, data)
	m.saves++
	return nil
}

// Saves reports how many snapshots have been written.
func (m *MemoryBackend) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Reopen clears the closed flag so a test can simulate a process restart
// against the same persisted bytes.
func (m *MemoryBackend) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
