package artifacts

import (
	"context"
	"sync"
)

// MemoryBlobBackend is used by tests and the CLI's local-run mode.
type MemoryBlobBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBlobBackend() *MemoryBlobBackend {
	return &MemoryBlobBackend{data: make(map[string][]byte)}
}

func (m *MemoryBlobBackend) PutBytes(_ context.Context, digest string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.data[digest] = cp
	return nil
}

func (m *MemoryBlobBackend) GetBytes(_ context.Context, digest string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[digest]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}
