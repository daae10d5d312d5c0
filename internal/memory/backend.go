package memory

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

type quotaBackend struct {
	Backend
	quota int
}

// WithQuota wraps b so Set rejects values larger than quota bytes with
// ErrQuotaExceeded. quota <= 0 disables the check.
func WithQuota(b Backend, quota int) Backend {
	if quota <= 0 {
		return b
	}
	return &quotaBackend{Backend: b, quota: quota}
}

func (q *quotaBackend) Set(ctx context.Context, key string, value []byte) error {
	if len(value) > q.quota {
		return goerr.Wrap(ErrQuotaExceeded, "value too large",
			goerr.V("key", key),
			goerr.V("size", len(value)),
			goerr.V("quota", q.quota),
		)
	}
	return q.Backend.Set(ctx, key, value)
}

// Close closes the wrapped backend when it can be closed
func (q *quotaBackend) Close() error {
	if closer, ok := q.Backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// MemoryStore keeps blobs in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory backend
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, goerr.Wrap(ErrKeyNotFound, "memory get", goerr.V("key", key))
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}
