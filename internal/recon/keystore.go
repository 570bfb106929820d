package recon

import (
	"context"
	"sync"
	"time"
)

// KeyStore records idempotency keys with a bounded lifetime. MarkSeen is
// atomic: the first caller for a key gets first=true, everyone after gets
// false until the key expires.
type KeyStore interface {
	MarkSeen(ctx context.Context, key string) (first bool, err error)
}

// MemoryKeyStore is the in-process KeyStore used when the terminal runs
// without Redis. Expired keys are pruned lazily on writes.
type MemoryKeyStore struct {
	ttl  time.Duration
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryKeyStore creates a key store holding keys for ttl.
func NewMemoryKeyStore(ttl time.Duration) *MemoryKeyStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MemoryKeyStore{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// MarkSeen implements KeyStore.
func (m *MemoryKeyStore) MarkSeen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, at := range m.seen {
		if now.Sub(at) > m.ttl {
			delete(m.seen, k)
		}
	}

	if at, ok := m.seen[key]; ok && now.Sub(at) <= m.ttl {
		return false, nil
	}
	m.seen[key] = now
	return true, nil
}
