package session

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps sessions in process. Sessions do not survive a
// restart and are not shared between replicas.
type MemoryStore struct {
	cache *ttlcache.Cache[string, Session]
}

// NewMemoryStore creates a MemoryStore with automatic expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Session](ttl),
		ttlcache.WithDisableTouchOnHit[string, Session](),
	)

	go cache.Start()

	return &MemoryStore{cache: cache}
}

// Save stores s under id with the default TTL.
func (m *MemoryStore) Save(_ context.Context, id string, s Session) error {
	m.cache.Set(id, s, ttlcache.DefaultTTL)
	return nil
}

// Pop removes and returns the session for id.
func (m *MemoryStore) Pop(_ context.Context, id string) (Session, bool, error) {
	item, ok := m.cache.GetAndDelete(id)
	if !ok || item == nil || item.IsExpired() {
		return Session{}, false, nil
	}

	return item.Value(), true, nil
}

// Close stops the expiry loop.
func (m *MemoryStore) Close() error {
	m.cache.Stop()
	return nil
}
