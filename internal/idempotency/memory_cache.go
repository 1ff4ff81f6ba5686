package idempotency

import (
	"context"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/petrijr/stepflow/pkg/api"
)

// MemoryCache is a process-local Cache. Expired entries are swept by the
// go-cache janitor.
type MemoryCache struct {
	cache *c.Cache
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache whose entries default to ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		cache: c.New(ttl, 10*time.Minute),
	}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*api.StepResult, bool, error) {
	v, found := m.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	res, ok := v.(*api.StepResult)
	if !ok {
		return nil, false, nil
	}
	return res.Clone(), true, nil
}

func (m *MemoryCache) Put(_ context.Context, key string, res *api.StepResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.DefaultExpiration
	}
	m.cache.Set(key, res.Clone(), ttl)
	return nil
}

// Len reports the number of cached entries, including expired ones not
// yet swept.
func (m *MemoryCache) Len() int {
	return m.cache.ItemCount()
}
