package engine

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultEvictAfter is how long a terminal flow stays in the runtime
// store when no grace period is configured.
const DefaultEvictAfter = 30 * time.Minute

// RuntimeStore is the process-wide registry of live flows by id. Flows
// that are not terminal never expire; terminal flows are evicted after a
// grace period and reloaded from the store on demand.
type RuntimeStore struct {
	flows      *gocache.Cache
	evictAfter time.Duration
}

func NewRuntimeStore(evictAfter time.Duration) *RuntimeStore {
	if evictAfter <= 0 {
		evictAfter = DefaultEvictAfter
	}
	cleanup := evictAfter / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &RuntimeStore{
		flows:      gocache.New(gocache.NoExpiration, cleanup),
		evictAfter: evictAfter,
	}
}

func (s *RuntimeStore) ttl(f *Flow) time.Duration {
	if f.Status().IsTerminal() {
		return s.evictAfter
	}
	return gocache.NoExpiration
}

// Add registers f unless a flow with the same id is already live, and
// returns the live instance.
func (s *RuntimeStore) Add(f *Flow) *Flow {
	if err := s.flows.Add(f.ID(), f, s.ttl(f)); err != nil {
		if existing, ok := s.Get(f.ID()); ok {
			return existing
		}
		s.flows.Set(f.ID(), f, s.ttl(f))
	}
	return f
}

// Track refreshes the expiry of f after a status change. A flow that left
// a terminal status (retry) is pinned again.
func (s *RuntimeStore) Track(f *Flow) {
	s.flows.Set(f.ID(), f, s.ttl(f))
}

func (s *RuntimeStore) Get(id string) (*Flow, bool) {
	v, ok := s.flows.Get(id)
	if !ok {
		return nil, false
	}
	f, ok := v.(*Flow)
	return f, ok
}

func (s *RuntimeStore) Remove(id string) {
	s.flows.Delete(id)
}

// Len reports the number of live flows, including expired ones not yet
// swept.
func (s *RuntimeStore) Len() int {
	return s.flows.ItemCount()
}
