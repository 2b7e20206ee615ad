package lineage

import (
	"context"
	"slices"
	"sync"
	"time"
)

type cacheItem struct {
	correlationID string
	expiresAt     time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu     sync.RWMutex
	items  map[string]cacheItem
	ttl    time.Duration
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// Compile-time interface check.
var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a cache whose entries expire after ttl. Expired
// entries are swept every cleanupInterval; zero disables the sweeper.
func NewMemoryCache(ttl, cleanupInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		items:  make(map[string]cacheItem),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, eventID string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[eventID]
	if !ok || c.now().After(item.expiresAt) {
		return "", false, nil
	}
	return item.correlationID, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, eventID, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[eventID] = cacheItem{correlationID: correlationID, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, eventID)
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stop halts the sweeper.
func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, id)
		}
	}
}

// MemoryEdgeStore keeps edges in memory.
type MemoryEdgeStore struct {
	mu            sync.RWMutex
	byChild       map[string]Edge
	byCorrelation map[string][]string
}

// Compile-time interface check.
var _ EdgeStore = (*MemoryEdgeStore)(nil)

// NewMemoryEdgeStore creates an empty edge store.
func NewMemoryEdgeStore() *MemoryEdgeStore {
	return &MemoryEdgeStore{
		byChild:       make(map[string]Edge),
		byCorrelation: make(map[string][]string),
	}
}

// AppendEdge implements EdgeStore.
func (s *MemoryEdgeStore) AppendEdge(_ context.Context, e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byChild[e.ChildID]; ok {
		return ErrDuplicateEdge
	}
	s.byChild[e.ChildID] = e
	s.byCorrelation[e.CorrelationID] = append(s.byCorrelation[e.CorrelationID], e.ChildID)
	return nil
}

// LookupEdge implements EdgeStore.
func (s *MemoryEdgeStore) LookupEdge(_ context.Context, eventID string) (Edge, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byChild[eventID]
	return e, ok, nil
}

// DeleteEdge implements EdgeStore.
func (s *MemoryEdgeStore) DeleteEdge(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byChild[eventID]
	if !ok {
		return nil
	}
	delete(s.byChild, eventID)
	ids := s.byCorrelation[e.CorrelationID]
	s.byCorrelation[e.CorrelationID] = slices.DeleteFunc(ids, func(id string) bool { return id == eventID })
	if len(s.byCorrelation[e.CorrelationID]) == 0 {
		delete(s.byCorrelation, e.CorrelationID)
	}
	return nil
}

// Chain implements EdgeStore.
func (s *MemoryEdgeStore) Chain(_ context.Context, correlationID string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCorrelation[correlationID]
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byChild[id])
	}
	return out, nil
}

// Len returns the number of stored edges.
func (s *MemoryEdgeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChild)
}
