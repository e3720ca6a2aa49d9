package ipban

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a map-backed Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.IPAddress] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ip string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ip]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, ip)
	return nil
}

func (s *MemoryStore) All(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for ip, rec := range s.records {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.records, ip)
			removed++
		}
	}
	return removed, nil
}

// MemoryCache is a map-backed Cache for development and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Set(_ context.Context, rec Record, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[rec.IPAddress] = cacheEntry{
		rec:       rec,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, ip string) (*Record, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[ip]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	rec := entry.rec
	return &rec, true, nil
}

func (c *MemoryCache) Delete(_ context.Context, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
	return nil
}
