package vault

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	placeholders map[string]string
	expiresAt    time.Time
}

// MemoryStore is an in-process Store. Expired entries are dropped lazily on
// lookup and by Sweep, which RunCleanup calls periodically.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	defaultTTL time.Duration
	now        func() time.Time
	counters
}

// NewMemoryStore creates an empty store. A zero defaultTTL keeps entries
// until deleted.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, placeholders map[string]string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	entry := memoryEntry{placeholders: copyMap(placeholders)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if ok && s.expired(entry) {
		delete(s.entries, id)
		s.expire(1)
		ok = false
	}
	if !ok {
		s.miss()
		return nil, ErrNotFound
	}
	s.hit()
	return copyMap(entry.placeholders), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, id)
			removed++
		}
	}
	s.expire(removed)
	return removed
}

// RunCleanup sweeps expired entries every interval until ctx is done.
func (s *MemoryStore) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Stats() Stats {
	stats := s.snapshot()
	stats.Entries = int64(s.Len())
	return stats
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
