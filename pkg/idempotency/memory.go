package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry stores the record and its list element for ordered expiry.
type memoryEntry struct {
	record  Record
	element *list.Element
}

// MemoryStore is a single-process Store. Records are kept in first-seen order
// so the sweep only walks expired entries at the front of the list.
type MemoryStore struct {
	mu     sync.Mutex
	seen   map[string]*memoryEntry
	order  *list.List
	ttl    time.Duration
	now    func() time.Time
	done   chan struct{}
	closed bool
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates a store with the given retention window and starts a
// background sweep of expired records.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &MemoryStore{
		seen:  make(map[string]*memoryEntry),
		order: list.New(),
		ttl:   ttl,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanup()
	return s
}

func (s *MemoryStore) CheckAndRecord(_ context.Context, key string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.seen[key]; ok {
		if now.Sub(entry.record.FirstSeenAt) < s.ttl {
			return Duplicate, nil
		}
		s.removeLocked(key, entry)
	}

	elem := s.order.PushBack(key)
	s.seen[key] = &memoryEntry{
		record:  Record{MessageID: key, FirstSeenAt: now, Status: StatusPending},
		element: elem,
	}
	return Fresh, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.seen[key]; ok {
		entry.record.Status = StatusDelivered
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.seen[key]; ok {
		s.removeLocked(key, entry)
	}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.seen[key]
	if !ok || s.now().Sub(entry.record.FirstSeenAt) >= s.ttl {
		return Record{}, false, nil
	}
	return entry.record, true, nil
}

// Len reports tracked records, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// removeLocked must be called with mu held.
func (s *MemoryStore) removeLocked(key string, entry *memoryEntry) {
	s.order.Remove(entry.element)
	delete(s.seen, key)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(sweepInterval(s.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep drops expired records from the front of the first-seen list.
func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		key, _ := front.Value.(string)
		entry := s.seen[key]
		if entry == nil {
			s.order.Remove(front)
			continue
		}
		if now.Sub(entry.record.FirstSeenAt) < s.ttl {
			break
		}
		s.removeLocked(key, entry)
		removed++
	}
	return removed
}

// Close stops the background sweep. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
	return nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	if gap := ttl / 4; gap > 0 && gap < defaultSweepGap {
		return gap
	}
	return defaultSweepGap
}
