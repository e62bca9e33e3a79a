package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// checkOutcome records key and fails unless the store reports want.
func checkOutcome(t *testing.T, s Store, key string, want Outcome) {
	t.Helper()
	got, err := s.CheckAndRecord(context.Background(), key)
	if err != nil {
		t.Fatalf("CheckAndRecord(%q) error: %v", key, err)
	}
	if got != want {
		t.Fatalf("CheckAndRecord(%q) = %s, want %s", key, got, want)
	}
}

func mustLookup(t *testing.T, s Store, key string) Record {
	t.Helper()
	record, ok, err := s.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("Lookup(%q) error: %v", key, err)
	}
	if !ok {
		t.Fatalf("Lookup(%q) found nothing", key)
	}
	return record
}

func TestMemoryStore_FreshThenDuplicate(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	checkOutcome(t, store, "whatsapp:SM1", Fresh)
	checkOutcome(t, store, "whatsapp:SM1", Duplicate)
	checkOutcome(t, store, "whatsapp:SM2", Fresh)
}

func TestMemoryStore_ExpiryReadmits(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(time.Hour, WithClock(clock.Now))
	defer store.Close()

	checkOutcome(t, store, "key", Fresh)

	// Still inside the retention window.
	clock.Advance(59 * time.Minute)
	checkOutcome(t, store, "key", Duplicate)

	clock.Advance(time.Minute)
	checkOutcome(t, store, "key", Fresh)
}

func TestMemoryStore_MarkDeliveredAndLookup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(time.Hour, WithClock(clock.Now))
	defer store.Close()

	ctx := context.Background()
	checkOutcome(t, store, "key", Fresh)

	record := mustLookup(t, store, "key")
	if record.Status != StatusPending {
		t.Fatalf("status = %s, want %s", record.Status, StatusPending)
	}
	if !record.FirstSeenAt.Equal(clock.Now()) {
		t.Fatalf("first seen = %s, want %s", record.FirstSeenAt, clock.Now())
	}

	if err := store.MarkDelivered(ctx, "key"); err != nil {
		t.Fatalf("MarkDelivered error: %v", err)
	}
	if record := mustLookup(t, store, "key"); record.Status != StatusDelivered {
		t.Fatalf("status = %s, want %s", record.Status, StatusDelivered)
	}

	if err := store.MarkDelivered(ctx, "unknown"); err != nil {
		t.Fatalf("MarkDelivered on unknown key error: %v", err)
	}
}

func TestMemoryStore_ReleaseReadmits(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	checkOutcome(t, store, "key", Fresh)
	if err := store.Release(context.Background(), "key"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	checkOutcome(t, store, "key", Fresh)
}

func TestMemoryStore_SweepRemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(time.Hour, WithClock(clock.Now))
	defer store.Close()

	checkOutcome(t, store, "old-1", Fresh)
	checkOutcome(t, store, "old-2", Fresh)
	clock.Advance(30 * time.Minute)
	checkOutcome(t, store, "young", Fresh)
	clock.Advance(31 * time.Minute)

	if removed := store.sweep(); removed != 2 {
		t.Fatalf("sweep removed %d, want 2", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("len = %d, want 1", store.Len())
	}
	mustLookup(t, store, "young")
}

func TestMemoryStore_ConcurrentDeliveryHasSingleWinner(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	const deliveries = 100

	var fresh atomic.Int32
	var duplicate atomic.Int32
	var wg sync.WaitGroup
	wg.Add(deliveries)

	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		go func() {
			defer wg.Done()
			<-start
			outcome, err := store.CheckAndRecord(context.Background(), "contested")
			if err != nil {
				return
			}
			switch outcome {
			case Fresh:
				fresh.Add(1)
			case Duplicate:
				duplicate.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if fresh.Load() != 1 {
		t.Fatalf("fresh = %d, exactly one delivery should win", fresh.Load())
	}
	if duplicate.Load() != deliveries-1 {
		t.Fatalf("duplicate = %d, want %d", duplicate.Load(), deliveries-1)
	}
}

func TestMemoryStore_CloseTwice(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	if err := store.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Fresh, "fresh"},
		{Duplicate, "duplicate"},
		{Outcome(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Fatalf("Outcome(%d).String() = %q, want %q", int(tt.outcome), got, tt.want)
		}
	}
}

func TestSweepInterval(t *testing.T) {
	if got := sweepInterval(24 * time.Hour); got != time.Minute {
		t.Fatalf("sweepInterval(24h) = %s, want 1m", got)
	}
	if got := sweepInterval(time.Second); got != 250*time.Millisecond {
		t.Fatalf("sweepInterval(1s) = %s, want 250ms", got)
	}
}
