package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fitbot/pkg/failure"
	"fitbot/pkg/store"
)

func newTestSQLiteStore(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "dedup.db"))
	if err != nil {
		t.Fatalf("open dedup db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewSQLiteStore(db, time.Hour, nil)
	if clock != nil {
		s.now = clock.Now
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_FreshThenDuplicate(t *testing.T) {
	s := newTestSQLiteStore(t, nil)

	checkOutcome(t, s, "whatsapp:SM1", Fresh)
	checkOutcome(t, s, "whatsapp:SM1", Duplicate)
}

func TestSQLiteStore_ExpiryReadmits(t *testing.T) {
	clock := newFakeClock()
	s := newTestSQLiteStore(t, clock)

	checkOutcome(t, s, "key", Fresh)

	clock.Advance(30 * time.Minute)
	checkOutcome(t, s, "key", Duplicate)

	clock.Advance(31 * time.Minute)
	checkOutcome(t, s, "key", Fresh)

	record := mustLookup(t, s, "key")
	if record.FirstSeenAt.UnixNano() != clock.Now().UnixNano() {
		t.Fatalf("first seen = %s, want reclaimed at %s", record.FirstSeenAt, clock.Now())
	}
}

func TestSQLiteStore_StatusLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t, nil)
	ctx := context.Background()

	checkOutcome(t, s, "key", Fresh)
	if record := mustLookup(t, s, "key"); record.Status != StatusPending {
		t.Fatalf("status = %s, want %s", record.Status, StatusPending)
	}

	if err := s.MarkDelivered(ctx, "key"); err != nil {
		t.Fatalf("MarkDelivered error: %v", err)
	}
	if record := mustLookup(t, s, "key"); record.Status != StatusDelivered {
		t.Fatalf("status = %s, want %s", record.Status, StatusDelivered)
	}

	if err := s.Release(ctx, "key"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	_, ok, err := s.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if ok {
		t.Fatal("released key is still recorded")
	}
}

func TestSQLiteStore_SweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestSQLiteStore(t, clock)

	checkOutcome(t, s, "old", Fresh)
	clock.Advance(2 * time.Hour)
	checkOutcome(t, s, "young", Fresh)

	removed, err := s.sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
}

func TestSQLiteStore_ConcurrentDeliveryHasSingleWinner(t *testing.T) {
	s := newTestSQLiteStore(t, nil)

	const deliveries = 25

	var fresh atomic.Int32
	var wg sync.WaitGroup
	wg.Add(deliveries)
	for i := 0; i < deliveries; i++ {
		go func() {
			defer wg.Done()
			outcome, err := s.CheckAndRecord(context.Background(), "contested")
			if err == nil && outcome == Fresh {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	if fresh.Load() != 1 {
		t.Fatalf("fresh = %d, want exactly one winner", fresh.Load())
	}
}

func TestSQLiteStore_ClosedDatabaseIsStoreUnavailable(t *testing.T) {
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("open dedup db: %v", err)
	}
	s := NewSQLiteStore(db, time.Hour, nil)
	t.Cleanup(func() { s.Close() })

	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	if _, err := s.CheckAndRecord(context.Background(), "key"); !errors.Is(err, failure.ErrStoreUnavailable) {
		t.Fatalf("CheckAndRecord on closed db = %v, want ErrStoreUnavailable", err)
	}
	if _, _, err := s.Lookup(context.Background(), "key"); !errors.Is(err, failure.ErrStoreUnavailable) {
		t.Fatalf("Lookup on closed db = %v, want ErrStoreUnavailable", err)
	}
}
