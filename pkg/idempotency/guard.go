// Package idempotency deduplicates retried webhook deliveries.
//
// Every store provides atomic check-then-insert: under concurrent delivery of
// the same key exactly one caller observes Fresh. Records expire after the
// retention window; expiry only bounds memory, it never shortens the window.
package idempotency

import (
	"context"
	"time"
)

// Outcome is the result of CheckAndRecord.
type Outcome int

const (
	Fresh Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Status tracks how far a recorded message got.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
)

// Record is the dedup bookkeeping for one message id.
type Record struct {
	MessageID   string    `json:"message_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	Status      Status    `json:"status"`
}

// Store is the idempotency guard contract.
type Store interface {
	// CheckAndRecord atomically records key as pending when it is absent or
	// expired and reports Fresh; otherwise it reports Duplicate.
	CheckAndRecord(ctx context.Context, key string) (Outcome, error)
	// MarkDelivered flips a pending record to delivered, keeping its expiry.
	MarkDelivered(ctx context.Context, key string) error
	// Release forgets key so a later redelivery is admitted again.
	Release(ctx context.Context, key string) error
	Lookup(ctx context.Context, key string) (Record, bool, error)
	Close() error
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

const (
	DefaultTTL      = 24 * time.Hour
	defaultSweepGap = time.Minute
)
