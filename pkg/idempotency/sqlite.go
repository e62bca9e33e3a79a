package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fitbot/pkg/failure"
)

// SQLiteStore persists dedup records so the window survives restarts of a
// single instance.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
	log *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore uses a database opened by store.Open. The caller owns db.
func NewSQLiteStore(db *sql.DB, ttl time.Duration, log *slog.Logger) *SQLiteStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}

	s := &SQLiteStore{
		db:   db,
		ttl:  ttl,
		now:  time.Now,
		log:  log.With("component", "idempotency.sqlite"),
		done: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *SQLiteStore) CheckAndRecord(ctx context.Context, key string) (Outcome, error) {
	now := s.now()
	cutoff := now.Add(-s.ttl).UnixNano()

	// One statement: insert when absent, reclaim only when the old record expired.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (message_id, first_seen_at, status)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			first_seen_at = excluded.first_seen_at,
			status = excluded.status
		WHERE dedup_records.first_seen_at <= ?`,
		key, now.UnixNano(), string(StatusPending), cutoff)
	if err != nil {
		return 0, failure.Wrap(failure.StoreUnavailable, err, "sqlite claim")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, failure.Wrap(failure.StoreUnavailable, err, "sqlite claim rows")
	}
	if affected == 0 {
		return Duplicate, nil
	}
	return Fresh, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE dedup_records SET status = ? WHERE message_id = ?",
		string(StatusDelivered), key)
	if err != nil {
		return failure.Wrap(failure.StoreUnavailable, err, "sqlite mark delivered")
	}
	return nil
}

func (s *SQLiteStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM dedup_records WHERE message_id = ?", key); err != nil {
		return failure.Wrap(failure.StoreUnavailable, err, "sqlite release")
	}
	return nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	var (
		firstSeen int64
		status    string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT first_seen_at, status FROM dedup_records WHERE message_id = ?", key,
	).Scan(&firstSeen, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, failure.Wrap(failure.StoreUnavailable, err, "sqlite lookup")
	}

	record := Record{MessageID: key, FirstSeenAt: time.Unix(0, firstSeen).UTC(), Status: Status(status)}
	if s.now().Sub(record.FirstSeenAt) >= s.ttl {
		return Record{}, false, nil
	}
	return record, true, nil
}

// sweep deletes expired records and reports how many went away.
func (s *SQLiteStore) sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).UnixNano()
	res, err := s.db.ExecContext(ctx, "DELETE FROM dedup_records WHERE first_seen_at <= ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) cleanup() {
	ticker := time.NewTicker(sweepInterval(s.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.sweep(context.Background())
			if err != nil {
				s.log.Warn("Dedup sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.log.Debug("Dedup sweep removed expired records", "removed", removed)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the sweep; the database stays open for its owner.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
