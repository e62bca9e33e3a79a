package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/failure"
)

// Spool persists events left in the queue at shutdown so the next process
// can dispatch them.
type Spool struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSpool(db *sql.DB, log *slog.Logger) *Spool {
	if log == nil {
		log = slog.Default()
	}
	return &Spool{db: db, log: log.With("component", "dispatch.spool")}
}

// Save writes events in order within one transaction.
func (s *Spool) Save(ctx context.Context, events []bus.InboundEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, failure.Wrap(failure.StoreUnavailable, err, "begin spool transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dispatch_spool (message_id, payload, spooled_at) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, failure.Wrap(failure.StoreUnavailable, err, "prepare spool insert")
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixNano()
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return 0, fmt.Errorf("encode event %s: %w", event.DedupKey(), err)
		}
		if _, err := stmt.ExecContext(ctx, event.DedupKey(), string(payload), now); err != nil {
			return 0, failure.Wrap(failure.StoreUnavailable, err, "insert spooled event")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, failure.Wrap(failure.StoreUnavailable, err, "commit spool")
	}

	return len(events), nil
}

// Load returns every spooled event in spool order and removes them.
// Rows that no longer decode are logged and discarded.
func (s *Spool) Load(ctx context.Context) ([]bus.InboundEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, failure.Wrap(failure.StoreUnavailable, err, "begin spool transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT seq, message_id, payload FROM dispatch_spool ORDER BY seq`)
	if err != nil {
		return nil, failure.Wrap(failure.StoreUnavailable, err, "query spool")
	}

	var (
		events []bus.InboundEvent
		maxSeq int64
	)
	for rows.Next() {
		var (
			seq       int64
			messageID string
			payload   string
		)
		if err := rows.Scan(&seq, &messageID, &payload); err != nil {
			rows.Close()
			return nil, failure.Wrap(failure.StoreUnavailable, err, "scan spool row")
		}
		maxSeq = seq

		var event bus.InboundEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			s.log.Warn("Discarding undecodable spooled event", "seq", seq, "message_id", messageID, "error", err)
			continue
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, failure.Wrap(failure.StoreUnavailable, err, "iterate spool")
	}
	rows.Close()

	if maxSeq > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_spool WHERE seq <= ?`, maxSeq); err != nil {
			return nil, failure.Wrap(failure.StoreUnavailable, err, "clear spool")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, failure.Wrap(failure.StoreUnavailable, err, "commit spool")
	}

	return events, nil
}

// Restore moves spooled events back into q. Events that do not fit are
// written back to the spool for the next start.
func Restore(ctx context.Context, q *Queue, spool *Spool) (restored int, respooled int, err error) {
	events, err := spool.Load(ctx)
	if err != nil {
		return 0, 0, err
	}

	var overflow []bus.InboundEvent
	for _, event := range events {
		if err := q.Enqueue(event); err != nil {
			if !errors.Is(err, failure.ErrQueueSaturated) && !errors.Is(err, ErrClosed) {
				return restored, 0, err
			}
			overflow = append(overflow, event)
			continue
		}
		restored++
	}

	respooled, err = spool.Save(ctx, overflow)
	return restored, respooled, err
}
