package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/logger"
	"fitbot/pkg/store"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("open spool db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSpool(db, logger.Discard())
}

func TestSpoolSaveLoadPreservesOrder(t *testing.T) {
	spool := newTestSpool(t)
	ctx := context.Background()
	receivedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	events := []bus.InboundEvent{
		{MessageID: "SM1", SenderID: "whatsapp:+1", Body: "first", Channel: "twilio", ReceivedAt: receivedAt},
		{MessageID: "SM2", SenderID: "whatsapp:+1", Body: "second", Channel: "twilio", ReceivedAt: receivedAt, Metadata: map[string]string{"to": "x"}},
	}

	n, err := spool.Save(ctx, events)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if n != 2 {
		t.Fatalf("saved = %d, want 2", n)
	}

	loaded, err := spool.Load(ctx)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d events, want 2", len(loaded))
	}
	if loaded[0].Body != "first" || loaded[1].Body != "second" {
		t.Fatalf("order = %q, %q", loaded[0].Body, loaded[1].Body)
	}
	if loaded[1].Metadata["to"] != "x" {
		t.Fatalf("metadata = %v", loaded[1].Metadata)
	}
	if !loaded[0].ReceivedAt.Equal(receivedAt) {
		t.Fatalf("received at = %s, want %s", loaded[0].ReceivedAt, receivedAt)
	}

	again, err := spool.Load(ctx)
	if err != nil {
		t.Fatalf("second Load error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("load must consume the spool, got %d events", len(again))
	}
}

func TestSpoolSkipsUndecodableRows(t *testing.T) {
	spool := newTestSpool(t)
	ctx := context.Background()

	if _, err := spool.db.ExecContext(ctx, `INSERT INTO dispatch_spool (message_id, payload, spooled_at) VALUES ('bad', '{not json', 0)`); err != nil {
		t.Fatalf("insert bad row: %v", err)
	}
	if _, err := spool.Save(ctx, []bus.InboundEvent{{MessageID: "ok", SenderID: "s", Body: "b", Channel: "twilio"}}); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := spool.Load(ctx)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].MessageID != "ok" {
		t.Fatalf("loaded = %+v, want only the decodable event", loaded)
	}
}

func TestRestoreRespoolsOverflow(t *testing.T) {
	spool := newTestSpool(t)
	ctx := context.Background()

	var events []bus.InboundEvent
	for i := 0; i < 5; i++ {
		events = append(events, event("sender", i))
	}
	if _, err := spool.Save(ctx, events); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	q := NewQueue(Options{Capacity: 3, Workers: 1, Log: logger.Discard()})
	restored, respooled, err := Restore(ctx, q, spool)
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if restored != 3 || respooled != 2 {
		t.Fatalf("restored/respooled = %d/%d, want 3/2", restored, respooled)
	}
	if q.Depth() != 3 {
		t.Fatalf("depth = %d, want 3", q.Depth())
	}

	left, err := spool.Load(ctx)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(left) != 2 || left[0].Body != "3" || left[1].Body != "4" {
		t.Fatalf("left = %+v, want bodies 3 and 4", left)
	}
}
