// Package dispatch hands accepted events to a bounded, sharded worker pool.
//
// Events are sharded by sender so each sender's messages are processed in
// arrival order and never concurrently. Enqueue never blocks; a full shard
// rejects the event with a queue_saturated failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/failure"
)

const (
	DefaultCapacity     = 1000
	DefaultWorkers      = 4
	DefaultEventTimeout = 60 * time.Second

	DurabilityDrop  = "drop"
	DurabilitySpool = "spool"
)

var (
	ErrClosed         = errors.New("dispatch queue closed")
	ErrAlreadyRunning = errors.New("dispatch workers already running")
)

// Handler processes one event. Returned errors are counted, not retried.
type Handler func(ctx context.Context, event bus.InboundEvent) error

type Options struct {
	Capacity     int
	Workers      int
	EventTimeout time.Duration
	Log          *slog.Logger
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	InFlight  int64  `json:"in_flight"`
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Closed    bool   `json:"closed"`
}

type Queue struct {
	shards       []chan bus.InboundEvent
	capacity     int
	eventTimeout time.Duration
	log          *slog.Logger

	done    chan struct{}
	closed  bool
	running atomic.Bool

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64

	mu sync.RWMutex
}

func NewQueue(opts Options) *Queue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > capacity {
		workers = capacity
	}
	timeout := opts.EventTimeout
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	shards := make([]chan bus.InboundEvent, workers)
	for i := range shards {
		size := capacity / workers
		if i < capacity%workers {
			size++
		}
		shards[i] = make(chan bus.InboundEvent, size)
	}

	return &Queue{
		shards:       shards,
		capacity:     capacity,
		eventTimeout: timeout,
		log:          log.With("component", "dispatch"),
		done:         make(chan struct{}),
	}
}

// Enqueue adds event to its sender's shard without blocking.
func (q *Queue) Enqueue(event bus.InboundEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	shard := q.shardFor(event.SenderID)
	select {
	case q.shards[shard] <- event:
		q.enqueued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return failure.New(failure.QueueSaturated, fmt.Sprintf("shard %d full (%d queued)", shard, len(q.shards[shard])))
	}
}

// Run starts one worker per shard and blocks until ctx is done or the queue
// is closed and every worker has finished its in-flight event.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if !q.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer q.running.Store(false)

	q.log.Info("Dispatch workers started", "workers", len(q.shards), "capacity", q.capacity)

	var wg sync.WaitGroup
	for i, shard := range q.shards {
		wg.Add(1)
		go func(id int, events <-chan bus.InboundEvent) {
			defer wg.Done()
			q.work(ctx, id, events, handler)
		}(i, shard)
	}
	wg.Wait()

	q.log.Info("Dispatch workers stopped", "pending", q.Depth())
	return nil
}

func (q *Queue) work(ctx context.Context, id int, events <-chan bus.InboundEvent, handler Handler) {
	for {
		// Shutdown wins over queued work; leftovers are drained by Pending.
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case event := <-events:
			q.process(ctx, id, event, handler)
		}
	}
}

func (q *Queue) process(ctx context.Context, worker int, event bus.InboundEvent, handler Handler) {
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	// The in-flight event finishes even when shutdown cancels ctx.
	eventCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.eventTimeout)
	defer cancel()

	err := q.safeHandle(eventCtx, event, handler)
	if err != nil {
		q.failed.Add(1)
		q.log.Debug("Dispatch handler returned error",
			"worker", worker,
			"channel", event.Channel,
			"message_id", event.MessageID,
			"error", err,
		)
		return
	}

	q.processed.Add(1)
}

func (q *Queue) safeHandle(ctx context.Context, event bus.InboundEvent, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Dispatch handler panicked",
				"channel", event.Channel,
				"message_id", event.MessageID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = failure.New(failure.Internal, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	return handler(ctx, event)
}

// Close stops accepting events and signals workers to exit after their
// in-flight event. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Pending removes and returns events still queued. Call it after Close and
// after Run has returned.
func (q *Queue) Pending() []bus.InboundEvent {
	var pending []bus.InboundEvent
	for _, shard := range q.shards {
	drain:
		for {
			select {
			case event := <-shard:
				pending = append(pending, event)
			default:
				break drain
			}
		}
	}
	return pending
}

func (q *Queue) Depth() int {
	depth := 0
	for _, shard := range q.shards {
		depth += len(shard)
	}
	return depth
}

func (q *Queue) Capacity() int {
	return q.capacity
}

func (q *Queue) Stats() Stats {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	return Stats{
		Depth:     q.Depth(),
		Capacity:  q.capacity,
		Workers:   len(q.shards),
		InFlight:  q.inFlight.Load(),
		Enqueued:  q.enqueued.Load(),
		Dropped:   q.dropped.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Closed:    closed,
	}
}

func (q *Queue) shardFor(senderID string) int {
	if len(q.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(senderID))
	return int(h.Sum32() % uint32(len(q.shards)))
}
