// Package webhook receives provider webhook calls and acknowledges them
// before any downstream work happens.
//
// Every request that names a known provider is answered with 200 within the
// ack budget, whatever happens to the payload. Providers retry anything else,
// and retries are what the idempotency guard exists to absorb.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/channel"
	"fitbot/pkg/dispatch"
	"fitbot/pkg/failure"
	"fitbot/pkg/idempotency"
	"fitbot/pkg/logger"
	"fitbot/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	MaxBodyBytes            = 64 << 10
	DefaultAckTimeout       = 2 * time.Second
	DefaultAdmissionTimeout = 30 * time.Second
)

// Enqueuer is the non-blocking side of the dispatch queue.
type Enqueuer interface {
	Enqueue(event bus.InboundEvent) error
}

type Options struct {
	Channels   *channel.Registry
	Guard      idempotency.Store
	Queue      Enqueuer
	Hub        *bus.Hub
	Metrics    *metrics.Metrics
	AckTimeout time.Duration

	// AdmissionTimeout bounds the dedup claim and enqueue, which may outlive
	// the ack. It is never shorter than AckTimeout.
	AdmissionTimeout time.Duration

	Log *slog.Logger
	Now func() time.Time
}

type Receiver struct {
	channels   *channel.Registry
	guard      idempotency.Store
	queue      Enqueuer
	hub        *bus.Hub
	metrics    *metrics.Metrics
	ackTimeout time.Duration
	admitLimit time.Duration
	log        *slog.Logger
	now        func() time.Time

	admissions sync.WaitGroup
}

func NewReceiver(opts Options) (*Receiver, error) {
	if opts.Channels == nil {
		return nil, errors.New("channel registry is required")
	}
	if opts.Guard == nil {
		return nil, errors.New("idempotency store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("dispatch queue is required")
	}

	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	admitLimit := opts.AdmissionTimeout
	if admitLimit <= 0 {
		admitLimit = DefaultAdmissionTimeout
	}
	if admitLimit < ackTimeout {
		admitLimit = ackTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Receiver{
		channels:   opts.Channels,
		guard:      opts.Guard,
		queue:      opts.Queue,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		ackTimeout: ackTimeout,
		admitLimit: admitLimit,
		log:        log.With("component", "webhook"),
		now:        now,
	}, nil
}

// Handle serves POST /webhook/{provider}.
func (rc *Receiver) Handle(w http.ResponseWriter, r *http.Request) {
	rc.serve(w, r, chi.URLParam(r, "provider"))
}

// HandleProvider serves a fixed route for one provider.
func (rc *Receiver) HandleProvider(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc.serve(w, r, name)
	}
}

func (rc *Receiver) serve(w http.ResponseWriter, r *http.Request, name string) {
	start := rc.now()
	defer func() {
		rc.metrics.ObserveAck(rc.now().Sub(start).Seconds())
	}()

	provider, ok := rc.channels.Provider(name)
	if !ok {
		rc.log.Debug("Webhook for unknown provider", "provider", name)
		http.NotFound(w, r)
		return
	}
	name = provider.Name()

	log := logger.ForRequest(r.Context(), rc.log).With("provider", name)

	// A trickled body must not eat the ack budget.
	if err := http.NewResponseController(w).SetReadDeadline(start.Add(rc.ackTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Debug("Failed to set body read deadline", "error", err)
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		rc.rejectMalformed(r.Context(), log, name, raw, failure.Wrap(failure.MalformedRequest, err, "read body"))
		ack(w)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	event, err := provider.Parse(r, start.UTC())
	if err != nil {
		if errors.Is(err, channel.ErrIgnored) {
			log.Debug("Webhook ignored", "reason", err)
			rc.metrics.WebhookOutcome(name, metrics.OutcomeIgnored)
		} else {
			rc.rejectMalformed(r.Context(), log, name, raw, err)
		}
		ack(w)
		return
	}

	// Admission is detached from the client so a hung-up provider cannot
	// abort a half-done claim. Only the ack wait is bounded by ackTimeout:
	// once the 200 is out the provider will not retry, so admission must be
	// allowed to finish.
	admitCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), rc.admitLimit)
	done := make(chan struct{})
	rc.admissions.Add(1)
	go func() {
		defer rc.admissions.Done()
		defer close(done)
		defer cancel()
		_ = rc.admit(admitCtx, log, event)
	}()

	timer := time.NewTimer(max(rc.ackTimeout-rc.now().Sub(start), 0))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Warn("Admission exceeded ack budget, acknowledging anyway",
			"message_id", event.MessageID,
			"ack_timeout", rc.ackTimeout,
		)
		rc.metrics.WebhookOutcome(name, metrics.OutcomeTimeout)
	}

	ack(w)
}

// Wait blocks until admissions still running after their ack have finished,
// or ctx is done.
func (rc *Receiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		rc.admissions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit runs the dedup check and enqueue for one parsed event. A nil result
// means the event is queued; otherwise the error's category names why not.
func (rc *Receiver) admit(ctx context.Context, log *slog.Logger, event bus.InboundEvent) error {
	key := event.DedupKey()
	log = log.With("message_id", event.MessageID, "sender_id", event.SenderID)

	outcome, err := rc.guard.CheckAndRecord(ctx, key)
	if err != nil {
		if !errors.Is(err, failure.ErrStoreUnavailable) {
			err = failure.Wrap(failure.StoreUnavailable, err, "check and record")
		}
		// Fail closed: without the guard there is no way to tell a retry
		// from a new message.
		log.Error("Idempotency store unavailable, dropping delivery", "alert", true, "error", err)
		rc.metrics.WebhookOutcome(event.Channel, metrics.OutcomeStoreDown)
		rc.publish(ctx, bus.EventDropped, event, err)
		return err
	}

	if outcome == idempotency.Duplicate {
		err := failure.New(failure.DuplicateDelivery, key)
		log.Debug("Duplicate delivery ignored")
		rc.metrics.WebhookOutcome(event.Channel, metrics.OutcomeDuplicate)
		rc.publish(ctx, bus.EventDuplicate, event, err)
		return err
	}

	if err := rc.queue.Enqueue(event); err != nil {
		resultOutcome := metrics.OutcomeSaturated
		if errors.Is(err, dispatch.ErrClosed) {
			resultOutcome = metrics.OutcomeClosed
			log.Warn("Gateway shutting down, delivery not enqueued")
		} else {
			log.Warn("Dispatch queue saturated, delivery dropped", "error", err)
		}

		// Forget the claim so the provider's next retry is admitted.
		if releaseErr := rc.guard.Release(ctx, key); releaseErr != nil {
			log.Error("Failed to release dedup claim", "error", releaseErr)
		}

		rc.metrics.WebhookOutcome(event.Channel, resultOutcome)
		rc.publish(ctx, bus.EventDropped, event, err)
		return err
	}

	log.Info("Webhook accepted", "content", channel.Preview(event.Body))
	rc.metrics.WebhookOutcome(event.Channel, metrics.OutcomeAccepted)
	rc.publish(ctx, bus.EventAccepted, event, nil)
	return nil
}

func (rc *Receiver) rejectMalformed(ctx context.Context, log *slog.Logger, provider string, raw []byte, err error) {
	log.Warn("Malformed webhook payload", "error", err, "payload", channel.Preview(string(raw)))
	rc.metrics.WebhookOutcome(provider, metrics.OutcomeMalformed)
	rc.hub.Publish(ctx, bus.Event{
		Type:      bus.EventMalformed,
		Channel:   provider,
		RequestID: middleware.GetReqID(ctx),
		Error:     err.Error(),
	})
}

func (rc *Receiver) publish(ctx context.Context, eventType bus.EventType, event bus.InboundEvent, err error) {
	ev := bus.Event{
		Type:      eventType,
		Channel:   event.Channel,
		MessageID: event.MessageID,
		SenderID:  event.SenderID,
		RequestID: middleware.GetReqID(ctx),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	rc.hub.Publish(context.WithoutCancel(ctx), ev)
}

func ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}
