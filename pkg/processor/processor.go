// Package processor is the dispatch worker's handler: it loads sender state,
// asks the responder for a reply, saves state and sends the reply out.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/channel"
	"fitbot/pkg/failure"
	"fitbot/pkg/idempotency"
	"fitbot/pkg/metrics"
	"fitbot/pkg/responder"
	"fitbot/pkg/retry"
	"fitbot/pkg/state"
)

type Options struct {
	States    state.Manager
	Responder responder.Responder
	Channels  *channel.Registry
	Guard     idempotency.Store
	Hub       *bus.Hub
	Metrics   *metrics.Metrics
	Retry     retry.Policy
	Log       *slog.Logger
}

type Processor struct {
	states    state.Manager
	responder responder.Responder
	channels  *channel.Registry
	guard     idempotency.Store
	hub       *bus.Hub
	metrics   *metrics.Metrics
	policy    retry.Policy
	log       *slog.Logger
}

func New(opts Options) (*Processor, error) {
	if opts.States == nil {
		return nil, errors.New("state manager is required")
	}
	if opts.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if opts.Channels == nil {
		return nil, errors.New("channel registry is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Processor{
		states:    opts.States,
		responder: opts.Responder,
		channels:  opts.Channels,
		guard:     opts.Guard,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		policy:    opts.Retry.Normalize(),
		log:       log.With("component", "processor"),
	}, nil
}

// Handle runs one event through the collaborators. Its result never reaches
// the webhook caller, which was acknowledged before dispatch.
func (p *Processor) Handle(ctx context.Context, event bus.InboundEvent) error {
	started := time.Now()
	log := p.log.With("channel", event.Channel, "message_id", event.MessageID, "sender_id", event.SenderID)

	p.publish(ctx, bus.EventDispatched, event, nil, "")

	st, err := retryCall(ctx, p, "get_state", func(ctx context.Context) (state.State, error) {
		return p.states.GetUserState(ctx, event.SenderID)
	})
	if err != nil {
		return p.fail(ctx, log, event, "load sender state", err)
	}
	st = state.Observe(st, event.Channel, event.Body, event.ReceivedAt)

	reply, err := retryCall(ctx, p, "generate_reply", func(ctx context.Context) (string, error) {
		return p.responder.GenerateReply(ctx, event, st)
	})
	if err != nil {
		return p.fail(ctx, log, event, "generate reply", err)
	}

	if _, err := retryCall(ctx, p, "save_state", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.states.SaveUserState(ctx, event.SenderID, st)
	}); err != nil {
		return p.fail(ctx, log, event, "save sender state", err)
	}

	if reply == "" {
		log.Debug("No reply generated")
		p.markDelivered(ctx, log, event)
		p.metrics.EventProcessed(event.Channel, metrics.ResultNoReply)
		p.publish(ctx, bus.EventDelivered, event, map[string]string{"reply": "none"}, "")
		return nil
	}

	sender, ok := p.channels.Sender(event.Channel)
	if !ok {
		return p.fail(ctx, log, event, "resolve sender", fmt.Errorf("no sender registered for channel %q", event.Channel))
	}

	out := bus.OutboundMessage{
		Channel:   event.Channel,
		To:        event.ReplyTo(),
		Content:   reply,
		InReplyTo: event.MessageID,
	}
	if _, err := retryCall(ctx, p, "send_reply", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, sender.Send(ctx, out.To, out.Content)
	}); err != nil {
		return p.fail(ctx, log, event, "send reply", err)
	}

	p.markDelivered(ctx, log, event)
	p.metrics.EventProcessed(event.Channel, metrics.ResultDelivered)
	p.publish(ctx, bus.EventDelivered, event, map[string]string{
		"to":          out.To,
		"duration_ms": fmt.Sprintf("%d", time.Since(started).Milliseconds()),
	}, "")

	log.Info("Reply delivered", "to", out.To, "content", channel.Preview(out.Content), "message_count", st.MessageCount)
	return nil
}

// fail reports a terminal failure. Retries are exhausted at this point, so
// the log line carries alert=true for operators.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, event bus.InboundEvent, stage string, err error) error {
	if failure.CategoryFromError(err) == failure.Internal {
		err = failure.Wrap(failure.DownstreamFailure, err, stage)
	}

	log.Error("Event processing failed", "stage", stage, "alert", true, "error", err)
	p.metrics.EventProcessed(event.Channel, metrics.ResultFailed)
	p.publish(ctx, bus.EventFailed, event, map[string]string{"stage": stage}, err.Error())
	return err
}

func (p *Processor) markDelivered(ctx context.Context, log *slog.Logger, event bus.InboundEvent) {
	if p.guard == nil {
		return
	}
	if err := p.guard.MarkDelivered(ctx, event.DedupKey()); err != nil {
		log.Warn("Failed to mark message delivered", "error", err)
	}
}

func (p *Processor) publish(ctx context.Context, eventType bus.EventType, event bus.InboundEvent, payload map[string]string, errText string) {
	p.hub.Publish(ctx, bus.Event{
		Type:      eventType,
		Channel:   event.Channel,
		MessageID: event.MessageID,
		SenderID:  event.SenderID,
		Payload:   payload,
		Error:     errText,
	})
}

func retryCall[T any](ctx context.Context, p *Processor, operation string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := retry.Do(ctx, p.policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			p.metrics.Retry(operation)
			p.log.Debug("Retrying collaborator call", "operation", operation, "attempt", attempt)
		}
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}
