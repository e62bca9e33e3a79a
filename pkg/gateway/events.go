package gateway

import (
	"context"
	"log/slog"
	"time"

	"fitbot/pkg/bus"
)

func observeEvents(ctx context.Context, hub *bus.Hub, log *slog.Logger) {
	// The hub drops events for a slow observer, so logging never holds up
	// admission or workers.
	log = log.With("component", "bus.events")
	events, unsubscribe := hub.Subscribe(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"channel", event.Channel,
		"message_id", event.MessageID,
		"sender_id", event.SenderID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventFailed, bus.EventDropped:
		log.Warn("Lifecycle event", append(attrs, "error", event.Error)...)
	case bus.EventMalformed:
		log.Debug("Lifecycle event", append(attrs, "error", event.Error)...)
	default:
		log.Debug("Lifecycle event", attrs...)
	}
}
