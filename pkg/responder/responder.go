// Package responder defines the reply generation contract used by dispatch workers.
package responder

import (
	"context"
	"strings"

	"fitbot/pkg/bus"
	"fitbot/pkg/state"
)

// Responder produces the reply text for one inbound event. An empty reply
// means nothing is sent back.
type Responder interface {
	GenerateReply(ctx context.Context, event bus.InboundEvent, st state.State) (string, error)
}

// Func adapts a plain function to Responder.
type Func func(ctx context.Context, event bus.InboundEvent, st state.State) (string, error)

func (f Func) GenerateReply(ctx context.Context, event bus.InboundEvent, st state.State) (string, error) {
	return f(ctx, event, st)
}

// Static replies with the same configured text to every message.
type Static struct {
	text string
}

func NewStatic(text string) *Static {
	return &Static{text: strings.TrimSpace(text)}
}

func (s *Static) GenerateReply(ctx context.Context, _ bus.InboundEvent, _ state.State) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.text, nil
}
