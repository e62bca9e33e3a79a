// Package channel defines the provider-facing edges of the gateway: parsing
// inbound webhook payloads and sending replies back out.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"fitbot/pkg/bus"
)

const messagePreviewLimit = 240

// ErrIgnored marks a well-formed delivery that carries nothing to dispatch,
// such as a non-text update or a sender outside the allow list.
var ErrIgnored = errors.New("delivery ignored")

// Provider turns one webhook request into an InboundEvent. Parse must not
// block on anything but reading the request.
type Provider interface {
	Name() string
	Parse(r *http.Request, receivedAt time.Time) (bus.InboundEvent, error)
}

// Sender delivers reply text to one provider address.
type Sender interface {
	Send(ctx context.Context, to string, text string) error
}

// Registry maps provider names to their parser and outbound sender.
type Registry struct {
	providers map[string]Provider
	senders   map[string]Sender
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		senders:   make(map[string]Sender),
	}
}

// Register adds a provider and its sender. Names are case-insensitive.
func (r *Registry) Register(provider Provider, sender Sender) error {
	if provider == nil {
		return errors.New("provider is required")
	}
	if sender == nil {
		return fmt.Errorf("sender is required for provider %q", provider.Name())
	}

	name := normalizeName(provider.Name())
	if name == "" {
		return errors.New("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	r.senders[name] = sender

	return nil
}

func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalizeName(name)]
	return p, ok
}

func (r *Registry) Sender(name string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[normalizeName(name)]
	return s, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogSender writes replies to the log instead of a provider API. It backs
// providers whose credentials are not configured.
type LogSender struct {
	channel string
	log     *slog.Logger
}

func NewLogSender(channel string, log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{
		channel: channel,
		log:     log.With("component", "channel.log_sender", "channel", channel),
	}
}

func (s *LogSender) Send(ctx context.Context, to string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("Outbound message (not sent, no provider credentials)", "to", to, "content", Preview(text))
	return nil
}

// Preview returns a bounded log-safe preview of message text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
