// Package telegram accepts Telegram Bot API webhook updates and replies
// through the Bot API.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/channel"
	"fitbot/pkg/config"
	"fitbot/pkg/failure"
	"fitbot/pkg/retry"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	Name = "telegram"

	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Provider parses Telegram webhook updates.
type Provider struct {
	secret    string
	allowFrom map[string]struct{}
	log       *slog.Logger
}

func NewProvider(cfg config.TelegramConfig, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}

	return &Provider{
		secret:    strings.TrimSpace(cfg.WebhookSecret),
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}
}

func (p *Provider) Name() string {
	return Name
}

// Parse decodes one update. The update id is the dedup message id because
// Telegram redelivers an unacknowledged update with the same id.
func (p *Provider) Parse(r *http.Request, receivedAt time.Time) (bus.InboundEvent, error) {
	if p.secret != "" {
		got := strings.TrimSpace(r.Header.Get(SecretTokenHeader))
		if subtle.ConstantTimeCompare([]byte(got), []byte(p.secret)) != 1 {
			return bus.InboundEvent{}, failure.New(failure.MalformedRequest, "secret token mismatch")
		}
	}

	var update telego.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return bus.InboundEvent{}, failure.Wrap(failure.MalformedRequest, err, "decode update")
	}
	if update.UpdateID == 0 {
		return bus.InboundEvent{}, failure.New(failure.MalformedRequest, "missing update_id")
	}

	message := update.Message
	if message == nil {
		return bus.InboundEvent{}, fmt.Errorf("update %d has no message: %w", update.UpdateID, channel.ErrIgnored)
	}
	if message.From == nil {
		return bus.InboundEvent{}, failure.New(failure.MalformedRequest, "message without sender")
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		// Non-text messages (stickers, photos) have nothing to dispatch.
		return bus.InboundEvent{}, fmt.Errorf("update %d has no text: %w", update.UpdateID, channel.ErrIgnored)
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !p.senderAllowed(senderID) {
		p.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.InboundEvent{}, fmt.Errorf("sender %s not allowed: %w", senderID, channel.ErrIgnored)
	}

	return bus.InboundEvent{
		MessageID:  strconv.Itoa(update.UpdateID),
		SenderID:   senderID,
		Body:       content,
		ReceivedAt: receivedAt,
		Channel:    Name,
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		Metadata: map[string]string{
			"update_id":  strconv.Itoa(update.UpdateID),
			"message_id": strconv.Itoa(message.MessageID),
			"username":   message.From.Username,
		},
	}, nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (p *Provider) senderAllowed(senderID string) bool {
	if len(p.allowFrom) == 0 {
		return true
	}

	_, ok := p.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// Sender replies through the Bot API sendMessage method.
type Sender struct {
	bot *telego.Bot
	log *slog.Logger
}

// NewSender validates the bot token and constructs a sender. Options are
// passed to telego, e.g. to point at a test API server.
func NewSender(token string, log *slog.Logger, opts ...telego.BotOption) (*Sender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if log == nil {
		log = slog.Default()
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Sender{bot: bot, log: log.With("component", "channel.telegram.sender")}, nil
}

func (s *Sender) Send(ctx context.Context, to string, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return retry.Permanent(failure.Wrap(failure.DownstreamFailure, err, "parse chat id"))
	}

	s.log.Debug("Sending message", "chat_id", chatID, "content", channel.Preview(text))

	if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return failure.Wrap(failure.DownstreamFailure, err, "send telegram message")
	}

	return nil
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

var (
	_ channel.Provider = (*Provider)(nil)
	_ channel.Sender   = (*Sender)(nil)
)
