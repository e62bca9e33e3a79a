// Package twilio parses Twilio WhatsApp/SMS webhooks and sends replies over
// the Twilio Messages REST API.
package twilio

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/channel"
	"fitbot/pkg/config"
	"fitbot/pkg/failure"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go/client"
)

const (
	Name = "twilio"

	SignatureHeader = "X-Twilio-Signature"
)

// messageIDFields are checked in order; Twilio sends different names for
// WhatsApp, SMS and legacy payloads.
var messageIDFields = []string{"MessageSid", "SmsMessageSid", "SmsSid"}

// Provider parses Twilio form-encoded message webhooks.
type Provider struct {
	authToken         string
	publicURL         string
	validateSignature bool
	validator         client.RequestValidator
	log               *slog.Logger
}

// NewProvider builds the Twilio parser. publicURL is the externally visible
// base URL Twilio signs requests against.
func NewProvider(cfg config.TwilioConfig, publicURL string, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}

	authToken := strings.TrimSpace(cfg.AuthToken)
	return &Provider{
		authToken:         authToken,
		publicURL:         strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		validateSignature: cfg.ValidateSignature,
		validator:         client.NewRequestValidator(authToken),
		log:               log.With("component", "channel.twilio"),
	}
}

func (p *Provider) Name() string {
	return Name
}

// Parse reads the form body. From and Body are required; the provider
// message id falls back to a generated one when Twilio omits it.
func (p *Provider) Parse(r *http.Request, receivedAt time.Time) (bus.InboundEvent, error) {
	if err := r.ParseForm(); err != nil {
		return bus.InboundEvent{}, failure.Wrap(failure.MalformedRequest, err, "decode form body")
	}

	if p.validateSignature {
		if err := p.verify(r); err != nil {
			return bus.InboundEvent{}, err
		}
	}

	form := r.PostForm
	from := strings.TrimSpace(form.Get("From"))
	if from == "" {
		return bus.InboundEvent{}, failure.New(failure.MalformedRequest, "missing From")
	}
	body := strings.TrimSpace(form.Get("Body"))
	if body == "" {
		return bus.InboundEvent{}, failure.New(failure.MalformedRequest, "missing Body")
	}

	messageID := firstValue(form, messageIDFields...)
	metadata := map[string]string{}
	if messageID == "" {
		messageID = uuid.NewString()
		metadata["message_id_source"] = "generated"
		p.log.Debug("Twilio payload has no message sid, generated one", "message_id", messageID, "from", from)
	}
	for key, field := range map[string]string{
		"to":           "To",
		"account_sid":  "AccountSid",
		"profile_name": "ProfileName",
		"wa_id":        "WaId",
		"num_media":    "NumMedia",
	} {
		if value := strings.TrimSpace(form.Get(field)); value != "" {
			metadata[key] = value
		}
	}

	return bus.InboundEvent{
		MessageID:  messageID,
		SenderID:   from,
		Body:       body,
		ReceivedAt: receivedAt,
		Channel:    Name,
		Metadata:   metadata,
	}, nil
}

func (p *Provider) verify(r *http.Request) error {
	header := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if header == "" {
		return failure.New(failure.MalformedRequest, SignatureHeader+" header is required")
	}
	if p.authToken == "" {
		return failure.New(failure.MalformedRequest, "signature validation enabled without TWILIO_AUTH_TOKEN")
	}

	if !p.validator.Validate(p.publicURL+r.URL.RequestURI(), formParams(r.PostForm), header) {
		return failure.New(failure.MalformedRequest, "signature verification failed")
	}

	return nil
}

// formParams flattens the form for signing. Twilio never repeats a webhook
// parameter, so the first value is the only one.
func formParams(form url.Values) map[string]string {
	params := make(map[string]string, len(form))
	for key := range form {
		params[key] = form.Get(key)
	}
	return params
}

func firstValue(values url.Values, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(values.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

var _ channel.Provider = (*Provider)(nil)
