package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fitbot/pkg/channel"
	"fitbot/pkg/config"
	"fitbot/pkg/failure"
	"fitbot/pkg/retry"

	twiliosdk "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	whatsAppPrefix   = "whatsapp:"
	defaultAPIBase   = "https://api.twilio.com"
	defaultSendLimit = 15 * time.Second
)

// Sender creates replies through the Twilio Messages API.
type Sender struct {
	httpClient *http.Client
	apiBase    *url.URL
	accountSID string
	authToken  string
	from       string
	log        *slog.Logger
}

// NewSender requires the account SID, auth token and sender number.
// A nil client gets a default one with a request timeout. A non-default
// APIBaseURL redirects every API call to that host.
func NewSender(cfg config.TwilioConfig, httpClient *http.Client, log *slog.Logger) (*Sender, error) {
	sid := strings.TrimSpace(cfg.AccountSID)
	token := strings.TrimSpace(cfg.AuthToken)
	from := strings.TrimSpace(cfg.WhatsAppNumber)
	if sid == "" || token == "" || from == "" {
		return nil, errors.New("twilio account sid, auth token and sender number are required")
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultSendLimit}
	}
	if log == nil {
		log = slog.Default()
	}

	var apiBase *url.URL
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/"); base != "" && base != defaultAPIBase {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid twilio api base url %q", cfg.APIBaseURL)
		}
		apiBase = parsed
	}

	return &Sender{
		httpClient: httpClient,
		apiBase:    apiBase,
		accountSID: sid,
		authToken:  token,
		from:       from,
		log:        log.With("component", "channel.twilio.sender"),
	}, nil
}

// Send creates one outbound message. Client errors other than 429 are
// returned as permanent so the caller does not retry them.
func (s *Sender) Send(ctx context.Context, to string, text string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return retry.Permanent(failure.New(failure.DownstreamFailure, "recipient is required"))
	}
	if err := ctx.Err(); err != nil {
		return failure.Wrap(failure.DownstreamFailure, err, "twilio request")
	}

	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(s.accountSID)
	params.SetTo(to)
	params.SetFrom(senderAddress(s.from, to))
	params.SetBody(text)

	msg, err := s.restClient(ctx).Api.CreateMessage(params)
	if err != nil {
		return classify(err)
	}

	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	s.log.Debug("Twilio message created", "to", to, "sid", sid, "content", channel.Preview(text))
	return nil
}

// restClient binds one API client to ctx. The SDK calls take no context, so
// cancellation travels through the transport.
func (s *Sender) restClient(ctx context.Context) *twiliosdk.RestClient {
	base := s.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	c := &client.Client{
		Credentials: client.NewCredentials(s.accountSID, s.authToken),
		HTTPClient: &http.Client{
			Timeout:   s.httpClient.Timeout,
			Transport: &requestTransport{ctx: ctx, apiBase: s.apiBase, base: base},
		},
	}
	c.SetAccountSid(s.accountSID)

	return twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{Client: c})
}

func classify(err error) error {
	var apiErr *client.TwilioRestError
	if !errors.As(err, &apiErr) {
		return failure.Wrap(failure.DownstreamFailure, err, "twilio request")
	}

	wrapped := failure.New(failure.DownstreamFailure, fmt.Sprintf("twilio responded %d: %d %s", apiErr.Status, apiErr.Code, apiErr.Message))
	if apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests {
		return retry.Permanent(wrapped)
	}
	return wrapped
}

// requestTransport attaches the send context to every SDK request and, when
// configured, points it at another API host.
type requestTransport struct {
	ctx     context.Context
	apiBase *url.URL
	base    http.RoundTripper
}

func (t *requestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(t.ctx)
	if t.apiBase != nil {
		out.URL.Scheme = t.apiBase.Scheme
		out.URL.Host = t.apiBase.Host
		out.URL.Path = strings.TrimRight(t.apiBase.Path, "/") + out.URL.Path
		out.URL.RawPath = ""
		out.Host = t.apiBase.Host
	}
	return t.base.RoundTrip(out)
}

// senderAddress mirrors the recipient's channel prefix onto the configured
// number, so one number serves both WhatsApp and SMS replies.
func senderAddress(from, to string) string {
	bare := strings.TrimPrefix(from, whatsAppPrefix)
	if strings.HasPrefix(to, whatsAppPrefix) {
		return whatsAppPrefix + bare
	}
	return bare
}

var _ channel.Sender = (*Sender)(nil)
