package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/channel"
	"fitbot/pkg/channel/twilio"
	"fitbot/pkg/logger"
	"fitbot/pkg/responder"
	"fitbot/pkg/state"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, to string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+"|"+text)
	return nil
}

func (s *recordingSender) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func twilioRegistry(t *testing.T, sender channel.Sender) *channel.Registry {
	t.Helper()
	registry := channel.NewRegistry()
	require.NoError(t, registry.Register(
		twilio.NewProvider(testConfig(t).Twilio, "http://localhost:5001", logger.Discard()),
		sender,
	))
	return registry
}

type runningService struct {
	baseURL string
	cancel  context.CancelFunc
	errCh   chan error
}

func startService(t *testing.T, svc *Service) *runningService {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Serve(ctx, ln)
	}()

	rs := &runningService{baseURL: "http://" + ln.Addr().String(), cancel: cancel, errCh: errCh}
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, rs.baseURL+"/health", 2*time.Second))
	return rs
}

func (rs *runningService) stop(t *testing.T) {
	t.Helper()
	rs.cancel()

	select {
	case err := <-rs.errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service to stop")
	}
}

func (rs *runningService) postWebhook(t *testing.T, form url.Values) {
	t.Helper()

	resp, err := http.Post(rs.baseURL+"/webhook/whatsapp", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatewayE2EWebhookToReply(t *testing.T) {
	sender := &recordingSender{}
	states := state.NewMemoryManager()
	svc := newTestService(t, testConfig(t),
		WithChannels(twilioRegistry(t, sender)),
		WithStateManager(states),
		WithResponder(responder.NewStatic("Welcome to your fitness coach!")),
	)
	rs := startService(t, svc)

	form := url.Values{
		"Body":       {"hello"},
		"From":       {"whatsapp:+15551234567"},
		"MessageSid": {"SM100"},
	}
	rs.postWebhook(t, form)

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"whatsapp:+15551234567|Welcome to your fitness coach!"}, sender.snapshot())

	// Twilio retries the same MessageSid when it misses the ack.
	rs.postWebhook(t, form)
	time.Sleep(150 * time.Millisecond)
	require.Len(t, sender.snapshot(), 1)

	st, err := states.GetUserState(context.Background(), "whatsapp:+15551234567")
	require.NoError(t, err)
	require.Equal(t, 1, st.MessageCount)

	require.Equal(t, http.StatusOK, waitHTTPStatus(t, rs.baseURL+"/readyz", time.Second))

	rs.stop(t)

	_, err = http.Get(rs.baseURL + "/health")
	require.Error(t, err, "server must be closed after shutdown")
}

func TestGatewayE2ESpoolsPendingEventsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Workers = 1
	cfg.Dispatch.Durability = "spool"

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := responder.Func(func(ctx context.Context, ev bus.InboundEvent, _ state.State) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "ack:" + ev.Body, nil
	})

	firstSender := &recordingSender{}
	first := newTestService(t, cfg,
		WithChannels(twilioRegistry(t, firstSender)),
		WithResponder(blocking),
	)
	rs := startService(t, first)

	for i, body := range []string{"one", "two", "three"} {
		rs.postWebhook(t, url.Values{
			"Body":       {body},
			"From":       {"whatsapp:+15551234567"},
			"MessageSid": {fmt.Sprintf("SM%d", i)},
		})
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first event never reached the responder")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	rs.stop(t)
	require.Equal(t, []string{"whatsapp:+15551234567|ack:one"}, firstSender.snapshot())

	secondSender := &recordingSender{}
	second := newTestService(t, cfg,
		WithChannels(twilioRegistry(t, secondSender)),
		WithResponder(responder.Func(func(_ context.Context, ev bus.InboundEvent, _ state.State) (string, error) {
			return "ack:" + ev.Body, nil
		})),
	)
	rs2 := startService(t, second)
	defer rs2.stop(t)

	require.Eventually(t, func() bool { return len(secondSender.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{
		"whatsapp:+15551234567|ack:two",
		"whatsapp:+15551234567|ack:three",
	}, secondSender.snapshot())
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}
