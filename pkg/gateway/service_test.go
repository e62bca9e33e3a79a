package gateway

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"fitbot/pkg/config"
	"fitbot/pkg/idempotency"
	"fitbot/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		App: config.AppConfig{
			Name:            "WhatsApp Fitness Bot",
			ServiceID:       "whatsapp-fitness-bot",
			Version:         "1.0.0",
			Environment:     "development",
			Port:            5001,
			URL:             "http://localhost:5001",
			ShutdownTimeout: 3 * time.Second,
		},
		Database:    config.DatabaseConfig{URL: filepath.Join(t.TempDir(), "fitbot.db")},
		Idempotency: config.IdempotencyConfig{Backend: idempotency.BackendMemory, TTL: time.Hour},
		Dispatch: config.DispatchConfig{
			Capacity:     10,
			Workers:      2,
			EventTimeout: 5 * time.Second,
			Durability:   "drop",
		},
		Delivery: config.DeliveryConfig{MaxAttempts: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Webhook:  config.WebhookConfig{AckTimeout: time.Second},
		Logging:  config.LoggingConfig{Format: "text", Level: "error"},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
}

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), cfg, logger.Discard(), opts...)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	t.Cleanup(svc.closeResources)
	return svc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func expectBodyContains(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("body %s missing %s", rec.Body.String(), want)
	}
}

func expectJSONFields(t *testing.T, rec *httptest.ResponseRecorder, want map[string]string) {
	t.Helper()
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	if !maps.Equal(got, want) {
		t.Fatalf("body = %v, want %v", got, want)
	}
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status %s: %v", rec.Body.String(), err)
	}
	return status
}

func TestHealthAndDescriptor(t *testing.T) {
	svc := newTestService(t, testConfig(t))

	rec := get(t, svc.Handler(), "/health")
	expectStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q, want application/json", ct)
	}
	expectJSONFields(t, rec, map[string]string{"status": "healthy", "service": "whatsapp-fitness-bot"})

	rec = get(t, svc.Handler(), "/")
	expectStatus(t, rec, http.StatusOK)
	expectJSONFields(t, rec, map[string]string{"service": "WhatsApp Fitness Bot", "status": "running", "version": "1.0.0"})
}

func TestHealthStaysUpUnderQueueSaturation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Capacity = 1
	cfg.Dispatch.Workers = 1
	svc := newTestService(t, cfg)

	for _, sid := range []string{"SM1", "SM2", "SM3"} {
		rec := postForm(svc.Handler(), "/webhook/whatsapp", url.Values{
			"Body": {"hello"}, "From": {"whatsapp:+15551234567"}, "MessageSid": {sid},
		})
		expectStatus(t, rec, http.StatusOK)
	}

	rec := get(t, svc.Handler(), "/health")
	expectStatus(t, rec, http.StatusOK)
	expectBodyContains(t, rec, `"status":"healthy"`)

	rec = get(t, svc.Handler(), "/readyz")
	expectStatus(t, rec, http.StatusOK)

	status := decodeStatus(t, rec)
	if status.Queue.Depth != 1 || status.Queue.Capacity != 1 || status.Queue.Dropped != 2 {
		t.Fatalf("queue = %+v, want depth 1, capacity 1, dropped 2", status.Queue)
	}
}

func TestReadyzReportsDrainingAndMissingConfig(t *testing.T) {
	svc := newTestService(t, testConfig(t))

	rec := get(t, svc.Handler(), "/readyz")
	expectStatus(t, rec, http.StatusOK)

	status := decodeStatus(t, rec)
	if status.Status != "ready" {
		t.Fatalf("status = %q, want ready", status.Status)
	}
	if !slices.Equal(status.Providers, []string{"twilio"}) {
		t.Fatalf("providers = %v, want [twilio]", status.Providers)
	}
	if status.IdempotencyBackend != idempotency.BackendMemory {
		t.Fatalf("backend = %q, want %q", status.IdempotencyBackend, idempotency.BackendMemory)
	}
	for _, key := range []string{"TWILIO_ACCOUNT_SID", "ANTHROPIC_API_KEY"} {
		if !slices.Contains(status.MissingConfig, key) {
			t.Fatalf("missing config %v does not list %s", status.MissingConfig, key)
		}
	}

	svc.draining.Store(true)
	rec = get(t, svc.Handler(), "/readyz")
	expectStatus(t, rec, http.StatusServiceUnavailable)
	expectBodyContains(t, rec, `"draining":true`)
}

func TestMetricsEndpointToggle(t *testing.T) {
	svc := newTestService(t, testConfig(t))
	postForm(svc.Handler(), "/webhook/whatsapp", url.Values{"Body": {"hi"}, "From": {"+1"}, "MessageSid": {"SM1"}})

	rec := get(t, svc.Handler(), "/metrics")
	expectStatus(t, rec, http.StatusOK)
	expectBodyContains(t, rec, `fitbot_webhooks_total{outcome="accepted",provider="twilio"} 1`)
	expectBodyContains(t, rec, "fitbot_dispatch_queue_depth 1")

	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	disabled := newTestService(t, cfg)
	expectStatus(t, get(t, disabled.Handler(), "/metrics"), http.StatusNotFound)
}

func TestUnknownProviderRoute(t *testing.T) {
	svc := newTestService(t, testConfig(t))

	// telegram is not registered without a token.
	rec := postForm(svc.Handler(), "/webhook/telegram", url.Values{"Body": {"hi"}})
	expectStatus(t, rec, http.StatusNotFound)
}

func TestNewServiceValidatesConfig(t *testing.T) {
	if _, err := NewService(context.Background(), nil, logger.Discard()); err == nil {
		t.Fatal("expected error for nil config")
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "idempotency backend",
			mutate:  func(cfg *config.Config) { cfg.Idempotency.Backend = "etcd" },
			wantErr: "unsupported idempotency backend",
		},
		{
			name:    "dispatch durability",
			mutate:  func(cfg *config.Config) { cfg.Dispatch.Durability = "kafka" },
			wantErr: "unsupported dispatch durability",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := NewService(context.Background(), cfg, logger.Discard())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewService error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSQLiteBackendSelected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Idempotency.Backend = idempotency.BackendSQLite
	cfg.Dispatch.Durability = "spool"
	svc := newTestService(t, cfg)

	if got := svc.backendName(); got != idempotency.BackendSQLite {
		t.Fatalf("backend = %q, want %q", got, idempotency.BackendSQLite)
	}
	if svc.spool == nil {
		t.Fatal("spool durability must open a spool")
	}
	// The database is opened once and shared.
	if len(svc.closers) != 1 {
		t.Fatalf("closers = %d, want 1", len(svc.closers))
	}
}
