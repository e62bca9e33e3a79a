package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"fitbot/pkg/bus"
	"fitbot/pkg/channel"
	"fitbot/pkg/config"
	"fitbot/pkg/dispatch"
	"fitbot/pkg/idempotency"
	"fitbot/pkg/metrics"
	"fitbot/pkg/processor"
	"fitbot/pkg/responder"
	"fitbot/pkg/retry"
	"fitbot/pkg/state"
	"fitbot/pkg/webhook"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
)

// Service wires the webhook receiver, idempotency guard, dispatch queue and
// worker pool behind one HTTP server.
type Service struct {
	cfg     *config.Config
	log     *slog.Logger
	baseLog *slog.Logger

	channels  *channel.Registry
	guard     idempotency.Store
	queue     *dispatch.Queue
	spool     *dispatch.Spool
	hub       *bus.Hub
	metrics   *metrics.Metrics
	processor *processor.Processor
	receiver  *webhook.Receiver
	router    http.Handler
	closers   []func() error

	draining atomic.Bool

	mu        sync.RWMutex
	startedAt time.Time
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type descriptorResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

type statusResponse struct {
	Status             string         `json:"status"`
	UptimeSeconds      int64          `json:"uptime_seconds"`
	Draining           bool           `json:"draining"`
	Providers          []string       `json:"providers"`
	IdempotencyBackend string         `json:"idempotency_backend"`
	Durability         string         `json:"durability"`
	MissingConfig      []string       `json:"missing_config,omitempty"`
	Queue              dispatch.Stats `json:"queue"`
}

// Option overrides a collaborator, mostly for tests and embedding.
type Option func(*deps)

type deps struct {
	guard     idempotency.Store
	channels  *channel.Registry
	states    state.Manager
	responder responder.Responder
}

func WithGuard(guard idempotency.Store) Option {
	return func(d *deps) { d.guard = guard }
}

func WithChannels(registry *channel.Registry) Option {
	return func(d *deps) { d.channels = registry }
}

func WithStateManager(states state.Manager) Option {
	return func(d *deps) { d.states = states }
}

func WithResponder(r responder.Responder) Option {
	return func(d *deps) { d.responder = r }
}

// NewService builds every component from cfg. Stores that need a connection
// (redis, sqlite) are opened here, so a bad address fails startup.
func NewService(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	var d deps
	for _, opt := range opts {
		opt(&d)
	}

	s := &Service{
		cfg:     cfg,
		log:     log.With("component", "gateway.service"),
		baseLog: log,
		hub:     bus.NewHub(),
		metrics: metrics.New(),
	}

	if err := s.build(ctx, d, log); err != nil {
		s.closeResources()
		return nil, err
	}

	return s, nil
}

func (s *Service) build(ctx context.Context, d deps, log *slog.Logger) error {
	durability := s.cfg.Dispatch.Durability
	if durability == "" {
		durability = dispatch.DurabilityDrop
	}
	if durability != dispatch.DurabilityDrop && durability != dispatch.DurabilitySpool {
		return fmt.Errorf("unsupported dispatch durability %q", durability)
	}

	res := &resources{cfg: s.cfg, log: log}
	defer func() { s.closers = append(s.closers, res.closers...) }()

	guard := d.guard
	if guard == nil {
		var err error
		guard, err = res.guard(ctx)
		if err != nil {
			return err
		}
	}
	s.guard = guard

	if durability == dispatch.DurabilitySpool {
		db, err := res.database(ctx)
		if err != nil {
			return err
		}
		s.spool = dispatch.NewSpool(db, log)
	}

	channels := d.channels
	if channels == nil {
		var err error
		channels, err = buildChannels(s.cfg, log)
		if err != nil {
			return err
		}
	}
	s.channels = channels

	states := d.states
	if states == nil {
		states = state.NewMemoryManager()
	}
	reply := d.responder
	if reply == nil {
		reply = responder.NewStatic(s.cfg.AI.AutoReplyText)
	}

	s.queue = dispatch.NewQueue(dispatch.Options{
		Capacity:     s.cfg.Dispatch.Capacity,
		Workers:      s.cfg.Dispatch.Workers,
		EventTimeout: s.cfg.Dispatch.EventTimeout,
		Log:          log,
	})
	s.metrics.ObserveQueue(s.queue)

	proc, err := processor.New(processor.Options{
		States:    states,
		Responder: reply,
		Channels:  channels,
		Guard:     guard,
		Hub:       s.hub,
		Metrics:   s.metrics,
		Retry: retry.Policy{
			MaxAttempts:    s.cfg.Delivery.MaxAttempts,
			InitialBackoff: s.cfg.Delivery.Backoff,
			MaxBackoff:     s.cfg.Delivery.MaxBackoff,
		},
		Log: log,
	})
	if err != nil {
		return fmt.Errorf("initialize processor: %w", err)
	}
	s.processor = proc

	receiver, err := webhook.NewReceiver(webhook.Options{
		Channels:         channels,
		Guard:            guard,
		Queue:            s.queue,
		Hub:              s.hub,
		Metrics:          s.metrics,
		AckTimeout:       s.cfg.Webhook.AckTimeout,
		AdmissionTimeout: s.cfg.Webhook.AdmissionTimeout,
		Log:              log,
	})
	if err != nil {
		return fmt.Errorf("initialize webhook receiver: %w", err)
	}
	s.receiver = receiver

	s.router = s.routes()
	return nil
}

// Handler exposes the HTTP routes without starting a server.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		s.closeResources()
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr(), err)
	}

	return s.Serve(ctx, ln)
}

// Serve starts the workers and the HTTP server on ln, then drains both when
// ctx is done or the server fails.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	observerCtx, stopObserver := context.WithCancel(context.Background())
	defer stopObserver()
	go observeEvents(observerCtx, s.hub, s.baseLog)

	if s.spool != nil {
		restored, respooled, err := dispatch.Restore(ctx, s.queue, s.spool)
		if err != nil {
			s.log.Error("Failed to restore spooled events", "error", err)
		} else if restored > 0 || respooled > 0 {
			s.log.Info("Restored spooled events", "restored", restored, "respooled", respooled)
		}
	}

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := s.queue.Run(workerCtx, s.processor.Handle); err != nil {
			s.log.Error("Dispatch workers exited", "error", err)
		}
	}()

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	s.log.Info("Gateway started",
		"address", ln.Addr().String(),
		"providers", s.channels.Names(),
		"idempotency_backend", s.backendName(),
		"workers", s.queue.Stats().Workers,
		"capacity", s.queue.Capacity(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutdown requested")
	case err := <-serverErrors:
		runErr = fmt.Errorf("serve http: %w", err)
	}

	s.shutdown(server, stopWorkers, workersDone)
	return runErr
}

// shutdown drains in order: HTTP requests, pending admissions, the worker
// pool, then whatever is still queued.
func (s *Service) shutdown(server *http.Server, stopWorkers context.CancelFunc, workersDone <-chan struct{}) {
	s.draining.Store(true)

	timeout := s.cfg.App.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP server did not drain cleanly", "error", err)
	}
	if err := s.receiver.Wait(ctx); err != nil {
		s.log.Warn("Webhook admissions still running at shutdown", "error", err)
	}

	s.queue.Close()
	select {
	case <-workersDone:
	case <-ctx.Done():
		stopWorkers()
		s.log.Warn("Dispatch workers still busy after shutdown timeout", "in_flight", s.queue.Stats().InFlight)
	}

	s.settlePending(ctx)
	s.hub.Close()
	s.closeResources()

	s.log.Info("Gateway stopped")
}

// settlePending spools or drops events that never reached a worker.
func (s *Service) settlePending(ctx context.Context) {
	pending := s.queue.Pending()
	if len(pending) == 0 {
		return
	}

	if s.spool == nil {
		s.log.Warn("Dropping undispatched events", "count", len(pending), "durability", dispatch.DurabilityDrop)
		return
	}

	saved, err := s.spool.Save(context.WithoutCancel(ctx), pending)
	if err != nil {
		s.log.Error("Failed to spool undispatched events", "count", len(pending), "error", err, "alert", true)
		return
	}
	s.log.Info("Spooled undispatched events", "count", saved)
}

func (s *Service) closeResources() {
	if s.guard != nil {
		if err := s.guard.Close(); err != nil {
			s.log.Warn("Failed to close idempotency store", "error", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("Failed to close resource", "error", err)
		}
	}
	s.closers = nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: s.cfg.App.ServiceID})
}

func (s *Service) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, descriptorResponse{
		Service: s.cfg.App.Name,
		Status:  "running",
		Version: s.cfg.App.Version,
	})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.writeJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	durability := s.cfg.Dispatch.Durability
	if s.spool == nil {
		durability = dispatch.DurabilityDrop
	}

	return statusResponse{
		Status:             status,
		UptimeSeconds:      uptime,
		Draining:           s.draining.Load(),
		Providers:          s.channels.Names(),
		IdempotencyBackend: s.backendName(),
		Durability:         durability,
		MissingConfig:      s.cfg.Missing(),
		Queue:              s.queue.Stats(),
	}
}

// isReady is false while draining. Missing secrets do not affect readiness:
// the gateway still acknowledges and deduplicates without them.
func (s *Service) isReady() bool {
	if s.draining.Load() {
		return false
	}

	return !s.queue.Stats().Closed
}

func (s *Service) backendName() string {
	switch s.guard.(type) {
	case *idempotency.MemoryStore:
		return idempotency.BackendMemory
	case *idempotency.RedisStore:
		return idempotency.BackendRedis
	case *idempotency.SQLiteStore:
		return idempotency.BackendSQLite
	default:
		return "custom"
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}
