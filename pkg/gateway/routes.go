package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"fitbot/pkg/channel/twilio"
	"fitbot/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// The WhatsApp path predates provider routing and is kept for existing
	// Twilio console configurations.
	r.Post("/webhook/whatsapp", s.receiver.HandleProvider(twilio.Name))
	r.Post("/webhook/{provider}", s.receiver.Handle)

	return r
}

// requestLogger writes one structured line per request. Probe and scrape
// traffic is logged at debug to keep it out of default output.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	log = log.With("component", "gateway.http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				level := slog.LevelInfo
				switch r.URL.Path {
				case "/health", "/readyz", "/metrics":
					level = slog.LevelDebug
				}

				logger.ForRequest(r.Context(), log).Log(r.Context(), level, "HTTP request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
