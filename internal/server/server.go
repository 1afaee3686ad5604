package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Normola/AudioPirate/internal/broadcast"
	"github.com/Normola/AudioPirate/internal/observability/logging"
	"github.com/Normola/AudioPirate/internal/observability/metrics"
	"github.com/Normola/AudioPirate/internal/ratelimit"
	"github.com/Normola/AudioPirate/internal/stream"
)

type Config struct {
	Addr          string
	Authenticator *stream.Authenticator
	Broadcaster   *broadcast.Broadcaster
	Stream        *stream.Handler
	// Limiter applies the global request budget. Login throttling happens in
	// the Authenticator.
	Limiter *ratelimit.Limiter
	// HealthChecks are pinged by /healthz, keyed by component name.
	HealthChecks map[string]Pinger
	CORS         CORSConfig
	Security     SecurityConfig
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("stream handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	h := &handlers{
		auth:        cfg.Authenticator,
		broadcaster: cfg.Broadcaster,
		sessions:    cfg.Stream.ActiveSessions,
		checks:      cfg.HealthChecks,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/authenticate", h.authenticate)
	mux.HandleFunc("/api/logout", h.logout)
	mux.Handle("/ws", cfg.Stream)

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(cfg.Limiter, logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/healthz", "/metrics"},
	})(handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: httpServer, handler: handlerChain, logger: logger}, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func rateLimitMiddleware(rl *ratelimit.Limiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			loggingWithRequest(logger, r).Warn("global rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeReason(w, http.StatusTooManyRequests, stream.ReasonRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
