package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Normola/AudioPirate/internal/broadcast"
	"github.com/Normola/AudioPirate/internal/observability/logging"
	"github.com/Normola/AudioPirate/internal/observability/metrics"
	"github.com/Normola/AudioPirate/internal/ratelimit"
)

const (
	DefaultQueueCapacity       = 32
	DefaultExpiryCheckInterval = 30 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultPongWait            = 60 * time.Second
	DefaultWriteWait           = 10 * time.Second
	DefaultAuthTimeout         = 30 * time.Second
	defaultReadLimit           = 4096
)

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	Authenticator *Authenticator
	Broadcaster   *broadcast.Broadcaster
	// QueueCapacity bounds each session's chunk backlog.
	QueueCapacity int
	// ExpiryCheckInterval is how often a streaming session re-reads its token
	// from the store to notice revocation.
	ExpiryCheckInterval time.Duration
	PingInterval        time.Duration
	PongWait            time.Duration
	WriteWait           time.Duration
	// AuthTimeout closes connections that have not authenticated in time.
	AuthTimeout time.Duration
	// AllowedOrigins lists browser origins allowed to connect. "*" accepts
	// any origin; empty applies the same-origin rule.
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Handler upgrades requests to WebSocket sessions and tracks them until they
// close.
type Handler struct {
	auth        *Authenticator
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	metrics     *metrics.Recorder

	queueCapacity       int
	expiryCheckInterval time.Duration
	pingInterval        time.Duration
	pongWait            time.Duration
	writeWait           time.Duration
	authTimeout         time.Duration
	readLimit           int64

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewHandler validates cfg and returns a Handler ready to upgrade connections.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		auth:                cfg.Authenticator,
		broadcaster:         cfg.Broadcaster,
		logger:              logging.WithComponent(logger, "stream"),
		metrics:             recorder,
		queueCapacity:       orDefault(cfg.QueueCapacity, DefaultQueueCapacity),
		expiryCheckInterval: orDefault(cfg.ExpiryCheckInterval, DefaultExpiryCheckInterval),
		pingInterval:        orDefault(cfg.PingInterval, DefaultPingInterval),
		pongWait:            orDefault(cfg.PongWait, DefaultPongWait),
		writeWait:           orDefault(cfg.WriteWait, DefaultWriteWait),
		authTimeout:         orDefault(cfg.AuthTimeout, DefaultAuthTimeout),
		readLimit:           defaultReadLimit,
		baseCtx:             ctx,
		cancel:              cancel,
		sessions:            make(map[*session]struct{}),
	}
	if h.pongWait <= h.pingInterval {
		h.pongWait = h.pingInterval * 2
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  h.queueWriteBuffer(),
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	return h, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (h *Handler) queueWriteBuffer() int {
	size := h.broadcaster.Format().ChunkBytes()
	if size < 4096 {
		return 4096
	}
	return size
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	ctx := logging.ContextWithSessionID(r.Context(), id)
	s := &session{
		id:        id,
		h:         h,
		conn:      conn,
		logger:    logging.WithContext(ctx, h.logger),
		clientKey: ratelimit.ClientKey(r),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, string(ReasonServerShutdown)),
			time.Now().Add(h.writeWait))
		_ = conn.Close()
		return
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, s)
		h.mu.Unlock()
		h.wg.Done()
	}()
	s.run(h.baseCtx)
}

// ActiveSessions reports the number of open connections.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown tells every session to close with server_shutdown and waits for
// them to finish. When ctx ends first the remaining connections are dropped.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.mu.Lock()
		for s := range h.sessions {
			_ = s.conn.Close()
		}
		h.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
