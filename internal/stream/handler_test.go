package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Normola/AudioPirate/internal/auth"
	"github.com/Normola/AudioPirate/internal/broadcast"
	"github.com/Normola/AudioPirate/internal/capture"
	"github.com/Normola/AudioPirate/internal/observability/logging"
	"github.com/Normola/AudioPirate/internal/observability/metrics"
	"github.com/Normola/AudioPirate/internal/ratelimit"
)

var testFormat = capture.Format{SampleRate: 8000, Channels: 1, BitDepth: 16, ChunkSamples: 80}

// tapDriver hands out streams whose reads are fed by the test.
type tapDriver struct {
	mu      sync.Mutex
	streams []*tapStream
	opened  chan struct{}
}

func newTapDriver() *tapDriver {
	return &tapDriver{opened: make(chan struct{}, 16)}
}

func (d *tapDriver) Name() string { return "tap" }

func (d *tapDriver) Open(context.Context, capture.Format) (io.ReadCloser, error) {
	s := &tapStream{data: make(chan []byte, 8), fail: make(chan error, 1), done: make(chan struct{})}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	d.opened <- struct{}{}
	return s, nil
}

func (d *tapDriver) current(t *testing.T) *tapStream {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.streams)
	return d.streams[len(d.streams)-1]
}

// absentDriver never finds a device.
type absentDriver struct{}

func (absentDriver) Name() string { return "absent" }

func (absentDriver) Open(context.Context, capture.Format) (io.ReadCloser, error) {
	return nil, errors.New("no such device")
}

type tapStream struct {
	data      chan []byte
	fail      chan error
	done      chan struct{}
	closeOnce sync.Once
	pending   []byte
}

func (s *tapStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		select {
		case s.pending = <-s.data:
		case err := <-s.fail:
			return 0, err
		case <-s.done:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *tapStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type harness struct {
	t           *testing.T
	clock       *fakeClock
	store       *auth.MemoryTokenStore
	tokens      *auth.TokenManager
	broadcaster *broadcast.Broadcaster
	handler     *Handler
	server      *httptest.Server
	metrics     *metrics.Recorder
}

type harnessOptions struct {
	driver  capture.Driver
	limiter *ratelimit.Limiter
	mutate  func(*HandlerConfig)
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	driver := opts.driver
	if driver == nil {
		driver = &capture.SyntheticDriver{Frequency: 440}
	}
	source, err := capture.NewSource(driver, testFormat, capture.WithLogger(logging.Discard()))
	require.NoError(t, err)

	recorder := metrics.New()
	b, err := broadcast.New(broadcast.Config{
		Source:            source,
		Logger:            logging.Discard(),
		Metrics:           recorder,
		ReacquireCooldown: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	clock := newFakeClock()
	store := auth.NewMemoryTokenStore()
	tokens := auth.NewTokenManager(auth.DefaultTokenTTL, auth.WithClock(clock.Now), auth.WithTokenStore(store))
	authenticator, err := NewAuthenticator(AuthenticatorConfig{
		Credentials: newTestCredentials(t),
		Tokens:      tokens,
		Limiter:     opts.limiter,
		Metrics:     recorder,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)

	cfg := HandlerConfig{
		Authenticator: authenticator,
		Broadcaster:   b,
		Logger:        logging.Discard(),
		Metrics:       recorder,
	}
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		b.Run(ctx)
	}()
	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		cancel()
		<-runDone
		b.Shutdown(broadcast.ReasonServerShutdown)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = handler.Shutdown(shutdownCtx)
		server.Close()
	})

	return &harness{
		t:           t,
		clock:       clock,
		store:       store,
		tokens:      tokens,
		broadcaster: b,
		handler:     handler,
		server:      server,
		metrics:     recorder,
	}
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

// nextControl returns the next JSON message, skipping any audio frames.
func nextControl(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if kind == websocket.BinaryMessage {
			continue
		}
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
}

func nextFrame(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		kind, _, err := conn.ReadMessage()
		if err == nil {
			require.Equal(t, websocket.BinaryMessage, kind, "unexpected control message before close")
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func login(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	send(t, conn, `{"action":"authenticate","credential":"`+testPassword+`"}`)
	msg := nextControl(t, conn)
	require.Equal(t, StatusOK, msg.Status, "reason %q", msg.Reason)
	return msg
}

func startStream(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	send(t, conn, `{"action":"start_stream"}`)
	msg := nextControl(t, conn)
	require.Equal(t, StatusStreaming, msg.Status, "reason %q", msg.Reason)
	return msg
}

func TestAuthenticateThenStream(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial()

	ok := login(t, conn)
	assert.NotEmpty(t, ok.Token)
	assert.Equal(t, int64(86400), ok.ExpiresInSeconds)

	streaming := startStream(t, conn)
	require.NotNil(t, streaming.Format)
	assert.Equal(t, NewFormatInfo(testFormat), *streaming.Format)

	for i := 0; i < 3; i++ {
		kind, data := nextFrame(t, conn)
		require.Equal(t, websocket.BinaryMessage, kind)
		assert.Len(t, data, testFormat.ChunkBytes())
	}
}

func TestWrongPasswordClosesWithoutToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial()

	send(t, conn, `{"action":"authenticate","credential":"nope"}`)
	msg := nextControl(t, conn)
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonInvalidCredential}, msg)
	expectClose(t, conn, websocket.CloseNormalClosure)
	assert.Equal(t, 0, h.store.Len())
}

func TestExpiredTokenRejectedOnStartStream(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial()
	login(t, conn)

	h.clock.Advance(auth.DefaultTokenTTL + time.Second)
	send(t, conn, `{"action":"start_stream"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind, "no audio may precede the rejection")
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonTokenExpired}, msg)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 0, h.broadcaster.Stats().Subscribers)
}

func TestExpiredTokenRejectedOnAuthenticate(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	token := login(t, h.dial()).Token

	h.clock.Advance(auth.DefaultTokenTTL)
	conn := h.dial()
	send(t, conn, `{"action":"authenticate","token":"`+token+`"}`)
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonTokenExpired}, nextControl(t, conn))
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestTokenResumeOnNewConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	token := login(t, h.dial()).Token

	h.clock.Advance(time.Hour)
	conn := h.dial()
	send(t, conn, `{"action":"authenticate","token":"`+token+`"}`)
	msg := nextControl(t, conn)
	require.Equal(t, StatusOK, msg.Status)
	assert.Equal(t, token, msg.Token)
	assert.Equal(t, int64(82800), msg.ExpiresInSeconds)

	startStream(t, conn)
	kind, _ := nextFrame(t, conn)
	assert.Equal(t, websocket.BinaryMessage, kind)
}

func TestStartStreamCarryingToken(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	token := login(t, h.dial()).Token

	conn := h.dial()
	send(t, conn, `{"action":"start_stream","token":"`+token+`"}`)
	msg := nextControl(t, conn)
	assert.Equal(t, StatusStreaming, msg.Status)
	kind, data := nextFrame(t, conn)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Len(t, data, testFormat.ChunkBytes())
}

func TestUnknownTokenRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial()
	send(t, conn, `{"action":"authenticate","token":"forged"}`)
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonInvalidCredential}, nextControl(t, conn))
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestStartStreamRequiresAuthentication(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial()
	send(t, conn, `{"action":"start_stream"}`)
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonNotAuthenticated}, nextControl(t, conn))
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestMalformedMessagesCloseWithProtocolError(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	conn := h.dial()
	send(t, conn, `{"action":`)
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonProtocolError}, nextControl(t, conn))
	expectClose(t, conn, websocket.ClosePolicyViolation)

	conn = h.dial()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonProtocolError}, nextControl(t, conn))
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestLogoutRevokesAndCloses(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial()
	token := login(t, conn).Token
	startStream(t, conn)

	send(t, conn, `{"action":"logout"}`)
	assert.Equal(t, ServerMessage{Status: StatusClosed, Reason: ReasonLogout}, nextControl(t, conn))
	expectClose(t, conn, websocket.CloseNormalClosure)
	assert.False(t, h.tokens.Validate(context.Background(), token))

	again := h.dial()
	send(t, again, `{"action":"authenticate","token":"`+token+`"}`)
	assert.Equal(t, ReasonInvalidCredential, nextControl(t, again).Reason)
}

func TestTokenExpiryMidStreamCloses(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn := h.dial()
	login(t, conn)
	startStream(t, conn)
	kind, _ := nextFrame(t, conn)
	require.Equal(t, websocket.BinaryMessage, kind)

	h.clock.Advance(auth.DefaultTokenTTL)
	assert.Equal(t, ServerMessage{Status: StatusClosed, Reason: ReasonTokenExpired}, nextControl(t, conn))
	expectClose(t, conn, websocket.CloseNormalClosure)
	require.Eventually(t, func() bool { return h.broadcaster.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRevocationDetectedByPeriodicCheck(t *testing.T) {
	driver := newTapDriver()
	h := newHarness(t, harnessOptions{
		driver: driver,
		mutate: func(cfg *HandlerConfig) { cfg.ExpiryCheckInterval = 20 * time.Millisecond },
	})
	conn := h.dial()
	token := login(t, conn).Token
	startStream(t, conn)

	require.NoError(t, h.tokens.Revoke(context.Background(), token))
	assert.Equal(t, ServerMessage{Status: StatusClosed, Reason: ReasonTokenExpired}, nextControl(t, conn))
}

func TestCaptureFaultClosesEveryStreamingSession(t *testing.T) {
	driver := newTapDriver()
	h := newHarness(t, harnessOptions{driver: driver})
	<-driver.opened

	first := h.dial()
	login(t, first)
	startStream(t, first)
	second := h.dial()
	login(t, second)
	startStream(t, second)

	idle := h.dial()
	login(t, idle)

	driver.current(t).fail <- io.ErrUnexpectedEOF

	for _, conn := range []*websocket.Conn{first, second} {
		assert.Equal(t, ServerMessage{Status: StatusClosed, Reason: ReasonCaptureFault}, nextControl(t, conn))
		expectClose(t, conn, websocket.CloseInternalServerErr)
	}

	select {
	case <-driver.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("device was not reacquired")
	}

	startStream(t, idle)
	chunk := make([]byte, testFormat.ChunkBytes())
	chunk[0] = 7
	driver.current(t).data <- chunk
	kind, data := nextFrame(t, idle)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, chunk, data)
}

func TestStartStreamWhileDeviceUnavailable(t *testing.T) {
	h := newHarness(t, harnessOptions{driver: absentDriver{}})
	require.Eventually(t, func() bool {
		return errors.Is(h.broadcaster.Register(broadcast.NewQueue(1)), broadcast.ErrCaptureUnavailable)
	}, 2*time.Second, 5*time.Millisecond)

	conn := h.dial()
	login(t, conn)
	send(t, conn, `{"action":"start_stream"}`)
	assert.Equal(t, ServerMessage{Status: StatusClosed, Reason: ReasonCaptureFault}, nextControl(t, conn))
	expectClose(t, conn, websocket.CloseInternalServerErr)
	assert.Equal(t, capture.StateFaulted.String(), h.broadcaster.Stats().CaptureState)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	leaver := h.dial()
	login(t, leaver)
	startStream(t, leaver)
	stayer := h.dial()
	login(t, stayer)
	startStream(t, stayer)

	require.NoError(t, leaver.Close())
	require.Eventually(t, func() bool { return h.handler.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		kind, _ := nextFrame(t, stayer)
		require.Equal(t, websocket.BinaryMessage, kind)
	}
}

func TestAuthenticationTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{
		mutate: func(cfg *HandlerConfig) { cfg.AuthTimeout = 50 * time.Millisecond },
	})
	conn := h.dial()
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonNotAuthenticated}, nextControl(t, conn))
}

func TestLoginAttemptsAreRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{LoginLimit: 1, LoginWindow: time.Minute})
	h := newHarness(t, harnessOptions{limiter: limiter})

	conn := h.dial()
	send(t, conn, `{"action":"authenticate","credential":"bad"}`)
	assert.Equal(t, ReasonInvalidCredential, nextControl(t, conn).Reason)

	conn = h.dial()
	send(t, conn, `{"action":"authenticate","credential":"`+testPassword+`"}`)
	assert.Equal(t, ServerMessage{Status: StatusError, Reason: ReasonRateLimited}, nextControl(t, conn))
	expectClose(t, conn, websocket.CloseTryAgainLater)
}

func TestShutdownNotifiesSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	streaming := h.dial()
	login(t, streaming)
	startStream(t, streaming)
	waiting := h.dial()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.handler.Shutdown(ctx))
	assert.Equal(t, 0, h.handler.ActiveSessions())

	for _, conn := range []*websocket.Conn{streaming, waiting} {
		assert.Equal(t, ServerMessage{Status: StatusClosed, Reason: ReasonServerShutdown}, nextControl(t, conn))
		expectClose(t, conn, websocket.CloseGoingAway)
	}

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://pirate.local/"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://pirate.local")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.Nil(t, originChecker(nil))
	assert.True(t, originChecker([]string{"*"})(req))
}
