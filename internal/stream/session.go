package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Normola/AudioPirate/internal/broadcast"
)

// State is a connection's position in the session protocol.
type State int

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateStreaming
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

const (
	// reasonDisconnect labels sessions that ended because the client went away.
	reasonDisconnect Reason = "disconnect"
	// reasonWriteFailed labels sessions that ended because a send failed.
	reasonWriteFailed Reason = "write_failed"
)

type inboundFrame struct {
	kind int
	data []byte
	err  error
}

// ending describes how a session finishes. status is the control message
// sent before the close frame, or empty when the peer is already gone.
type ending struct {
	status string
	reason Reason
	err    error
}

func refuse(reason Reason, err error) *ending {
	return &ending{status: StatusError, reason: reason, err: err}
}

func terminate(reason Reason, err error) *ending {
	return &ending{status: StatusClosed, reason: reason, err: err}
}

func vanish(reason Reason, err error) *ending {
	return &ending{reason: reason, err: err}
}

// session runs one connection. Only the goroutine in run writes to conn.
type session struct {
	id        string
	h         *Handler
	conn      *websocket.Conn
	logger    *slog.Logger
	clientKey string

	state State
	grant Grant
	queue *broadcast.Queue
	sent  uint64
}

func (s *session) run(ctx context.Context) {
	s.h.metrics.SessionOpened()
	s.logger.Debug("session opened", "client", s.clientKey)

	s.conn.SetReadLimit(s.h.readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.h.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.h.pongWait))
	})

	readCtx, cancelRead := context.WithCancel(ctx)
	inbound := make(chan inboundFrame)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(readCtx, inbound)
	}()

	end := s.loop(ctx, inbound)
	cancelRead()
	s.finish(end)
	<-readerDone
}

func (s *session) readLoop(ctx context.Context, inbound chan<- inboundFrame) {
	for {
		kind, data, err := s.conn.ReadMessage()
		select {
		case inbound <- inboundFrame{kind: kind, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) loop(ctx context.Context, inbound <-chan inboundFrame) *ending {
	authTimer := time.NewTimer(s.h.authTimeout)
	defer authTimer.Stop()
	authDeadline := authTimer.C

	pings := time.NewTicker(s.h.pingInterval)
	defer pings.Stop()

	var (
		ready     <-chan struct{}
		done      <-chan struct{}
		expiryC   <-chan time.Time
		expiryTkr *time.Ticker
	)
	defer func() {
		if expiryTkr != nil {
			expiryTkr.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return terminate(ReasonServerShutdown, nil)

		case <-authDeadline:
			return refuse(ReasonNotAuthenticated, errors.New("authentication timed out"))

		case frame := <-inbound:
			if frame.err != nil {
				return vanish(reasonDisconnect, frame.err)
			}
			if frame.kind != websocket.TextMessage {
				return refuse(ReasonProtocolError, protocolErrorf("unexpected frame type %d", frame.kind))
			}
			msg, err := DecodeClientMessage(frame.data)
			if err != nil {
				return refuse(ReasonProtocolError, err)
			}
			if end := s.handle(ctx, msg); end != nil {
				return end
			}
			if s.state >= StateAuthenticated && authDeadline != nil {
				authTimer.Stop()
				authDeadline = nil
			}
			if s.state == StateStreaming && ready == nil {
				ready = s.queue.Ready()
				done = s.queue.Done()
				expiryTkr = time.NewTicker(s.h.expiryCheckInterval)
				expiryC = expiryTkr.C
			}

		case <-ready:
			if end := s.drain(); end != nil {
				return end
			}

		case <-done:
			return terminate(Reason(s.queue.Reason()), nil)

		case <-expiryC:
			if err := s.h.auth.Verify(ctx, s.grant.Token); err != nil {
				return terminate(sessionReason(err), err)
			}

		case <-pings.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.h.writeWait)); err != nil {
				return vanish(reasonWriteFailed, err)
			}
		}
	}
}

// sessionReason maps a failed check of an already accepted token. A token
// that disappeared from the store was revoked, which the client sees as
// expiry.
func sessionReason(err error) Reason {
	reason := ReasonOf(err)
	if reason == ReasonInvalidCredential {
		return ReasonTokenExpired
	}
	return reason
}

func (s *session) handle(ctx context.Context, msg ClientMessage) *ending {
	switch msg.Action {
	case ActionAuthenticate:
		if s.state == StateStreaming {
			return refuse(ReasonProtocolError, protocolErrorf("authenticate while streaming"))
		}
		return s.authenticate(ctx, msg)
	case ActionStartStream:
		return s.startStream(ctx, msg)
	case ActionLogout:
		return s.logout(ctx)
	default:
		return refuse(ReasonProtocolError, protocolErrorf("unhandled action %q", msg.Action))
	}
}

func (s *session) authenticate(ctx context.Context, msg ClientMessage) *ending {
	s.state = StateAuthenticating
	var (
		grant Grant
		err   error
	)
	if msg.Token != "" {
		grant, err = s.h.auth.Resume(ctx, msg.Token)
	} else {
		grant, err = s.h.auth.Login(ctx, s.clientKey, msg.Credential)
	}
	if err != nil {
		return refuse(ReasonOf(err), err)
	}
	s.grant = grant
	s.state = StateAuthenticated
	s.logger.Info("session authenticated", "method", authMethod(msg), "expires_at", grant.ExpiresAt)
	if err := s.writeJSON(okMessage(grant)); err != nil {
		return vanish(reasonWriteFailed, err)
	}
	return nil
}

func authMethod(msg ClientMessage) string {
	if msg.Token != "" {
		return "token"
	}
	return "credential"
}

func (s *session) startStream(ctx context.Context, msg ClientMessage) *ending {
	if s.state == StateStreaming {
		s.logger.Debug("start_stream ignored while streaming")
		return nil
	}
	if msg.Token != "" && msg.Token != s.grant.Token {
		grant, err := s.h.auth.Resume(ctx, msg.Token)
		if err != nil {
			return refuse(ReasonOf(err), err)
		}
		s.grant = grant
		s.state = StateAuthenticated
	}
	if s.state != StateAuthenticated {
		return refuse(ReasonNotAuthenticated, nil)
	}
	if s.expired() {
		return refuse(ReasonTokenExpired, nil)
	}
	if err := s.h.auth.Verify(ctx, s.grant.Token); err != nil {
		return refuse(sessionReason(err), err)
	}

	queue := broadcast.NewQueue(s.h.queueCapacity)
	if err := s.h.broadcaster.Register(queue); err != nil {
		if errors.Is(err, broadcast.ErrCaptureUnavailable) {
			return terminate(ReasonCaptureFault, err)
		}
		return terminate(ReasonServerShutdown, err)
	}
	s.queue = queue
	s.state = StateStreaming
	s.h.metrics.StreamingStarted()
	s.logger.Info("streaming started", "queue_capacity", queue.Cap())
	if err := s.writeJSON(streamingMessage(s.h.broadcaster.Format())); err != nil {
		return vanish(reasonWriteFailed, err)
	}
	return nil
}

func (s *session) logout(ctx context.Context) *ending {
	if s.state != StateAuthenticated && s.state != StateStreaming {
		return refuse(ReasonNotAuthenticated, nil)
	}
	if err := s.h.auth.Logout(ctx, s.grant.Token); err != nil {
		return terminate(ReasonServerError, err)
	}
	return terminate(ReasonLogout, nil)
}

func (s *session) expired() bool {
	return !s.h.auth.Now().Before(s.grant.ExpiresAt)
}

// drain writes every buffered chunk. Expiry is checked against the cached
// grant before each frame.
func (s *session) drain() *ending {
	for {
		chunk, ok := s.queue.TryPop()
		if !ok {
			return nil
		}
		if s.expired() {
			return terminate(ReasonTokenExpired, nil)
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.writeWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk.Data); err != nil {
			return vanish(reasonWriteFailed, err)
		}
		s.sent++
	}
}

func (s *session) writeJSON(msg ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) finish(end *ending) {
	if s.queue != nil {
		s.h.broadcaster.Unregister(s.queue)
		s.queue.Close(broadcast.CloseReason(end.reason))
		s.h.metrics.StreamingStopped()
		if dropped := s.queue.Dropped(); dropped > 0 {
			s.logger.Debug("session dropped chunks", "dropped", dropped)
		}
	}

	if end.reason == reasonWriteFailed || end.reason == ReasonServerError {
		s.state = StateFaulted
	}

	if end.status != "" {
		msg := errorMessage(end.reason)
		if end.status == StatusClosed {
			msg = closedMessage(end.reason)
		}
		if err := s.writeJSON(msg); err == nil {
			closeFrame := websocket.FormatCloseMessage(closeCode(end.reason), string(end.reason))
			_ = s.conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(s.h.writeWait))
		}
	}
	_ = s.conn.Close()

	attrs := []any{"reason", string(end.reason), "state", s.state.String(), "chunks_sent", s.sent}
	if end.err != nil && !websocket.IsCloseError(end.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		attrs = append(attrs, "error", end.err)
	}
	s.logger.Info("session closed", attrs...)
	s.state = StateClosed
	s.h.metrics.SessionClosed(string(end.reason))
}

func closeCode(reason Reason) int {
	switch reason {
	case ReasonServerShutdown:
		return websocket.CloseGoingAway
	case ReasonProtocolError:
		return websocket.ClosePolicyViolation
	case ReasonCaptureFault, ReasonServerError:
		return websocket.CloseInternalServerErr
	case ReasonRateLimited:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
