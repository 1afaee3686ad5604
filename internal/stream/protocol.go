// Package stream implements the WebSocket session protocol: clients
// authenticate with the shared credential or a cached token, then receive the
// live capture as binary frames.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Normola/AudioPirate/internal/capture"
)

// Action names the request a client message carries.
type Action string

const (
	ActionAuthenticate Action = "authenticate"
	ActionStartStream  Action = "start_stream"
	ActionLogout       Action = "logout"
)

// Reason is the machine-readable cause carried by error and closed messages.
type Reason string

const (
	ReasonInvalidCredential Reason = "invalid_credential"
	ReasonTokenExpired      Reason = "token_expired"
	ReasonProtocolError     Reason = "protocol_error"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonNotAuthenticated  Reason = "not_authenticated"
	ReasonCaptureFault      Reason = "capture_fault"
	ReasonServerShutdown    Reason = "server_shutdown"
	ReasonLogout            Reason = "logout"
	ReasonServerError       Reason = "server_error"
)

const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusStreaming = "streaming"
	StatusClosed    = "closed"
)

// ClientMessage is a decoded client request. Exactly one of Credential or
// Token is set on an authenticate message; start_stream may carry a Token.
type ClientMessage struct {
	Action     Action
	Credential string
	Token      string
}

type wireClientMessage struct {
	Action     string  `json:"action"`
	Credential *string `json:"credential"`
	Password   *string `json:"password"`
	Token      *string `json:"token"`
}

// ProtocolError reports a malformed client message. Its text is for logs
// only; clients receive the generic protocol_error reason.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Msg, e.Err)
	}
	return "protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// DecodeClientMessage parses one text frame into a ClientMessage.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var wire wireClientMessage
	if err := decoder.Decode(&wire); err != nil {
		return ClientMessage{}, &ProtocolError{Msg: "invalid json", Err: err}
	}
	if decoder.More() {
		return ClientMessage{}, protocolErrorf("trailing data after message")
	}

	credential, hasCredential, err := coalesce(wire.Credential, wire.Password)
	if err != nil {
		return ClientMessage{}, err
	}
	token := ""
	hasToken := wire.Token != nil
	if hasToken {
		token = strings.TrimSpace(*wire.Token)
		if token == "" {
			return ClientMessage{}, protocolErrorf("empty token")
		}
	}

	msg := ClientMessage{Action: Action(wire.Action)}
	switch msg.Action {
	case ActionAuthenticate:
		switch {
		case hasCredential && hasToken:
			return ClientMessage{}, protocolErrorf("authenticate carries both credential and token")
		case hasCredential:
			msg.Credential = credential
		case hasToken:
			msg.Token = token
		default:
			return ClientMessage{}, protocolErrorf("authenticate requires credential or token")
		}
	case ActionStartStream:
		if hasCredential {
			return ClientMessage{}, protocolErrorf("start_stream does not accept a credential")
		}
		msg.Token = token
	case ActionLogout:
		if hasCredential || hasToken {
			return ClientMessage{}, protocolErrorf("logout takes no arguments")
		}
	case "":
		return ClientMessage{}, protocolErrorf("missing action")
	default:
		return ClientMessage{}, protocolErrorf("unknown action %q", wire.Action)
	}
	return msg, nil
}

func coalesce(credential, password *string) (string, bool, error) {
	if credential != nil && password != nil && *credential != *password {
		return "", false, protocolErrorf("credential and password disagree")
	}
	if credential != nil {
		return *credential, true, nil
	}
	if password != nil {
		return *password, true, nil
	}
	return "", false, nil
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}

// FormatInfo describes the binary frames that follow a streaming message.
type FormatInfo struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
	ChunkSamples  int `json:"chunk_samples"`
	ChunkBytes    int `json:"chunk_bytes"`
}

// NewFormatInfo describes f for the streaming reply.
func NewFormatInfo(f capture.Format) FormatInfo {
	return FormatInfo{
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		BitsPerSample: f.BitDepth,
		ChunkSamples:  f.ChunkSamples,
		ChunkBytes:    f.ChunkBytes(),
	}
}

// ServerMessage is every JSON control message the server sends.
type ServerMessage struct {
	Status           string      `json:"status"`
	Token            string      `json:"token,omitempty"`
	ExpiresInSeconds int64       `json:"expires_in_seconds,omitempty"`
	Reason           Reason      `json:"reason,omitempty"`
	Format           *FormatInfo `json:"format,omitempty"`
}

func okMessage(grant Grant) ServerMessage {
	return ServerMessage{Status: StatusOK, Token: grant.Token, ExpiresInSeconds: grant.ExpiresInSeconds()}
}

func errorMessage(reason Reason) ServerMessage {
	return ServerMessage{Status: StatusError, Reason: reason}
}

func closedMessage(reason Reason) ServerMessage {
	return ServerMessage{Status: StatusClosed, Reason: reason}
}

func streamingMessage(f capture.Format) ServerMessage {
	info := NewFormatInfo(f)
	return ServerMessage{Status: StatusStreaming, Format: &info}
}
