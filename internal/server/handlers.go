package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Normola/AudioPirate/internal/broadcast"
	"github.com/Normola/AudioPirate/internal/capture"
	"github.com/Normola/AudioPirate/internal/ratelimit"
	"github.com/Normola/AudioPirate/internal/stream"
)

const maxBodyBytes = 4096

// Pinger is a dependency whose reachability is reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type handlers struct {
	auth        *stream.Authenticator
	broadcaster *broadcast.Broadcaster
	sessions    func() int
	checks      map[string]Pinger
	logger      *slog.Logger
}

type authenticateRequest struct {
	Credential *string `json:"credential"`
	Password   *string `json:"password"`
}

func (h *handlers) authenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	credential, err := decodeCredential(r)
	if err != nil {
		loggingWithRequest(h.logger, r).Debug("malformed authenticate request", "error", err)
		writeReason(w, http.StatusBadRequest, stream.ReasonProtocolError)
		return
	}

	grant, err := h.auth.Login(r.Context(), ratelimit.ClientKey(r), credential)
	if err != nil {
		var authErr *stream.AuthError
		if errors.As(err, &authErr) {
			setRetryAfter(w, authErr.RetryAfter)
		}
		reason := stream.ReasonOf(err)
		writeReason(w, statusForReason(reason), reason)
		return
	}
	writeJSON(w, http.StatusOK, stream.ServerMessage{
		Status:           stream.StatusOK,
		Token:            grant.Token,
		ExpiresInSeconds: grant.ExpiresInSeconds(),
	})
}

func decodeCredential(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	var req authenticateRequest
	if err := decoder.Decode(&req); err != nil {
		return "", err
	}
	switch {
	case req.Credential != nil && req.Password != nil && *req.Credential != *req.Password:
		return "", errors.New("credential and password disagree")
	case req.Credential != nil:
		return *req.Credential, nil
	case req.Password != nil:
		return *req.Password, nil
	default:
		return "", errors.New("credential is required")
	}
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="audiopirate"`)
		writeReason(w, http.StatusUnauthorized, stream.ReasonNotAuthenticated)
		return
	}
	if err := h.auth.Logout(r.Context(), token); err != nil {
		loggingWithRequest(h.logger, r).Error("logout failed", "error", err)
		writeReason(w, http.StatusInternalServerError, stream.ReasonServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Capture    broadcast.Stats   `json:"capture"`
	Format     stream.FormatInfo `json:"format"`
	Sessions   int               `json:"sessions"`
	Components []componentStatus `json:"components,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "ok",
		Capture: h.broadcaster.Stats(),
		Format:  stream.NewFormatInfo(h.broadcaster.Format()),
	}
	if h.sessions != nil {
		resp.Sessions = h.sessions()
	}
	status := http.StatusOK
	if resp.Capture.CaptureState == capture.StateFaulted.String() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	for _, name := range slices.Sorted(maps.Keys(h.checks)) {
		check := h.checks[name]
		component := componentStatus{Component: name, Status: "ok"}
		if err := check.Ping(ctx); err != nil {
			component.Status = "degraded"
			component.Error = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		resp.Components = append(resp.Components, component)
	}
	writeJSON(w, status, resp)
}
