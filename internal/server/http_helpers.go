package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Normola/AudioPirate/internal/stream"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeReason answers with the same error shape WebSocket clients receive.
func writeReason(w http.ResponseWriter, status int, reason stream.Reason) {
	writeJSON(w, status, stream.ServerMessage{Status: stream.StatusError, Reason: reason})
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	seconds := int64((d + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
}

// statusForReason maps an authentication refusal to an HTTP status.
func statusForReason(reason stream.Reason) int {
	switch reason {
	case stream.ReasonInvalidCredential, stream.ReasonTokenExpired, stream.ReasonNotAuthenticated:
		return http.StatusUnauthorized
	case stream.ReasonRateLimited:
		return http.StatusTooManyRequests
	case stream.ReasonProtocolError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
