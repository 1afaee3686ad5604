package server

import (
	"log/slog"
	"net/http"

	"github.com/Normola/AudioPirate/internal/observability/logging"
	"github.com/Normola/AudioPirate/internal/ratelimit"
)

// loggingWithRequest returns a logger annotated with the request ID from the
// context, the HTTP path and the client address.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return base
	}
	return logging.WithContext(r.Context(), base).With(
		"path", r.URL.Path,
		"remote_ip", ratelimit.ClientKey(r),
	)
}
