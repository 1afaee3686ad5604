package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Normola/AudioPirate/internal/auth"
	"github.com/Normola/AudioPirate/internal/observability/logging"
	"github.com/Normola/AudioPirate/internal/observability/metrics"
	"github.com/Normola/AudioPirate/internal/ratelimit"
)

// CredentialValidator checks a presented password.
type CredentialValidator interface {
	Validate(candidate string) bool
}

// AuthError is returned when a login, resume or token check is refused.
type AuthError struct {
	Reason     Reason
	RetryAfter time.Duration
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication refused (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication refused (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ReasonOf extracts the client-facing reason from err.
func ReasonOf(err error) Reason {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	if IsProtocolError(err) {
		return ReasonProtocolError
	}
	return ReasonServerError
}

// Grant is a token handed to a client together with its expiry.
type Grant struct {
	Token     string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

// ExpiresInSeconds rounds the remaining lifetime up to whole seconds.
func (g Grant) ExpiresInSeconds() int64 {
	if g.ExpiresIn <= 0 {
		return 0
	}
	return int64(math.Ceil(g.ExpiresIn.Seconds()))
}

// AuthenticatorConfig configures NewAuthenticator.
type AuthenticatorConfig struct {
	Credentials CredentialValidator
	Tokens      *auth.TokenManager
	// Limiter throttles credential attempts per client. Optional.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Authenticator joins the credential store, token manager and login limiter
// behind the operations shared by the WebSocket and HTTP surfaces.
type Authenticator struct {
	credentials CredentialValidator
	tokens      *auth.TokenManager
	limiter     *ratelimit.Limiter
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("credential validator is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token manager is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		credentials: cfg.Credentials,
		tokens:      cfg.Tokens,
		limiter:     cfg.Limiter,
		metrics:     recorder,
		logger:      logging.WithComponent(logger, "auth"),
	}, nil
}

// Login validates credential for the client identified by clientKey and
// issues a new token.
func (a *Authenticator) Login(ctx context.Context, clientKey, credential string) (Grant, error) {
	allowed, retryAfter, err := a.limiter.AllowLogin(ctx, clientKey)
	if err != nil {
		a.logger.Error("login limiter failed", "error", err)
		return Grant{}, &AuthError{Reason: ReasonServerError, Err: err}
	}
	if !allowed {
		a.metrics.ObserveAuthAttempt("credential", "rate_limited")
		a.logger.Warn("login throttled", "client", clientKey, "retry_after", retryAfter)
		return Grant{}, &AuthError{Reason: ReasonRateLimited, RetryAfter: retryAfter}
	}

	if !a.credentials.Validate(credential) {
		a.metrics.ObserveAuthAttempt("credential", "failure")
		return Grant{}, &AuthError{Reason: ReasonInvalidCredential}
	}

	issued, err := a.tokens.Issue(ctx)
	if err != nil {
		a.logger.Error("issue token", "error", err)
		return Grant{}, &AuthError{Reason: ReasonServerError, Err: err}
	}
	a.metrics.ObserveAuthAttempt("credential", "success")
	a.metrics.TokenIssued()
	return Grant{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		ExpiresIn: issued.ExpiresAt.Sub(issued.IssuedAt),
	}, nil
}

// Resume accepts a previously issued token. The grant carries the remaining
// lifetime; tokens are never extended.
func (a *Authenticator) Resume(ctx context.Context, token string) (Grant, error) {
	info, err := a.check(ctx, token)
	if err != nil {
		return Grant{}, err
	}
	a.metrics.ObserveAuthAttempt("token", "success")
	return Grant{
		Token:     token,
		ExpiresAt: info.ExpiresAt,
		ExpiresIn: info.Remaining(a.tokens.Now()),
	}, nil
}

// Verify reports whether token is still live in the token store. It catches
// revocations made through other connections or replicas.
func (a *Authenticator) Verify(ctx context.Context, token string) error {
	_, err := a.check(ctx, token)
	return err
}

func (a *Authenticator) check(ctx context.Context, token string) (auth.TokenInfo, error) {
	info, err := a.tokens.Check(ctx, token)
	switch {
	case err == nil:
		return info, nil
	case errors.Is(err, auth.ErrTokenExpired):
		a.metrics.ObserveAuthAttempt("token", "expired")
		return auth.TokenInfo{}, &AuthError{Reason: ReasonTokenExpired, Err: err}
	case errors.Is(err, auth.ErrTokenUnknown):
		a.metrics.ObserveAuthAttempt("token", "failure")
		return auth.TokenInfo{}, &AuthError{Reason: ReasonInvalidCredential, Err: err}
	default:
		a.logger.Error("check token", "error", err)
		return auth.TokenInfo{}, &AuthError{Reason: ReasonServerError, Err: err}
	}
}

// Logout revokes token. Unknown tokens are ignored.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if err := a.tokens.Revoke(ctx, token); err != nil {
		a.logger.Error("revoke token", "error", err)
		return &AuthError{Reason: ReasonServerError, Err: err}
	}
	a.metrics.TokenRevoked()
	return nil
}

// Now reads the clock the token manager judges expiry against.
func (a *Authenticator) Now() time.Time {
	return a.tokens.Now()
}
