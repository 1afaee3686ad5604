package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTokenTTL bounds how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

const (
	defaultTokenBytes = 32
	minTokenBytes     = 16
)

var (
	// ErrTokenUnknown is returned when a presented token was never issued or
	// has been revoked or purged.
	ErrTokenUnknown = errors.New("token unknown")
	// ErrTokenExpired is returned when a token is presented at or after
	// issued_at + TTL.
	ErrTokenExpired = errors.New("token expired")
)

// TokenStore defines the persistence contract for issued tokens. Records are
// keyed by the SHA-256 digest of the token, never the token itself.
type TokenStore interface {
	Save(ctx context.Context, record TokenRecord) error
	Get(ctx context.Context, digest string) (TokenRecord, bool, error)
	Delete(ctx context.Context, digest string) error
	PurgeExpired(ctx context.Context, now time.Time) error
}

// TokenRecord captures a token row held by a TokenStore.
type TokenRecord struct {
	Digest    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuedToken is handed to a client after successful authentication.
type IssuedToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenInfo describes a token that passed validation.
type TokenInfo struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Remaining returns the time left before the token expires, never negative.
func (i TokenInfo) Remaining(now time.Time) time.Duration {
	remaining := i.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TokenOption configures a TokenManager instance.
type TokenOption func(*TokenManager)

// WithTokenStore injects a custom TokenStore implementation.
func WithTokenStore(store TokenStore) TokenOption {
	return func(m *TokenManager) {
		m.store = store
	}
}

// WithClock replaces the wall clock used for issue and expiry decisions.
func WithClock(clock func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithTokenBytes sets the number of random bytes behind each token. Values
// below 16 bytes are ignored.
func WithTokenBytes(length int) TokenOption {
	return func(m *TokenManager) {
		if length >= minTokenBytes {
			m.tokenBytes = length
		}
	}
}

// WithTokenLogger attaches a logger for issue and revoke events.
func WithTokenLogger(logger *slog.Logger) TokenOption {
	return func(m *TokenManager) {
		m.logger = logger
	}
}

// TokenManager issues opaque bearer tokens and validates them against a
// fixed TTL measured from issue time. Tokens are never refreshed in place.
//
// The expiry check trusts the wall clock: stepping the clock backwards can make
// an expired token valid again.
type TokenManager struct {
	store        TokenStore
	ttl          time.Duration
	tokenBytes   int
	now          func() time.Time
	tokenFactory func(int) (string, string, error)
	logger       *slog.Logger
}

// NewTokenManager constructs a TokenManager with the provided TTL and options.
// The manager defaults to a 24-hour TTL and an in-memory store.
func NewTokenManager(ttl time.Duration, opts ...TokenOption) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	manager := &TokenManager{
		ttl:          ttl,
		tokenBytes:   defaultTokenBytes,
		now:          time.Now,
		tokenFactory: generateHashedToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryTokenStore()
	}
	return manager
}

// TTL reports the configured token lifetime.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Issue mints a new token with issued_at set to now.
func (m *TokenManager) Issue(ctx context.Context) (IssuedToken, error) {
	token, digest, err := m.tokenFactory(m.tokenBytes)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("generate token: %w", err)
	}
	issuedAt := m.now()
	record := TokenRecord{
		Digest:    digest,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(m.ttl),
	}
	if err := m.store.Save(ctx, record); err != nil {
		return IssuedToken{}, fmt.Errorf("save token: %w", err)
	}
	if m.logger != nil {
		m.logger.Debug("token issued", "expires_at", record.ExpiresAt.UTC())
	}
	return IssuedToken{Token: token, IssuedAt: record.IssuedAt, ExpiresAt: record.ExpiresAt}, nil
}

// Check looks the token up and reports why it is unusable, if it is.
// Expired records are dropped from the store as they are found.
func (m *TokenManager) Check(ctx context.Context, token string) (TokenInfo, error) {
	digest, err := hashToken(token)
	if err != nil {
		return TokenInfo{}, ErrTokenUnknown
	}
	record, ok, err := m.store.Get(ctx, digest)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("load token: %w", err)
	}
	if !ok {
		return TokenInfo{}, ErrTokenUnknown
	}
	now := m.now()
	if now.Sub(record.IssuedAt) >= m.ttl {
		if err := m.store.Delete(ctx, digest); err != nil && m.logger != nil {
			m.logger.Warn("failed to drop expired token", "error", err)
		}
		return TokenInfo{}, ErrTokenExpired
	}
	return TokenInfo{IssuedAt: record.IssuedAt, ExpiresAt: record.IssuedAt.Add(m.ttl)}, nil
}

// Validate reports whether the token is known and younger than the TTL. It
// does not extend the token's lifetime.
func (m *TokenManager) Validate(ctx context.Context, token string) bool {
	_, err := m.Check(ctx, token)
	return err == nil
}

// Revoke removes the token immediately. Revoking an unknown token is a no-op.
func (m *TokenManager) Revoke(ctx context.Context, token string) error {
	digest, err := hashToken(token)
	if err != nil {
		return nil
	}
	if err := m.store.Delete(ctx, digest); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if m.logger != nil {
		m.logger.Debug("token revoked")
	}
	return nil
}

// PurgeExpired removes any expired tokens from the backing store.
func (m *TokenManager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now())
}

// Now exposes the manager's clock so callers measure expiry on the same time
// base.
func (m *TokenManager) Now() time.Time {
	return m.now()
}

// Ping verifies the underlying token store is reachable when it exposes a
// ping method.
func (m *TokenManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Close releases store resources when the store holds any.
func (m *TokenManager) Close(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if closer, ok := m.store.(interface{ Close(context.Context) error }); ok {
		return closer.Close(ctx)
	}
	return nil
}
