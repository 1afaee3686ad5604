package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTimeout = 5 * time.Second

const createTokensTable = `
CREATE TABLE IF NOT EXISTS audio_tokens (
	digest TEXT PRIMARY KEY,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

// PostgresOption configures a PostgresTokenStore.
type PostgresOption func(*PostgresTokenStore)

// WithTimeout bounds every statement issued by the store.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(s *PostgresTokenStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// PostgresTokenStore persists token digests to a Postgres table so issued
// tokens survive a server restart.
type PostgresTokenStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresTokenStore opens a Postgres-backed token store using the provided
// DSN and ensures the token table exists.
func NewPostgresTokenStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresTokenStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres token store dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres token store config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres token store pool: %w", err)
	}
	store := &PostgresTokenStore{pool: pool, timeout: defaultPostgresTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	migrateCtx, cancel := store.withTimeout(ctx)
	defer cancel()
	if _, err := pool.Exec(migrateCtx, createTokensTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create token table: %w", err)
	}
	return store, nil
}

func (s *PostgresTokenStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close releases the Postgres connection pool resources.
func (s *PostgresTokenStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping verifies the database is reachable.
func (s *PostgresTokenStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Save stores or replaces the token record.
func (s *PostgresTokenStore) Save(ctx context.Context, record TokenRecord) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO audio_tokens (digest, issued_at, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (digest) DO UPDATE SET issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at
`, record.Digest, record.IssuedAt.UTC(), record.ExpiresAt.UTC())
	return err
}

// Get fetches the token record for the provided digest.
func (s *PostgresTokenStore) Get(ctx context.Context, digest string) (TokenRecord, bool, error) {
	if s.pool == nil {
		return TokenRecord{}, false, fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT issued_at, expires_at
FROM audio_tokens
WHERE digest = $1
`, digest)
	record := TokenRecord{Digest: digest}
	if err := row.Scan(&record.IssuedAt, &record.ExpiresAt); err != nil {
		if isNoRows(err) {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, err
	}
	return record, true, nil
}

// Delete removes the token record.
func (s *PostgresTokenStore) Delete(ctx context.Context, digest string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM audio_tokens WHERE digest = $1`, digest)
	return err
}

// PurgeExpired deletes expired tokens from the table.
func (s *PostgresTokenStore) PurgeExpired(ctx context.Context, now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres token pool not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM audio_tokens WHERE expires_at <= $1`, now.UTC())
	return err
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
