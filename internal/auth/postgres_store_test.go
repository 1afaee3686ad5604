package auth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestIsNoRowsTrueForErrNoRows(t *testing.T) {
	if !isNoRows(pgx.ErrNoRows) {
		t.Fatalf("expected pgx.ErrNoRows to be treated as no rows")
	}
}

func TestIsNoRowsTrueForWrappedErrNoRows(t *testing.T) {
	if !isNoRows(errors.Join(errors.New("scan"), pgx.ErrNoRows)) {
		t.Fatalf("expected wrapped pgx.ErrNoRows to be treated as no rows")
	}
}

func TestIsNoRowsFalseForOtherError(t *testing.T) {
	if isNoRows(errors.New("boom")) {
		t.Fatalf("expected arbitrary error to not be treated as no rows")
	}
	if isNoRows(nil) {
		t.Fatalf("expected nil to not be treated as no rows")
	}
}

func TestNewPostgresTokenStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresTokenStore(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestNewPostgresTokenStoreRejectsMalformedDSN(t *testing.T) {
	if _, err := NewPostgresTokenStore(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("expected parse error for malformed dsn")
	}
}

func TestPostgresTokenStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("AUDIOPIRATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUDIOPIRATE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresTokenStore(ctx, dsn, WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewPostgresTokenStore: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	})

	issued := time.Now().UTC().Truncate(time.Microsecond)
	record := TokenRecord{Digest: "pg-test-digest", IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := store.Get(ctx, record.Digest)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !got.IssuedAt.Equal(record.IssuedAt) || !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := store.PurgeExpired(ctx, issued.Add(2*time.Hour)); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, ok, err := store.Get(ctx, record.Digest); err != nil || ok {
		t.Fatalf("expected purged record, ok=%v err=%v", ok, err)
	}

	if err := store.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
