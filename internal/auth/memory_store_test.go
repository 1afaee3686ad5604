package auth

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTokenStoreLifecycle(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	now := time.Now()
	record := TokenRecord{Digest: "abc", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}

	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := store.Get(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !got.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := store.PurgeExpired(ctx, now.Add(59*time.Second)); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if store.Len() != 1 {
		t.Fatal("expected record to survive purge before expiry")
	}
	if err := store.PurgeExpired(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("expected record purged at expiry")
	}

	if err := store.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
