package auth

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

const testIterations = 1000

func TestCredentialStorePlaintextPassword(t *testing.T) {
	store, err := NewCredentialStore(CredentialConfig{Password: "audiopirate"}, WithIterations(testIterations))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	if !store.Validate("audiopirate") {
		t.Fatal("expected configured password to validate")
	}
	for _, candidate := range []string{"", "audiopiratE", "audiopirate ", "wrong"} {
		if store.Validate(candidate) {
			t.Fatalf("expected %q to be rejected", candidate)
		}
	}
	if strings.Contains(store.encoded, "audiopirate") {
		t.Fatal("expected plaintext to be discarded")
	}
}

func TestCredentialStoreRejectsOversizedCandidate(t *testing.T) {
	password := strings.Repeat("a", MaxCredentialLength)
	store, err := NewCredentialStore(CredentialConfig{Password: password}, WithIterations(testIterations))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	if !store.Validate(password) {
		t.Fatal("expected password at the length limit to validate")
	}
	if store.Validate(password + "a") {
		t.Fatal("expected oversized candidate to be rejected")
	}
}

func TestCredentialStorePBKDF2Hash(t *testing.T) {
	encoded, err := HashPassword("s3cret", testIterations)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(encoded, "pbkdf2$sha256$1000$") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	store, err := NewCredentialStore(CredentialConfig{PasswordHash: encoded})
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	if !store.Validate("s3cret") || store.Validate("s3cre") {
		t.Fatal("unexpected pbkdf2 validation result")
	}
}

func TestCredentialStoreArgon2idHash(t *testing.T) {
	encoded, err := HashPasswordArgon2id("s3cret")
	if err != nil {
		t.Fatalf("HashPasswordArgon2id: %v", err)
	}
	if !IsArgon2idEncoded(encoded) {
		t.Fatalf("expected argon2id encoding, got %q", encoded)
	}
	store, err := NewCredentialStore(CredentialConfig{PasswordHash: encoded})
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	if !store.Validate("s3cret") {
		t.Fatal("expected argon2id password to validate")
	}
	if store.Validate("other") {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestNewCredentialStoreErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  CredentialConfig
	}{
		{name: "empty", cfg: CredentialConfig{}},
		{name: "both", cfg: CredentialConfig{Password: "a", PasswordHash: "pbkdf2$sha256$1$AAAA$AAAA"}},
		{name: "unknown scheme", cfg: CredentialConfig{PasswordHash: "md5$abc"}},
		{name: "bad iterations", cfg: CredentialConfig{PasswordHash: "pbkdf2$sha256$zero$AAAA$AAAA"}},
		{name: "bad argon2id", cfg: CredentialConfig{PasswordHash: "$argon2id$garbage"}},
		{name: "oversized password", cfg: CredentialConfig{Password: strings.Repeat("x", MaxCredentialLength+1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCredentialStore(tc.cfg); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestCredentialStoreAuditNeverLogsCandidate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	store, err := NewCredentialStore(CredentialConfig{Password: "right-password"}, WithIterations(testIterations), WithAuditLogger(logger))
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	store.Validate("wrong-password")
	store.Validate("right-password")
	out := buf.String()
	if strings.Contains(out, "wrong-password") || strings.Contains(out, "right-password") {
		t.Fatalf("audit log leaked candidate: %s", out)
	}
	if !strings.Contains(out, "result=failure") || !strings.Contains(out, "result=success") {
		t.Fatalf("expected both outcomes to be audited, got %s", out)
	}
}
