package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MaxCredentialLength caps candidate length before any hashing work.
	MaxCredentialLength = 1024

	// DefaultPasswordIterations is the PBKDF2 work factor for new digests.
	DefaultPasswordIterations = 120000

	passwordSaltLength = 16
	passwordKeyLength  = 32
)

var errCredentialRequired = errors.New("credential password or password hash required")

// argon2idParams trades some strength for a low memory footprint on the
// capture device.
var argon2idParams = &argon2id.Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// CredentialConfig supplies the shared secret. Exactly one of Password or
// PasswordHash must be set.
type CredentialConfig struct {
	Password     string
	PasswordHash string
}

// CredentialOption configures a CredentialStore.
type CredentialOption func(*CredentialStore)

// WithIterations overrides the PBKDF2 work factor used when digesting a
// plaintext password at startup.
func WithIterations(iterations int) CredentialOption {
	return func(s *CredentialStore) {
		if iterations > 0 {
			s.iterations = iterations
		}
	}
}

// WithAuditLogger records the outcome of each validation attempt.
func WithAuditLogger(logger *slog.Logger) CredentialOption {
	return func(s *CredentialStore) {
		s.audit = logger
	}
}

// CredentialStore holds the digest of the single configured password.
type CredentialStore struct {
	encoded    string
	argon      bool
	iterations int
	audit      *slog.Logger
}

// NewCredentialStore digests a plaintext password or adopts a pre-encoded
// hash. The plaintext is not retained.
func NewCredentialStore(cfg CredentialConfig, opts ...CredentialOption) (*CredentialStore, error) {
	store := &CredentialStore{iterations: DefaultPasswordIterations}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	hash := strings.TrimSpace(cfg.PasswordHash)
	switch {
	case hash != "" && cfg.Password != "":
		return nil, fmt.Errorf("configure either a password or a password hash, not both")
	case hash != "":
		if IsArgon2idEncoded(hash) {
			if _, _, _, err := argon2id.DecodeHash(hash); err != nil {
				return nil, fmt.Errorf("decode argon2id hash: %w", err)
			}
			store.argon = true
		} else if _, _, _, err := decodePBKDF2(hash); err != nil {
			return nil, err
		}
		store.encoded = hash
	case cfg.Password != "":
		if len(cfg.Password) > MaxCredentialLength {
			return nil, fmt.Errorf("password exceeds %d bytes", MaxCredentialLength)
		}
		encoded, err := HashPassword(cfg.Password, store.iterations)
		if err != nil {
			return nil, err
		}
		store.encoded = encoded
	default:
		return nil, errCredentialRequired
	}
	return store, nil
}

// Validate reports whether candidate matches the configured password.
func (s *CredentialStore) Validate(candidate string) bool {
	ok := s.matches(candidate)
	if s.audit != nil {
		result := "failure"
		if ok {
			result = "success"
		}
		s.audit.Info("credential check", "result", result)
	}
	return ok
}

func (s *CredentialStore) matches(candidate string) bool {
	if s == nil || candidate == "" || len(candidate) > MaxCredentialLength {
		return false
	}
	if s.argon {
		match, err := argon2id.ComparePasswordAndHash(candidate, s.encoded)
		return err == nil && match
	}
	iterations, salt, storedKey, err := decodePBKDF2(s.encoded)
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	return subtle.ConstantTimeCompare(derived, storedKey) == 1
}

// HashPassword returns a pbkdf2$sha256$<iter>$<salt>$<key> encoding of password.
func HashPassword(password string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = DefaultPasswordIterations
	}
	salt := make([]byte, passwordSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, passwordKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", iterations, encodedSalt, encodedKey), nil
}

// HashPasswordArgon2id returns an argon2id PHC string for password.
func HashPasswordArgon2id(password string) (string, error) {
	return argon2id.CreateHash(password, argon2idParams)
}

// IsArgon2idEncoded reports whether encoded looks like an argon2id PHC string.
func IsArgon2idEncoded(encoded string) bool {
	return strings.HasPrefix(encoded, "$argon2id$")
}

func decodePBKDF2(encoded string) (int, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return 0, nil, nil, fmt.Errorf("decode password hash: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return 0, nil, nil, fmt.Errorf("decode password hash: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, fmt.Errorf("decode password hash: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("decode password hash: decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return 0, nil, nil, fmt.Errorf("decode password hash: invalid key")
	}
	return iterations, salt, key, nil
}
