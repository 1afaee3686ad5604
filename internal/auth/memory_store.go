package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenStore keeps token state in-memory. It is safe for concurrent use
// and is the default for a single device.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]TokenRecord
}

// NewMemoryTokenStore constructs an in-memory store implementation.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]TokenRecord)}
}

// Save records the token digest and its lifetime.
func (s *MemoryTokenStore) Save(_ context.Context, record TokenRecord) error {
	s.mu.Lock()
	s.tokens[record.Digest] = record
	s.mu.Unlock()
	return nil
}

// Get retrieves the record stored under the digest.
func (s *MemoryTokenStore) Get(_ context.Context, digest string) (TokenRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.tokens[digest]
	s.mu.RUnlock()
	return record, ok, nil
}

// Delete removes the digest from the store.
func (s *MemoryTokenStore) Delete(_ context.Context, digest string) error {
	s.mu.Lock()
	delete(s.tokens, digest)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes every record whose expiry is at or before now.
func (s *MemoryTokenStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	for digest, record := range s.tokens {
		if !now.Before(record.ExpiresAt) {
			delete(s.tokens, digest)
		}
	}
	s.mu.Unlock()
	return nil
}

// Len reports how many records are currently held.
func (s *MemoryTokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Ping always reports success for the in-memory token store.
func (s *MemoryTokenStore) Ping(context.Context) error {
	return nil
}
