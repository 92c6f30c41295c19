package auth

import (
	"context"
	"sync"
	"time"
)

// RevocationStore records revoked token IDs until the referenced token would
// have expired anyway, after which the record may be garbage-collected.
type RevocationStore interface {
	// Revoke marks tokenID revoked until expiresAt. Idempotent.
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	// IsRevoked reports whether tokenID has an unexpired revocation record.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	// PurgeExpired removes records whose token has expired, returning the count.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryRevocationStore keeps revocation records in process memory. Suitable
// for single-replica deployments and tests; multi-replica deployments should
// use the redis store so revocations are shared.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	records map[string]time.Time
}

// NewMemoryRevocationStore creates an empty in-memory store.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{records: make(map[string]time.Time)}
}

// Revoke implements RevocationStore.
func (s *MemoryRevocationStore) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[tokenID]; !ok || expiresAt.After(existing) {
		s.records[tokenID] = expiresAt
	}
	return nil
}

// IsRevoked implements RevocationStore.
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[tokenID]
	return ok, nil
}

// PurgeExpired implements RevocationStore.
func (s *MemoryRevocationStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, exp := range s.records {
		if !exp.After(now) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}
