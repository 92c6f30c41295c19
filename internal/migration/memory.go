package migration

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements LockStore and VersionStore in process memory. It
// exists for tests and single-process development runs; production replicas
// coordinate through PostgresStore.
type MemoryStore struct {
	mu           sync.Mutex
	lockHolder   string
	leaseExpires time.Time
	version      int
	applied      []Step

	// FailStep, when non-nil, makes ApplyStep fail for the given version.
	FailStep map[int]error
	// StepDelay, when set, slows each ApplyStep down (for lease tests).
	StepDelay time.Duration
}

// NewMemoryStore creates an empty store at schema version 0.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Acquire implements LockStore.
func (s *MemoryStore) Acquire(_ context.Context, holder string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.lockHolder != "" && s.lockHolder != holder && s.leaseExpires.After(now) {
		return false, nil
	}
	s.lockHolder = holder
	s.leaseExpires = now.Add(lease)
	return true, nil
}

// Renew implements LockStore.
func (s *MemoryStore) Renew(_ context.Context, holder string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockHolder != holder {
		return errNotHolder
	}
	s.leaseExpires = time.Now().Add(lease)
	return nil
}

// Release implements LockStore.
func (s *MemoryStore) Release(_ context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockHolder == holder {
		s.lockHolder = ""
		s.leaseExpires = time.Time{}
	}
	return nil
}

// Current implements VersionStore.
func (s *MemoryStore) Current(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

// ApplyStep implements VersionStore.
func (s *MemoryStore) ApplyStep(_ context.Context, step Step) error {
	if s.StepDelay > 0 {
		time.Sleep(s.StepDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.FailStep[step.Version]; ok && err != nil {
		return err
	}
	s.version = step.Version
	s.applied = append(s.applied, step)
	return nil
}

// Applied returns the steps applied so far, in order.
func (s *MemoryStore) Applied() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.applied))
	copy(out, s.applied)
	return out
}

var errNotHolder = &notHolderError{}

type notHolderError struct{}

func (*notHolderError) Error() string { return "lease not held" }
