// Package migration coordinates schema migrations at process startup so that
// exactly one instance performs the upgrade even when replicas boot
// concurrently. Non-winners wait until the schema reaches the target version.
package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/plantops/shopfloor/internal/errors"
	"github.com/plantops/shopfloor/internal/logging"
)

// State is the coordinator lifecycle. Completed, Skipped and Failed are
// terminal.
type State string

const (
	StateNotStarted    State = "not_started"
	StateLockAcquiring State = "lock_acquiring"
	StateMigrating     State = "migrating"
	StateCompleted     State = "completed"
	StateSkipped       State = "skipped"
	StateFailed        State = "failed"
)

// Step is one schema migration, applied transactionally together with the
// version record so a crash mid-run leaves the schema at the last fully
// applied step.
type Step struct {
	Version    int
	Name       string
	Statements []string
}

// LockStore is the cross-process advisory lock with a lease, so a crashed
// holder cannot block future startups indefinitely.
type LockStore interface {
	// Acquire takes the lock for holder with the given lease, returning false
	// when another holder's lease is still unexpired. Re-acquiring an expired
	// lease succeeds.
	Acquire(ctx context.Context, holder string, lease time.Duration) (bool, error)
	// Renew extends the lease; fails when holder no longer owns the lock.
	Renew(ctx context.Context, holder string, lease time.Duration) error
	// Release gives the lock up. Releasing a lock not held is a no-op.
	Release(ctx context.Context, holder string) error
}

// VersionStore records the schema version. ApplyStep must run the step's
// statements and the version bump in a single transaction.
type VersionStore interface {
	Current(ctx context.Context) (int, error)
	ApplyStep(ctx context.Context, step Step) error
}

// Coordinator drives the migration state machine for one process.
type Coordinator struct {
	locks    LockStore
	versions VersionStore
	steps    []Step
	holder   string
	lease    time.Duration
	poll     time.Duration
	logger   *logging.Logger

	// OnStepApplied, when set, is called after each successfully applied step.
	OnStepApplied func(Step)

	state atomic.Value // State
}

// NewCoordinator builds a coordinator over the given stores and steps. Steps
// are sorted and must carry unique, positive versions. The lease must exceed
// the expected duration of any single step; the coordinator heartbeats while
// migrating so total duration may exceed the lease.
func NewCoordinator(locks LockStore, versions VersionStore, steps []Step, lease, poll time.Duration, logger *logging.Logger) (*Coordinator, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("migration: lease must be positive")
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, s := range sorted {
		if s.Version <= 0 {
			return nil, fmt.Errorf("migration: step %q has non-positive version %d", s.Name, s.Version)
		}
		if i > 0 && sorted[i-1].Version == s.Version {
			return nil, fmt.Errorf("migration: duplicate version %d", s.Version)
		}
	}

	c := &Coordinator{
		locks:    locks,
		versions: versions,
		steps:    sorted,
		holder:   uuid.New().String(),
		lease:    lease,
		poll:     poll,
		logger:   logger,
	}
	c.state.Store(StateNotStarted)
	return c, nil
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

func (c *Coordinator) setState(s State) {
	c.state.Store(s)
}

// TargetVersion is the highest defined step version.
func (c *Coordinator) TargetVersion() int {
	if len(c.steps) == 0 {
		return 0
	}
	return c.steps[len(c.steps)-1].Version
}

// Run executes the state machine. It returns the terminal state; on
// StateFailed the returned error is fatal and the caller must not begin
// serving traffic.
func (c *Coordinator) Run(ctx context.Context) (State, error) {
	target := c.TargetVersion()
	log := c.logger.WithField("migration_holder", c.holder)

	c.setState(StateLockAcquiring)
	for {
		current, err := c.versions.Current(ctx)
		if err != nil {
			c.setState(StateFailed)
			return StateFailed, errors.MigrationFailed(fmt.Errorf("read schema version: %w", err))
		}
		if current >= target {
			c.setState(StateSkipped)
			log.WithField("schema_version", current).Info("schema already at target version")
			return StateSkipped, nil
		}

		acquired, err := c.locks.Acquire(ctx, c.holder, c.lease)
		if err != nil {
			c.setState(StateFailed)
			return StateFailed, errors.MigrationFailed(fmt.Errorf("acquire migration lock: %w", err))
		}
		if acquired {
			return c.migrate(ctx, current, target, log)
		}

		// Another instance holds the lease; wait for it to reach the target
		// (or for its lease to lapse so acquisition can be retried).
		select {
		case <-ctx.Done():
			c.setState(StateFailed)
			return StateFailed, errors.MigrationFailed(ctx.Err())
		case <-time.After(c.poll):
		}
	}
}

func (c *Coordinator) migrate(ctx context.Context, current, target int, log *logging.Logger) (State, error) {
	// The version may have advanced between the last read and lock
	// acquisition; a holder that finds nothing to do skips.
	latest, err := c.versions.Current(ctx)
	if err != nil {
		c.releaseQuietly(log)
		c.setState(StateFailed)
		return StateFailed, errors.MigrationFailed(fmt.Errorf("re-read schema version: %w", err))
	}
	if latest >= target {
		c.releaseQuietly(log)
		c.setState(StateSkipped)
		return StateSkipped, nil
	}
	current = latest

	c.setState(StateMigrating)
	stopHeartbeat := c.startHeartbeat(log)
	defer stopHeartbeat()

	for _, step := range c.steps {
		if step.Version <= current {
			continue
		}
		stepLog := log.WithFields(map[string]interface{}{
			"step_version": step.Version,
			"step_name":    step.Name,
		})
		stepLog.Info("applying migration step")

		if err := c.versions.ApplyStep(ctx, step); err != nil {
			stopHeartbeat()
			c.releaseQuietly(log)
			c.setState(StateFailed)
			stepLog.WithError(err).Error("migration step failed")
			return StateFailed, errors.MigrationFailed(fmt.Errorf("apply step %d (%s): %w", step.Version, step.Name, err))
		}
		if c.OnStepApplied != nil {
			c.OnStepApplied(step)
		}
	}

	stopHeartbeat()
	c.releaseQuietly(log)
	c.setState(StateCompleted)
	log.WithField("schema_version", target).Info("schema migration completed")
	return StateCompleted, nil
}

// startHeartbeat renews the lease at a third of its duration until the
// returned stop function is called. Stop is safe to call more than once.
func (c *Coordinator) startHeartbeat(log *logging.Logger) func() {
	done := make(chan struct{})
	var once sync.Once
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.lease/3)
				if err := c.locks.Renew(ctx, c.holder, c.lease); err != nil {
					log.WithError(err).Warn("migration lease renewal failed")
				}
				cancel()
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

func (c *Coordinator) releaseQuietly(log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.locks.Release(ctx, c.holder); err != nil {
		log.WithError(err).Warn("migration lock release failed")
	}
}
