package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	svcerrors "github.com/plantops/shopfloor/internal/errors"
	"github.com/plantops/shopfloor/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New("migration-test", "error", "text")
}

func testSteps() []Step {
	return []Step{
		{Version: 1, Name: "one"},
		{Version: 2, Name: "two"},
		{Version: 3, Name: "three"},
	}
}

func newTestCoordinator(t *testing.T, store *MemoryStore, steps []Step) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(store, store, steps, time.Second, 5*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return c
}

func TestCoordinator_FreshSchema(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCoordinator(t, store, testSteps())

	state, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("Run() state = %v, want %v", state, StateCompleted)
	}
	if v, _ := store.Current(context.Background()); v != 3 {
		t.Errorf("schema version = %d, want 3", v)
	}
	if got := len(store.Applied()); got != 3 {
		t.Errorf("applied steps = %d, want 3", got)
	}
}

func TestCoordinator_RerunIsNoOp(t *testing.T) {
	store := NewMemoryStore()

	if state, err := newTestCoordinator(t, store, testSteps()).Run(context.Background()); err != nil || state != StateCompleted {
		t.Fatalf("first Run() = %v, %v", state, err)
	}

	state, err := newTestCoordinator(t, store, testSteps()).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if state != StateSkipped {
		t.Errorf("second Run() state = %v, want %v", state, StateSkipped)
	}
	if got := len(store.Applied()); got != 3 {
		t.Errorf("applied steps after rerun = %d, want 3", got)
	}
}

func TestCoordinator_ConcurrentInstances(t *testing.T) {
	store := NewMemoryStore()
	store.StepDelay = 2 * time.Millisecond

	const n = 8
	results := make([]State, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		c := newTestCoordinator(t, store, testSteps())
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			state, err := c.Run(context.Background())
			if err != nil {
				t.Errorf("instance %d: Run() error = %v", i, err)
			}
			results[i] = state
		}(i, c)
	}
	wg.Wait()

	completed, skipped := 0, 0
	for _, s := range results {
		switch s {
		case StateCompleted:
			completed++
		case StateSkipped:
			skipped++
		}
	}
	if completed != 1 {
		t.Errorf("completed instances = %d, want exactly 1 (results: %v)", completed, results)
	}
	if skipped != n-1 {
		t.Errorf("skipped instances = %d, want %d", skipped, n-1)
	}
	if v, _ := store.Current(context.Background()); v != 3 {
		t.Errorf("final schema version = %d, want 3", v)
	}
	if got := len(store.Applied()); got != 3 {
		t.Errorf("applied steps = %d, want 3 (each step exactly once)", got)
	}
}

func TestCoordinator_StepFailureIsFatalAndResumable(t *testing.T) {
	store := NewMemoryStore()
	store.FailStep = map[int]error{2: fmt.Errorf("column collision")}
	ctx := context.Background()

	c := newTestCoordinator(t, store, testSteps())
	state, err := c.Run(ctx)
	if state != StateFailed {
		t.Fatalf("Run() state = %v, want %v", state, StateFailed)
	}
	if err == nil {
		t.Fatal("Run() returned nil error on failure")
	}
	var se *svcerrors.ServiceError
	if !errors.As(err, &se) || se.Code != svcerrors.CodeMigrationFailed {
		t.Errorf("Run() error = %v, want MIGRATION_FAILED", err)
	}
	if c.State() != StateFailed {
		t.Errorf("State() = %v, want %v", c.State(), StateFailed)
	}

	// The crash left the version at the last fully applied step.
	if v, _ := store.Current(ctx); v != 1 {
		t.Fatalf("schema version after failure = %d, want 1", v)
	}

	// The lock was released, so a healthy instance resumes from step 2.
	store.FailStep = nil
	state, err = newTestCoordinator(t, store, testSteps()).Run(ctx)
	if err != nil {
		t.Fatalf("resume Run() error = %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("resume Run() state = %v, want %v", state, StateCompleted)
	}
	if v, _ := store.Current(ctx); v != 3 {
		t.Errorf("schema version after resume = %d, want 3", v)
	}
}

func TestCoordinator_TakesOverExpiredLease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Simulate a crashed holder with a short lease that lapses immediately.
	if ok, err := store.Acquire(ctx, "crashed-holder", time.Millisecond); err != nil || !ok {
		t.Fatalf("seed Acquire() = %v, %v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	state, err := newTestCoordinator(t, store, testSteps()).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state != StateCompleted {
		t.Errorf("Run() state = %v, want %v", state, StateCompleted)
	}
}

func TestCoordinator_ContextCancellationWhileWaiting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Hold the lock with a long lease so the coordinator has to poll.
	if ok, err := store.Acquire(ctx, "other-holder", time.Hour); err != nil || !ok {
		t.Fatalf("seed Acquire() = %v, %v", ok, err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	state, err := newTestCoordinator(t, store, testSteps()).Run(cancelled)
	if state != StateFailed {
		t.Errorf("Run() state = %v, want %v", state, StateFailed)
	}
	if err == nil {
		t.Error("Run() returned nil error after cancellation")
	}
}

func TestNewCoordinator_RejectsDuplicateVersions(t *testing.T) {
	store := NewMemoryStore()
	_, err := NewCoordinator(store, store, []Step{
		{Version: 1, Name: "a"},
		{Version: 1, Name: "b"},
	}, time.Second, time.Millisecond, testLogger())
	if err == nil {
		t.Error("NewCoordinator() accepted duplicate step versions")
	}
}

func TestSteps_StrictlyIncreasing(t *testing.T) {
	steps := Steps()
	if len(steps) == 0 {
		t.Fatal("Steps() returned no migrations")
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Version <= steps[i-1].Version {
			t.Errorf("steps out of order at %d: %d after %d", i, steps[i].Version, steps[i-1].Version)
		}
	}
}

func TestCoordinator_OnStepAppliedFiresPerStep(t *testing.T) {
	store := NewMemoryStore()
	c := newTestCoordinator(t, store, testSteps())

	var applied []int
	c.OnStepApplied = func(s Step) { applied = append(applied, s.Version) }

	state, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state != StateCompleted {
		t.Fatalf("Run() state = %v, want %v", state, StateCompleted)
	}
	want := []int{1, 2, 3}
	if len(applied) != len(want) {
		t.Fatalf("OnStepApplied fired for versions %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("OnStepApplied order = %v, want %v", applied, want)
			break
		}
	}
}
