package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/orcherr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	return NewStore(gdb)
}

// fakeSubmitter records every job submitted/cancelled and lets the test
// drive each step's outcome directly, without a real dispatcher/hub.
type fakeSubmitter struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*db.Job
	cancelled map[uuid.UUID]bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{jobs: make(map[uuid.UUID]*db.Job), cancelled: make(map[uuid.UUID]bool)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, job *db.Job) (*db.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.ID = uuid.New()
	job.Status = "pending"
	f.jobs[job.ID] = job
	return job, true, nil
}

func (f *fakeSubmitter) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return orcherr.ErrUnknownJob
	}
	if job.Status == "completed" || job.Status == "cancelled" || job.Status == "dead_letter" {
		return orcherr.ErrTerminalJob
	}
	job.Status = "cancelled"
	f.cancelled[jobID] = true
	return nil
}

func (f *fakeSubmitter) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, orcherr.ErrUnknownJob
	}
	return job, nil
}

func (f *fakeSubmitter) jobForStep(stepID string) *db.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.WorkflowStepID == stepID {
			return j
		}
	}
	return nil
}

func newTestRunner(t *testing.T, store *Store, sub *fakeSubmitter, bus *events.Bus) *Runner {
	t.Helper()
	r, err := New(store, sub, sub, bus, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}
	return r
}

func TestRunner_LinearChainAdvancesStepByStep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sub := newFakeSubmitter()
	bus := events.NewBus()
	r := newTestRunner(t, store, sub, bus)

	defRow, err := store.CreateDefinition(ctx, linear())
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}

	run, err := r.StartRun(ctx, defRow.ID, "corr-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	jobA := sub.jobForStep("a")
	if jobA == nil {
		t.Fatal("expected step a's job to have been submitted immediately")
	}
	if sub.jobForStep("b") != nil || sub.jobForStep("c") != nil {
		t.Fatal("steps b and c must not be submitted before a completes")
	}

	if err := r.advance(ctx, run.ID, "a", "completed"); err != nil {
		t.Fatalf("advance a: %v", err)
	}
	jobB := sub.jobForStep("b")
	if jobB == nil {
		t.Fatal("expected step b submitted once a completes")
	}
	if sub.jobForStep("c") != nil {
		t.Fatal("step c must wait for b")
	}

	if err := r.advance(ctx, run.ID, "b", "completed"); err != nil {
		t.Fatalf("advance b: %v", err)
	}
	jobC := sub.jobForStep("c")
	if jobC == nil {
		t.Fatal("expected step c submitted once b completes")
	}

	reloaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if reloaded.Status != RunStatusRunning {
		t.Fatalf("run should still be running with c outstanding, got %s", reloaded.Status)
	}

	if err := r.advance(ctx, run.ID, "c", "completed"); err != nil {
		t.Fatalf("advance c: %v", err)
	}
	reloaded, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if reloaded.Status != RunStatusCompleted {
		t.Fatalf("expected run completed once every step finishes, got %s", reloaded.Status)
	}
	if reloaded.FinishedAt == nil {
		t.Fatal("expected FinishedAt to be set on completion")
	}
}

func TestRunner_DiamondFanOutAndJoin(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sub := newFakeSubmitter()
	bus := events.NewBus()
	r := newTestRunner(t, store, sub, bus)

	defRow, _ := store.CreateDefinition(ctx, diamond())
	run, err := r.StartRun(ctx, defRow.ID, "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	if err := r.advance(ctx, run.ID, "a", "completed"); err != nil {
		t.Fatalf("advance a: %v", err)
	}
	if sub.jobForStep("b") == nil || sub.jobForStep("c") == nil {
		t.Fatal("expected both b and c submitted once a completes")
	}
	if sub.jobForStep("d") != nil {
		t.Fatal("d must wait for both b and c")
	}

	if err := r.advance(ctx, run.ID, "b", "completed"); err != nil {
		t.Fatalf("advance b: %v", err)
	}
	if sub.jobForStep("d") != nil {
		t.Fatal("d must still wait for c")
	}

	if err := r.advance(ctx, run.ID, "c", "completed"); err != nil {
		t.Fatalf("advance c: %v", err)
	}
	if sub.jobForStep("d") == nil {
		t.Fatal("expected d submitted once both b and c complete")
	}
}

func TestRunner_FailureCancelsDownstream(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sub := newFakeSubmitter()
	bus := events.NewBus()
	r := newTestRunner(t, store, sub, bus)

	defRow, _ := store.CreateDefinition(ctx, linear())
	run, err := r.StartRun(ctx, defRow.ID, "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	if err := r.advance(ctx, run.ID, "a", "dead_letter"); err != nil {
		t.Fatalf("advance a: %v", err)
	}

	reloaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if reloaded.Status != RunStatusFailed {
		t.Fatalf("expected run failed after step a dead-letters, got %s", reloaded.Status)
	}
	if sub.jobForStep("b") != nil || sub.jobForStep("c") != nil {
		t.Fatal("steps not yet started should never be submitted once the run has failed")
	}
}

func TestRunner_AdvanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sub := newFakeSubmitter()
	bus := events.NewBus()
	r := newTestRunner(t, store, sub, bus)

	defRow, _ := store.CreateDefinition(ctx, linear())
	run, err := r.StartRun(ctx, defRow.ID, "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	if err := r.advance(ctx, run.ID, "a", "completed"); err != nil {
		t.Fatalf("advance a: %v", err)
	}
	// Re-applying the same outcome (as the reconcile sweep might, after the
	// event loop already handled it) must not resubmit step b a second time.
	if err := r.advance(ctx, run.ID, "a", "completed"); err != nil {
		t.Fatalf("re-advance a: %v", err)
	}

	count := 0
	sub.mu.Lock()
	for _, j := range sub.jobs {
		if j.WorkflowStepID == "b" {
			count++
		}
	}
	sub.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected step b submitted exactly once, got %d", count)
	}
}

func TestRunner_EventDrivenAdvanceViaBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	sub := newFakeSubmitter()
	bus := events.NewBus()
	r := newTestRunner(t, store, sub, bus)

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start runner: %v", err)
	}
	defer r.Stop() //nolint:errcheck

	defRow, _ := store.CreateDefinition(ctx, linear())
	run, err := r.StartRun(ctx, defRow.ID, "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	jobA := sub.jobForStep("a")
	if jobA == nil {
		t.Fatal("expected step a submitted")
	}

	bus.Publish(events.TopicJobTransition, events.JobTransition{
		JobID: jobA.ID.String(), From: "running", To: "completed", Trigger: "Complete",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub.jobForStep("b") != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sub.jobForStep("b") == nil {
		t.Fatal("expected step b submitted after the bus carried step a's completion")
	}
	_ = run
}
