package jobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	s, err := NewStore(ctx, gdb)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return s
}

func TestSubmit_IdempotencyDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, created, err := s.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !created {
		t.Fatal("expected the first submission to be reported as created")
	}

	second, created, err := s.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "key-1"})
	if err != nil {
		t.Fatalf("submit duplicate: %v", err)
	}
	if created {
		t.Fatal("expected the duplicate submission to be deduped, not created")
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedup to return the original job, got a different id")
	}
}

func TestSubmit_ResubmitAfterTerminalReturnsExistingRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, _, err := s.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "key-2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	job.Status = string(types.JobStatusCompleted)
	if err := s.Update(ctx, job); err != nil {
		t.Fatalf("update to terminal: %v", err)
	}

	resubmitted, created, err := s.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "key-2"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if created {
		t.Fatal("expected a terminal-but-matching resubmission to be reported as not created")
	}
	if resubmitted.ID != job.ID {
		t.Fatal("expected the resubmission to return the original (terminal) job record unchanged")
	}
	if resubmitted.Status != string(types.JobStatusCompleted) {
		t.Fatalf("expected the returned record to keep its terminal status, got %s", resubmitted.Status)
	}
}

func TestSubmit_ResubmitAfterTerminalWithDifferingPayloadConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, _, err := s.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "key-3"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job.Status = string(types.JobStatusCompleted)
	if err := s.Update(ctx, job); err != nil {
		t.Fatalf("update to terminal: %v", err)
	}

	_, _, err = s.Submit(ctx, &db.Job{Command: "different-command", IdempotencyKey: "key-3"})
	if !errors.Is(err, orcherr.ErrConflict) {
		t.Fatalf("expected ErrConflict resubmitting the same key with a differing payload, got %v", err)
	}
}

func TestSubmit_DifferingPayloadConflictsWhileStillNonTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, _, err := s.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "key-4"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, _, err := s.Submit(ctx, &db.Job{Command: "different-command", IdempotencyKey: "key-4"})
	if !errors.Is(err, orcherr.ErrConflict) {
		t.Fatalf("expected ErrConflict for a differing payload under the same key, got %v", err)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetByID(ctx, uuid.New())
	if !errors.Is(err, orcherr.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestList_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pending, _, _ := s.Submit(ctx, &db.Job{Command: "noop"})
	running, _, _ := s.Submit(ctx, &db.Job{Command: "noop"})
	running.Status = string(types.JobStatusRunning)
	if err := s.Update(ctx, running); err != nil {
		t.Fatalf("update: %v", err)
	}

	jobs, total, err := s.List(ctx, ListOptions{Limit: 10, Status: types.JobStatusRunning})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(jobs) != 1 || jobs[0].ID != running.ID {
		t.Fatalf("expected exactly the running job, got total=%d jobs=%v", total, jobs)
	}
	_ = pending
}

func TestDeadLettered_OnlyReturnsDeadLetterJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, _, _ := s.Submit(ctx, &db.Job{Command: "noop"})
	ok.Status = string(types.JobStatusFailed)
	if err := s.Update(ctx, ok); err != nil {
		t.Fatalf("update: %v", err)
	}

	dead, _, _ := s.Submit(ctx, &db.Job{Command: "noop"})
	dead.Status = string(types.JobStatusFailed)
	dead.DeadLettered = true
	if err := s.Update(ctx, dead); err != nil {
		t.Fatalf("update: %v", err)
	}

	jobs, total, err := s.DeadLettered(ctx, ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("dead lettered: %v", err)
	}
	if total != 1 || len(jobs) != 1 || jobs[0].ID != dead.ID {
		t.Fatalf("expected exactly the dead-lettered job, got total=%d jobs=%v", total, jobs)
	}
}

func TestAssignedOrRunning_FiltersByAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mine, _, _ := s.Submit(ctx, &db.Job{Command: "noop", AssignedAgentID: "agent-1"})
	mine.Status = string(types.JobStatusRunning)
	if err := s.Update(ctx, mine); err != nil {
		t.Fatalf("update: %v", err)
	}

	others, _, _ := s.Submit(ctx, &db.Job{Command: "noop", AssignedAgentID: "agent-2"})
	others.Status = string(types.JobStatusRunning)
	if err := s.Update(ctx, others); err != nil {
		t.Fatalf("update: %v", err)
	}

	jobs, err := s.AssignedOrRunning(ctx, "agent-1")
	if err != nil {
		t.Fatalf("assigned or running: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != mine.ID {
		t.Fatalf("expected only agent-1's job, got %v", jobs)
	}
}

func TestNonTerminal_ExcludesTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pending, _, _ := s.Submit(ctx, &db.Job{Command: "noop"})
	done, _, _ := s.Submit(ctx, &db.Job{Command: "noop"})
	done.Status = string(types.JobStatusCompleted)
	if err := s.Update(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}

	jobs, err := s.NonTerminal(ctx)
	if err != nil {
		t.Fatalf("non-terminal: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != pending.ID {
		t.Fatalf("expected only the pending job, got %v", jobs)
	}
}

func TestNewStore_RebuildsIdempotencyIndexFromNonTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job, _, err := s.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "rebuild-key"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Reopen a Store against the same underlying *gorm.DB to simulate a
	// process restart rebuilding its index from persisted rows.
	rebuilt, err := NewStore(ctx, s.db)
	if err != nil {
		t.Fatalf("rebuild store: %v", err)
	}

	dup, created, err := rebuilt.Submit(ctx, &db.Job{Command: "noop", IdempotencyKey: "rebuild-key"})
	if err != nil {
		t.Fatalf("submit after rebuild: %v", err)
	}
	if created {
		t.Fatal("expected the rebuilt index to still dedup the in-flight job")
	}
	if dup.ID != job.ID {
		t.Fatal("expected dedup hit to return the original job")
	}
}
