// Package jobstore is the authoritative GORM-backed job record store (C4):
// CRUD, idempotency-key dedup, and dead-letter queries. The repository
// shape (ErrNotFound-on-missing-row, ListOptions pagination, explicit
// Update vs UpdateStatus split) follows the internal/repository and
// internal/repositories packages.
package jobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

// ListOptions controls pagination and filtering for List.
type ListOptions struct {
	Limit  int
	Offset int
	Status types.JobStatus // empty means no filter
}

// Store is the job record store plus its in-memory idempotency index. The
// index is rebuilt from non-terminal jobs on NewStore so a restart does not
// lose in-flight dedup coverage.
type Store struct {
	db *gorm.DB

	mu         sync.Mutex
	idemIndex  map[string]uuid.UUID // idempotency key -> job id, non-terminal jobs only
}

// NewStore constructs a Store and rebuilds the idempotency index from
// currently non-terminal jobs.
func NewStore(ctx context.Context, gdb *gorm.DB) (*Store, error) {
	s := &Store{db: gdb, idemIndex: make(map[string]uuid.UUID)}

	var jobs []db.Job
	err := gdb.WithContext(ctx).
		Where("idempotency_key != '' AND status NOT IN ?", terminalStatuses()).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobstore: rebuilding idempotency index: %w", err)
	}
	for _, j := range jobs {
		s.idemIndex[j.IdempotencyKey] = j.ID
	}
	return s, nil
}

// terminalStatuses lists every Status value a job never transitions out of
// on its own. dead_letter is not among them: retry exhaustion marks
// db.Job.DeadLettered instead of mutating Status (see dispatcher.Fire), so
// that value is never written to a job's Status column.
func terminalStatuses() []string {
	return []string{
		string(types.JobStatusCompleted), string(types.JobStatusFailed),
		string(types.JobStatusTimedOut), string(types.JobStatusCancelled),
	}
}

func isTerminal(status types.JobStatus) bool {
	switch status {
	case types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusTimedOut, types.JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Submit inserts a new job. If idempotencyKey is non-empty and already maps
// to an existing job — terminal or not — Submit compares the resubmission's
// payload against that job: a matching payload returns the existing record
// unchanged (the at-least-once retry case); a differing payload is rejected
// with orcherr.ErrConflict rather than silently creating a second job or
// tripping the table's unique index.
func (s *Store) Submit(ctx context.Context, job *db.Job) (*db.Job, bool, error) {
	if job.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, job.IdempotencyKey)
		if err != nil && !errors.Is(err, orcherr.ErrUnknownJob) {
			return nil, false, err
		}
		if existing != nil {
			if !samePayload(existing, job) {
				return nil, false, orcherr.ErrConflict
			}
			return existing, false, nil
		}
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, false, fmt.Errorf("jobstore: create: %w", err)
	}

	if job.IdempotencyKey != "" {
		s.mu.Lock()
		s.idemIndex[job.IdempotencyKey] = job.ID
		s.mu.Unlock()
	}

	return job, true, nil
}

// findByIdempotencyKey consults the in-memory index first (the common case:
// a retry while the original submission is still non-terminal), falling
// back to a direct row lookup so a resubmission against an already-terminal
// job — whose index entry Update has since dropped — still finds it instead
// of racing the table's unique index on Create.
func (s *Store) findByIdempotencyKey(ctx context.Context, key string) (*db.Job, error) {
	s.mu.Lock()
	id, ok := s.idemIndex[key]
	s.mu.Unlock()
	if ok {
		return s.GetByID(ctx, id)
	}

	var job db.Job
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orcherr.ErrUnknownJob
		}
		return nil, fmt.Errorf("jobstore: find by idempotency key: %w", err)
	}
	return &job, nil
}

// samePayload reports whether a resubmission carries the same job payload
// as the record already on file for its idempotency key.
func samePayload(existing, incoming *db.Job) bool {
	return existing.Command == incoming.Command &&
		bytes.Equal(existing.Parameters, incoming.Parameters) &&
		existing.Priority == incoming.Priority &&
		existing.TimeoutSeconds == incoming.TimeoutSeconds &&
		existing.MaxRetries == incoming.MaxRetries &&
		existing.TargetAgentID == incoming.TargetAgentID &&
		existing.RequiredCapabilities == incoming.RequiredCapabilities &&
		existing.CorrelationID == incoming.CorrelationID &&
		existing.Metadata == incoming.Metadata
}

// GetByID retrieves a job by id. Returns orcherr.ErrUnknownJob if absent.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orcherr.ErrUnknownJob
		}
		return nil, fmt.Errorf("jobstore: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job. If the update moves the job
// into a terminal status, the idempotency index entry is dropped so a later
// resubmission with the same key is treated as a fresh job, not a dedup hit.
func (s *Store) Update(ctx context.Context, job *db.Job) error {
	result := s.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobstore: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orcherr.ErrUnknownJob
	}

	if job.IdempotencyKey != "" && isTerminal(types.JobStatus(job.Status)) {
		s.mu.Lock()
		delete(s.idemIndex, job.IdempotencyKey)
		s.mu.Unlock()
	}
	return nil
}

// AppendEvent writes one entry to the job's append-only event log.
func (s *Store) AppendEvent(ctx context.Context, event *db.JobEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("jobstore: append event: %w", err)
	}
	return nil
}

// Events returns a job's event log in sequence order.
func (s *Store) Events(ctx context.Context, jobID uuid.UUID) ([]db.JobEvent, error) {
	var events []db.JobEvent
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("jobstore: events: %w", err)
	}
	return events, nil
}

// AppendStreamChunk persists one stream item for a job. The table's unique
// (job_id, sequence) index absorbs a duplicate delivery rather than storing
// it twice; callers are expected to have already rejected out-of-order or
// post-end chunks (see session.acceptSequence) before reaching here.
func (s *Store) AppendStreamChunk(ctx context.Context, jobID uuid.UUID, sequence uint64, payload []byte, isEnd bool) error {
	chunk := &db.JobStreamChunk{JobID: jobID, Sequence: int64(sequence), Payload: payload, IsEnd: isEnd}
	if err := s.db.WithContext(ctx).Create(chunk).Error; err != nil {
		return fmt.Errorf("jobstore: append stream chunk: %w", err)
	}
	return nil
}

// StreamChunks returns a job's persisted stream items in sequence order —
// the replay half of a late subscriber's attach: everything produced before
// it joined, delivered before any further live chunk.
func (s *Store) StreamChunks(ctx context.Context, jobID uuid.UUID) ([]db.JobStreamChunk, error) {
	var chunks []db.JobStreamChunk
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence ASC").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("jobstore: stream chunks: %w", err)
	}
	return chunks, nil
}

// List returns a paginated, optionally status-filtered list of jobs, most
// recently created first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.Job{})
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobstore: list count: %w", err)
	}

	var jobs []db.Job
	q = s.db.WithContext(ctx).Model(&db.Job{})
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if err := q.Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobstore: list: %w", err)
	}
	return jobs, total, nil
}

// NonTerminal returns every job not currently in a terminal status — used by
// the dispatcher to rebuild its in-memory scheduling state after a restart.
func (s *Store) NonTerminal(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses()).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobstore: non-terminal: %w", err)
	}
	return jobs, nil
}

// AssignedOrRunning returns every job currently Assigned or Running on the
// given agent — used by the hub to reassign a disconnected agent's in-flight
// jobs.
func (s *Store) AssignedOrRunning(ctx context.Context, agentID string) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).
		Where("assigned_agent_id = ? AND status IN ?", agentID,
			[]string{string(types.JobStatusAssigned), string(types.JobStatusRunning)}).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobstore: assigned or running: %w", err)
	}
	return jobs, nil
}

// DeadLettered returns a paginated list of jobs whose retries were exhausted
// (db.Job.DeadLettered set) — their Status remains the real terminal value,
// Failed or TimedOut, rather than a distinct dead_letter status.
func (s *Store) DeadLettered(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.Job{}).Where("dead_lettered = ?", true)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobstore: dead lettered count: %w", err)
	}

	var jobs []db.Job
	q = s.db.WithContext(ctx).Model(&db.Job{}).Where("dead_lettered = ?", true)
	if err := q.Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobstore: dead lettered: %w", err)
	}
	return jobs, total, nil
}
