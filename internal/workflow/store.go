package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/orcherr"
)

// Run statuses. Distinct from job statuses — a run tracks the DAG as a
// whole, not any single step's job.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// stepRecord is the persisted per-step state inside WorkflowRun.StepJobsJSON.
type stepRecord struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"` // submitted, completed, failed, cancelled, skipped
}

const (
	stepSubmitted = "submitted"
	stepCompleted = "completed"
	stepFailed    = "failed"
	stepCancelled = "cancelled"
	stepSkipped   = "skipped"
)

// Store is the GORM-backed persistence for workflow definitions and runs,
// grounded on jobstore.Store's repository shape (ErrNotFound-on-missing-row,
// explicit Update).
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// CreateDefinition persists a new Definition under the given name.
func (s *Store) CreateDefinition(ctx context.Context, def Definition) (*db.WorkflowDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal steps: %w", err)
	}
	edges, err := json.Marshal(def.Edges)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal edges: %w", err)
	}

	row := &db.WorkflowDefinition{
		Name:      def.Name,
		StepsJSON: string(steps),
		EdgesJSON: string(edges),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("workflow: create definition: %w", err)
	}
	return row, nil
}

// GetDefinition fetches a definition row and its parsed Definition.
func (s *Store) GetDefinition(ctx context.Context, id uuid.UUID) (*db.WorkflowDefinition, Definition, error) {
	var row db.WorkflowDefinition
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Definition{}, orcherr.ErrNotFound
		}
		return nil, Definition{}, fmt.Errorf("workflow: get definition: %w", err)
	}
	def, err := parseDefinition(row)
	if err != nil {
		return nil, Definition{}, err
	}
	return &row, def, nil
}

// ListDefinitions returns every stored definition, most recently created
// first.
func (s *Store) ListDefinitions(ctx context.Context) ([]db.WorkflowDefinition, error) {
	var rows []db.WorkflowDefinition
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("workflow: list definitions: %w", err)
	}
	return rows, nil
}

func parseDefinition(row db.WorkflowDefinition) (Definition, error) {
	def := Definition{Name: row.Name}
	if err := json.Unmarshal([]byte(row.StepsJSON), &def.Steps); err != nil {
		return Definition{}, fmt.Errorf("workflow: unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(row.EdgesJSON), &def.Edges); err != nil {
		return Definition{}, fmt.Errorf("workflow: unmarshal edges: %w", err)
	}
	return def, nil
}

// CreateRun persists a new, empty running run for the given definition.
func (s *Store) CreateRun(ctx context.Context, definitionID uuid.UUID) (*db.WorkflowRun, error) {
	row := &db.WorkflowRun{
		DefinitionID: definitionID,
		Status:       RunStatusRunning,
		StepJobsJSON: "{}",
		StartedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("workflow: create run: %w", err)
	}
	return row, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*db.WorkflowRun, error) {
	var row db.WorkflowRun
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orcherr.ErrNotFound
		}
		return nil, fmt.Errorf("workflow: get run: %w", err)
	}
	return &row, nil
}

// UpdateRun persists all fields of an existing run.
func (s *Store) UpdateRun(ctx context.Context, row *db.WorkflowRun) error {
	result := s.db.WithContext(ctx).Save(row)
	if result.Error != nil {
		return fmt.Errorf("workflow: update run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orcherr.ErrNotFound
	}
	return nil
}

// RunningRuns returns every run still in progress — used by the periodic
// reconciler to catch step transitions missed while the server was down.
func (s *Store) RunningRuns(ctx context.Context) ([]db.WorkflowRun, error) {
	var rows []db.WorkflowRun
	if err := s.db.WithContext(ctx).Where("status = ?", RunStatusRunning).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("workflow: running runs: %w", err)
	}
	return rows, nil
}

// ListRuns returns runs for a definition, most recently started first.
func (s *Store) ListRuns(ctx context.Context, definitionID uuid.UUID) ([]db.WorkflowRun, error) {
	var rows []db.WorkflowRun
	if err := s.db.WithContext(ctx).
		Where("definition_id = ?", definitionID).
		Order("started_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("workflow: list runs: %w", err)
	}
	return rows, nil
}

func loadSteps(row *db.WorkflowRun) (map[string]stepRecord, error) {
	steps := make(map[string]stepRecord)
	if row.StepJobsJSON == "" {
		return steps, nil
	}
	if err := json.Unmarshal([]byte(row.StepJobsJSON), &steps); err != nil {
		return nil, fmt.Errorf("workflow: unmarshal step state: %w", err)
	}
	return steps, nil
}

func saveSteps(row *db.WorkflowRun, steps map[string]stepRecord) error {
	b, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("workflow: marshal step state: %w", err)
	}
	row.StepJobsJSON = string(b)
	return nil
}
