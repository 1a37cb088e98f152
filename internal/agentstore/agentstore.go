// Package agentstore is the persistent counterpart to internal/registry's
// in-memory presence table: it survives restarts and disconnects so agent
// history, capability grants, and certificate linkage are not lost when a
// session ends. Shaped after repositories.AgentRepository
// (GetByHostname-or-create upsert, UpdateStatus as a narrow single-column
// write), generalized to key on the node-supplied ExternalID instead of
// hostname.
package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/shared/types"
)

// Store is the GORM-backed agent record store.
type Store struct {
	db *gorm.DB
}

// New constructs a Store.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// Upsert creates or updates the persistent record for an agent's self-declared
// ExternalID. Called on every successful Register so the row reflects the
// latest capability/group/metadata the node presented.
func (s *Store) Upsert(ctx context.Context, externalID, displayName, group string, caps []types.Capability, metadata map[string]string, certSerial string) (*db.Agent, error) {
	capsJSON, _ := json.Marshal(caps)
	metaJSON, _ := json.Marshal(metadata)

	var existing db.Agent
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&existing).Error
	switch {
	case err == nil:
		existing.DisplayName = displayName
		existing.Group = group
		existing.Capabilities = string(capsJSON)
		existing.Metadata = string(metaJSON)
		if certSerial != "" {
			existing.CertificateSerial = certSerial
		}
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("agentstore: update: %w", err)
		}
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec := &db.Agent{
			ExternalID:        externalID,
			DisplayName:       displayName,
			Group:             group,
			Capabilities:      string(capsJSON),
			Metadata:          string(metaJSON),
			Status:            string(types.AgentStatusInitializing),
			CertificateSerial: certSerial,
		}
		if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
			return nil, fmt.Errorf("agentstore: create: %w", err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("agentstore: lookup: %w", err)
	}
}

// UpdateStatus persists a single-column status change, mirroring the
// teacher's narrow UpdateStatus write (avoids re-saving the whole row on
// every heartbeat).
func (s *Store) UpdateStatus(ctx context.Context, externalID string, status types.AgentStatus, lastHeartbeatAt *time.Time) error {
	updates := map[string]any{"status": string(status)}
	if lastHeartbeatAt != nil {
		updates["last_heartbeat_at"] = *lastHeartbeatAt
	}
	return s.db.WithContext(ctx).Model(&db.Agent{}).Where("external_id = ?", externalID).Updates(updates).Error
}

// GetByExternalID loads the persistent record by node-supplied id.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*db.Agent, error) {
	var rec db.Agent
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("agentstore: get: %w", err)
	}
	return &rec, nil
}

// List returns every known agent record, including currently disconnected
// ones, most recently updated first.
func (s *Store) List(ctx context.Context) ([]db.Agent, error) {
	var out []db.Agent
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	return out, nil
}
