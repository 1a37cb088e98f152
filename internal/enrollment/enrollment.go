// Package enrollment implements C2: TOFU bootstrap-token admission and the
// certificate-path re-enrollment queue, admin approve/reject, and the
// persistent block list. The two-admission-path-delegated-to-one-service
// shape follows auth.Service delegating to its local/oidc
// providers.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/fleetmesh/server/internal/credentialstore"
	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

// DefaultRequestTTL is how long a pending enrollment request remains
// decidable before it is swept to Expired.
const DefaultRequestTTL = 72 * time.Hour

// DefaultCertificateValidity is the validity window granted to newly issued
// node certificates.
const DefaultCertificateValidity = 365 * 24 * time.Hour

// Service is C2. The zero value is not usable — create instances with New.
type Service struct {
	db     *gorm.DB
	certs  *credentialstore.Store
	bus    *events.Bus
	logger *zap.Logger
}

// New constructs a Service. bus may be nil, in which case decisions are not
// published — useful for tests that don't need the event fan-out.
func New(gdb *gorm.DB, certs *credentialstore.Store, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{db: gdb, certs: certs, bus: bus, logger: logger.Named("enrollment")}
}

func (s *Service) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// SetBootstrapToken replaces the singleton bootstrap token, invalidating any
// prior token. rawToken is the plaintext shown to the operator exactly once;
// only its bcrypt hash is persisted.
func (s *Service) SetBootstrapToken(ctx context.Context, rawToken string, autoApprove bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawToken), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("enrollment: hashing bootstrap token: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&db.BootstrapToken{}).Error; err != nil {
			return err
		}
		return tx.Create(&db.BootstrapToken{
			SaltedHash:  string(hash),
			Enabled:     true,
			AutoApprove: autoApprove,
		}).Error
	})
}

// SetBootstrapEnabled toggles whether the bootstrap path accepts any
// enrollment requests at all.
func (s *Service) SetBootstrapEnabled(ctx context.Context, enabled bool) error {
	return s.db.WithContext(ctx).Model(&db.BootstrapToken{}).Where("1 = 1").Update("enabled", enabled).Error
}

func (s *Service) currentToken(ctx context.Context) (*db.BootstrapToken, error) {
	var tok db.BootstrapToken
	if err := s.db.WithContext(ctx).Order("created_at desc").First(&tok).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orcherr.ErrBootstrapDisabled
		}
		return nil, fmt.Errorf("enrollment: loading bootstrap token: %w", err)
	}
	return &tok, nil
}

// Request is what a node submits over the bootstrap path (or on
// re-enrollment over its existing certificate's signed channel).
type Request struct {
	NodeID                string
	NodeName              string
	PublicKey             []byte
	RequestedCapabilities []types.Capability
	SignatureByNodeKey    []byte // signature over NodeID, proving key possession
	PresentedToken         string
}

// Result is returned to the node (or to the caller of Decide).
type Result struct {
	EnrollmentID   string
	Status         types.EnrollmentStatus
	CertificatePEM []byte
	Reason         string
}

// Submit admits a node via the bootstrap-token path. If the node is
// block-listed the request is rejected outright with orcherr.ErrNodeBlocked.
// If the token's autoApprove flag is set, admission happens inline in the
// same call (no administrator round trip).
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	var blocked db.BlockedNode
	err := s.db.WithContext(ctx).Where("node_id = ?", req.NodeID).First(&blocked).Error
	if err == nil {
		return nil, orcherr.ErrNodeBlocked
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("enrollment: checking block list: %w", err)
	}

	tok, err := s.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	if !tok.Enabled {
		return nil, orcherr.ErrBootstrapDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(tok.SaltedHash), []byte(req.PresentedToken)) != nil {
		return nil, orcherr.ErrInvalidToken
	}

	if err := s.certs.VerifyNodeSignature(req.PublicKey, []byte(req.NodeID), req.SignatureByNodeKey); err != nil {
		return nil, err
	}

	capsJSON, _ := json.Marshal(req.RequestedCapabilities)
	now := time.Now().UTC()

	er := &db.EnrollmentRequest{
		NodeID:                req.NodeID,
		NodeName:              req.NodeName,
		PublicKey:             req.PublicKey,
		RequestedCapabilities: string(capsJSON),
		SignatureByNodeKey:    req.SignatureByNodeKey,
		Status:                string(types.EnrollmentStatusPending),
		SubmittedAt:           now,
		ExpiresAt:             now.Add(DefaultRequestTTL),
	}
	if err := s.db.WithContext(ctx).Create(er).Error; err != nil {
		return nil, fmt.Errorf("enrollment: persisting request: %w", err)
	}

	if tok.AutoApprove {
		return s.decide(ctx, er, true, req.RequestedCapabilities, "auto-approved", "system", false)
	}

	s.logger.Info("enrollment request pending admin decision", zap.String("node_id", req.NodeID), zap.String("enrollment_id", er.ID.String()))
	return &Result{EnrollmentID: er.ID.String(), Status: types.EnrollmentStatusPending}, nil
}

// Pending returns every enrollment request awaiting an admin decision.
func (s *Service) Pending(ctx context.Context) ([]db.EnrollmentRequest, error) {
	var out []db.EnrollmentRequest
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(types.EnrollmentStatusPending)).
		Order("submitted_at asc").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("enrollment: listing pending: %w", err)
	}
	return out, nil
}

// Approve grants the requested (or admin-overridden) capability set and
// issues a certificate.
func (s *Service) Approve(ctx context.Context, enrollmentID string, grantedCaps []types.Capability, actor string) (*Result, error) {
	er, err := s.getRequest(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return s.decide(ctx, er, true, grantedCaps, "", actor, false)
}

// Reject denies the request. If blockFuture is true, the node is added to the
// persistent block list so future submissions are rejected without an admin
// round trip.
func (s *Service) Reject(ctx context.Context, enrollmentID, reason string, actor string, blockFuture bool) (*Result, error) {
	er, err := s.getRequest(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return s.decide(ctx, er, false, nil, reason, actor, blockFuture)
}

func (s *Service) getRequest(ctx context.Context, enrollmentID string) (*db.EnrollmentRequest, error) {
	var er db.EnrollmentRequest
	if err := s.db.WithContext(ctx).First(&er, "id = ?", enrollmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orcherr.ErrNotFound
		}
		return nil, fmt.Errorf("enrollment: loading request: %w", err)
	}
	return &er, nil
}

func (s *Service) decide(ctx context.Context, er *db.EnrollmentRequest, approve bool, grantedCaps []types.Capability, reason, actor string, blockFuture bool) (*Result, error) {
	now := time.Now().UTC()
	if er.Status != string(types.EnrollmentStatusPending) {
		return nil, orcherr.ErrConflict
	}

	if !approve {
		er.Status = string(types.EnrollmentStatusRejected)
		er.DecidedBy = actor
		er.DecidedAt = &now
		if err := s.db.WithContext(ctx).Save(er).Error; err != nil {
			return nil, fmt.Errorf("enrollment: persisting rejection: %w", err)
		}
		if blockFuture {
			_ = s.db.WithContext(ctx).Create(&db.BlockedNode{NodeID: er.NodeID, Reason: reason}).Error
		}
		s.logger.Info("enrollment rejected", zap.String("node_id", er.NodeID), zap.String("actor", actor))
		s.publish(events.TopicEnrollment, events.EnrollmentDecision{
			EnrollmentID: er.ID.String(), NodeID: er.NodeID, Approved: false, Reason: reason, Actor: actor,
		})
		return &Result{EnrollmentID: er.ID.String(), Status: types.EnrollmentStatusRejected, Reason: reason}, nil
	}

	grantedJSON, _ := json.Marshal(grantedCaps)
	er.Status = string(types.EnrollmentStatusApproved)
	er.GrantedCapabilities = string(grantedJSON)
	er.DecidedBy = actor
	er.DecidedAt = &now
	if err := s.db.WithContext(ctx).Save(er).Error; err != nil {
		return nil, fmt.Errorf("enrollment: persisting approval: %w", err)
	}

	cert, err := s.certs.IssueCertificate(ctx, er.NodeID, er.PublicKey, grantedCaps, DefaultCertificateValidity)
	if err != nil {
		return nil, err
	}
	certPEM, err := json.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("enrollment: encoding issued certificate: %w", err)
	}

	s.logger.Info("enrollment approved", zap.String("node_id", er.NodeID), zap.String("actor", actor))
	s.publish(events.TopicEnrollment, events.EnrollmentDecision{
		EnrollmentID: er.ID.String(), NodeID: er.NodeID, Approved: true, Actor: actor,
	})
	return &Result{EnrollmentID: er.ID.String(), Status: types.EnrollmentStatusApproved, CertificatePEM: certPEM}, nil
}

// SweepExpired marks every pending request past its ExpiresAt deadline as
// Expired. cmd/server calls it once at startup; nothing calls it
// periodically.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&db.EnrollmentRequest{}).
		Where("status = ? AND expires_at < ?", string(types.EnrollmentStatusPending), now).
		Update("status", string(types.EnrollmentStatusExpired))
	if result.Error != nil {
		return 0, fmt.Errorf("enrollment: sweeping expired requests: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// IsBlocked reports whether nodeID is on the persistent block list.
func (s *Service) IsBlocked(ctx context.Context, nodeID string) (bool, error) {
	var blocked db.BlockedNode
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).First(&blocked).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("enrollment: checking block list: %w", err)
}
