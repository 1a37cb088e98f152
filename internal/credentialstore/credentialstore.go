// Package credentialstore implements C1: server key-pair custody and
// per-node certificate issuance, validation, and revocation. The RSA
// key-pair handling (generate-or-load-from-PEM, sign, verify) follows the
// same shape as internal/auth's JWTManager — the established pattern for
// owning a key-pair reused here for certificates instead of JWTs.
package credentialstore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

const rsaKeyBits = 2048

// ValidationResult is returned by ValidateCertificate on success.
type ValidationResult struct {
	NodeID    string
	Serial    string
	PublicKey []byte
}

// Store implements C1 against a GORM-backed certificate/revocation table.
// The zero value is not usable — create instances with New.
type Store struct {
	db         *gorm.DB
	logger     *zap.Logger
	serverID   string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// New creates a Store. Call InitializeServerKeys before issuing certificates.
func New(gdb *gorm.DB, serverID string, logger *zap.Logger) *Store {
	return &Store{db: gdb, serverID: serverID, logger: logger.Named("credentialstore")}
}

// InitializeServerKeys is idempotent: the first call generates (or loads from
// keyDir, if present) the server's RSA-2048 key-pair; subsequent calls are a
// no-op. keyDir may be empty, in which case keys are ephemeral (dev mode,
// matching auth.NewJWTManagerGenerated's fallback).
func (s *Store) InitializeServerKeys(keyDir string) error {
	if s.privateKey != nil {
		return nil
	}

	if keyDir != "" {
		privPath := filepath.Join(keyDir, "server.key.pem")
		pubPath := filepath.Join(keyDir, "server.pub.pem")

		if privBytes, err := os.ReadFile(privPath); err == nil {
			pubBytes, err := os.ReadFile(pubPath)
			if err != nil {
				return fmt.Errorf("credentialstore: %w: %v", orcherr.ErrKeyStoreUnavailable, err)
			}
			return s.loadKeysFromPEM(privBytes, pubBytes)
		}
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("credentialstore: %w: generating RSA key pair: %v", orcherr.ErrKeyStoreUnavailable, err)
	}
	s.privateKey = privateKey
	s.publicKey = &privateKey.PublicKey

	if keyDir != "" {
		if err := persistKeys(keyDir, privateKey); err != nil {
			s.logger.Warn("failed to persist server key-pair, keys remain ephemeral", zap.Error(err))
		}
	}

	s.logger.Info("server key-pair initialized")
	return nil
}

func (s *Store) loadKeysFromPEM(privPEM, pubPEM []byte) error {
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return fmt.Errorf("credentialstore: %w: bad private key PEM", orcherr.ErrKeyStoreUnavailable)
	}
	key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	if err != nil {
		return fmt.Errorf("credentialstore: %w: parsing private key: %v", orcherr.ErrKeyStoreUnavailable, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("credentialstore: %w: key is not RSA", orcherr.ErrKeyStoreUnavailable)
	}
	s.privateKey = rsaKey
	s.publicKey = &rsaKey.PublicKey
	return nil
}

func persistKeys(keyDir string, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(keyDir, 0o750); err != nil {
		return err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(filepath.Join(keyDir, "server.key.pem"), privPEM, 0o600); err != nil {
		return err
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return os.WriteFile(filepath.Join(keyDir, "server.pub.pem"), pubPEM, 0o644)
}

// canonicalCertBytes returns the deterministic byte encoding of the
// certificate fields that gets signed and verified. It excludes Signature
// itself.
func canonicalCertBytes(serial, nodeID string, publicKey []byte, serverID string, caps []string, issuedAt, expiresAt time.Time) []byte {
	type canon struct {
		Serial     string
		NodeID     string
		PublicKey  []byte
		ServerID   string
		Caps       []string
		IssuedAt   int64
		ExpiresAt  int64
	}
	b, _ := json.Marshal(canon{serial, nodeID, publicKey, serverID, caps, issuedAt.Unix(), expiresAt.Unix()})
	return b
}

// IssueCertificate signs and persists a new certificate for nodeID.
func (s *Store) IssueCertificate(ctx context.Context, nodeID string, publicKey []byte, capabilities []types.Capability, validity time.Duration) (*db.Certificate, error) {
	if s.privateKey == nil {
		return nil, orcherr.ErrKeyStoreUnavailable
	}

	names := make([]string, len(capabilities))
	for i, c := range capabilities {
		names[i] = c.Name
	}
	capsJSON, _ := json.Marshal(names)

	now := time.Now().UTC()
	serial := uuid.NewString()
	expiresAt := now.Add(validity)

	digest := sha256.Sum256(canonicalCertBytes(serial, nodeID, publicKey, s.serverID, names, now, expiresAt))
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("credentialstore: signing certificate: %w", err)
	}

	cert := &db.Certificate{
		Serial:              serial,
		NodeID:              nodeID,
		PublicKey:           publicKey,
		ServerID:            s.serverID,
		CapabilitiesGranted: string(capsJSON),
		IssuedAt:            now,
		ExpiresAt:           expiresAt,
		Signature:           signature,
	}
	if err := s.db.WithContext(ctx).Create(cert).Error; err != nil {
		return nil, fmt.Errorf("credentialstore: persisting certificate: %w", err)
	}

	s.logger.Info("certificate issued", zap.String("node_id", nodeID), zap.String("serial", serial))
	return cert, nil
}

// ValidateCertificate verifies signature, validity window, issuer, and
// revocation status. It returns orcherr-classified errors on any failure.
func (s *Store) ValidateCertificate(ctx context.Context, certPEM []byte) (*ValidationResult, error) {
	if s.publicKey == nil {
		return nil, orcherr.ErrKeyStoreUnavailable
	}

	var cert db.Certificate
	if err := json.Unmarshal(certPEM, &cert); err != nil {
		return nil, fmt.Errorf("credentialstore: %w: malformed certificate: %v", orcherr.ErrInvalidArgument, err)
	}

	var names []string
	_ = json.Unmarshal([]byte(cert.CapabilitiesGranted), &names)

	digest := sha256.Sum256(canonicalCertBytes(cert.Serial, cert.NodeID, cert.PublicKey, cert.ServerID, names, cert.IssuedAt, cert.ExpiresAt))
	if err := rsa.VerifyPKCS1v15(s.publicKey, crypto.SHA256, digest[:], cert.Signature); err != nil {
		return nil, orcherr.ErrInvalidSignature
	}

	now := time.Now().UTC()
	if now.Before(cert.IssuedAt) || now.After(cert.ExpiresAt) {
		return nil, orcherr.ErrCertificateExpired
	}

	if cert.ServerID != s.serverID {
		return nil, orcherr.ErrInvalidSignature
	}

	var revoked db.RevokedCertificate
	err := s.db.WithContext(ctx).Where("serial = ?", cert.Serial).First(&revoked).Error
	if err == nil {
		return nil, orcherr.ErrCertificateRevoked
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("credentialstore: checking revocation: %w", err)
	}

	return &ValidationResult{NodeID: cert.NodeID, Serial: cert.Serial, PublicKey: cert.PublicKey}, nil
}

// Revoke adds serial (looked up by nodeID's most recent certificate) to the
// persistent revocation set. Idempotent: revoking an already-revoked serial
// is a no-op.
func (s *Store) Revoke(ctx context.Context, nodeID, reason, actor string) error {
	var cert db.Certificate
	if err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("issued_at desc").First(&cert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orcherr.ErrUnknownAgent
		}
		return fmt.Errorf("credentialstore: looking up certificate: %w", err)
	}

	revoked := &db.RevokedCertificate{
		Serial:    cert.Serial,
		NodeID:    nodeID,
		Reason:    reason,
		Actor:     actor,
		RevokedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(revoked).Error; err != nil {
		return fmt.Errorf("credentialstore: persisting revocation: %w", err)
	}

	s.logger.Info("certificate revoked", zap.String("node_id", nodeID), zap.String("serial", cert.Serial), zap.String("reason", reason))
	return nil
}

// ListRevoked returns every revoked certificate record.
func (s *Store) ListRevoked(ctx context.Context) ([]db.RevokedCertificate, error) {
	var out []db.RevokedCertificate
	if err := s.db.WithContext(ctx).Order("revoked_at desc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("credentialstore: listing revocations: %w", err)
	}
	return out, nil
}

// ListCertificates returns every issued certificate, most recently issued
// first, for the admin REST surface's certificate listing.
func (s *Store) ListCertificates(ctx context.Context) ([]db.Certificate, error) {
	var out []db.Certificate
	if err := s.db.WithContext(ctx).Order("issued_at desc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("credentialstore: listing certificates: %w", err)
	}
	return out, nil
}

// GetByNodeID returns nodeID's most recently issued certificate.
func (s *Store) GetByNodeID(ctx context.Context, nodeID string) (*db.Certificate, error) {
	var cert db.Certificate
	if err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("issued_at desc").First(&cert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orcherr.ErrUnknownAgent
		}
		return nil, fmt.Errorf("credentialstore: get by node id: %w", err)
	}
	return &cert, nil
}

// SignChallenge signs an arbitrary nonce with the server's private key,
// supporting the credential-path challenge-response handshake.
func (s *Store) SignChallenge(nonce []byte) ([]byte, error) {
	if s.privateKey == nil {
		return nil, orcherr.ErrKeyStoreUnavailable
	}
	digest := sha256.Sum256(nonce)
	return rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
}

// VerifyNodeSignature verifies that signature over data was produced by the
// private key matching publicKey — used during the certificate-path
// handshake to prove the node holds the private key for the public key on
// its certificate.
func (s *Store) VerifyNodeSignature(publicKeyDER, data, signature []byte) error {
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return fmt.Errorf("credentialstore: %w: parsing node public key: %v", orcherr.ErrInvalidArgument, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("credentialstore: %w: node public key is not RSA", orcherr.ErrInvalidArgument)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], signature); err != nil {
		return orcherr.ErrInvalidSignature
	}
	return nil
}
