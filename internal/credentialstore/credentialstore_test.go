package credentialstore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/orcherr"
	"github.com/fleetmesh/shared/types"
)

func signWithSHA256(t *testing.T, key *rsa.PrivateKey, data []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

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
	s := New(gdb, "test-server", zap.NewNop())
	if err := s.InitializeServerKeys(""); err != nil {
		t.Fatalf("initialize server keys: %v", err)
	}
	return s
}

func nodeKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal node public key: %v", err)
	}
	return key, der
}

func TestIssueAndValidateCertificate_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, pub := nodeKeyPair(t)

	cert, err := s.IssueCertificate(ctx, "node-1", pub, []types.Capability{{Name: "gpu"}}, time.Hour)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}

	blob, err := json.Marshal(cert)
	if err != nil {
		t.Fatalf("marshal cert: %v", err)
	}

	result, err := s.ValidateCertificate(ctx, blob)
	if err != nil {
		t.Fatalf("validate certificate: %v", err)
	}
	if result.NodeID != "node-1" || result.Serial != cert.Serial {
		t.Fatalf("unexpected validation result: %+v", result)
	}
}

func TestValidateCertificate_TamperedSignatureRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, pub := nodeKeyPair(t)

	cert, err := s.IssueCertificate(ctx, "node-1", pub, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	cert.NodeID = "node-2" // tamper with a signed field after issuance

	blob, _ := json.Marshal(cert)
	_, err = s.ValidateCertificate(ctx, blob)
	if !errors.Is(err, orcherr.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for a tampered certificate, got %v", err)
	}
}

func TestValidateCertificate_ExpiredRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, pub := nodeKeyPair(t)

	cert, err := s.IssueCertificate(ctx, "node-1", pub, nil, -time.Hour)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}

	blob, _ := json.Marshal(cert)
	_, err = s.ValidateCertificate(ctx, blob)
	if !errors.Is(err, orcherr.ErrCertificateExpired) {
		t.Fatalf("expected ErrCertificateExpired, got %v", err)
	}
}

func TestValidateCertificate_RevokedRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, pub := nodeKeyPair(t)

	cert, err := s.IssueCertificate(ctx, "node-1", pub, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	if err := s.Revoke(ctx, "node-1", "compromised", "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	blob, _ := json.Marshal(cert)
	_, err = s.ValidateCertificate(ctx, blob)
	if !errors.Is(err, orcherr.ErrCertificateRevoked) {
		t.Fatalf("expected ErrCertificateRevoked, got %v", err)
	}
}

func TestValidateCertificate_WrongServerIDRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, pub := nodeKeyPair(t)

	cert, err := s.IssueCertificate(ctx, "node-1", pub, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	cert.ServerID = "some-other-server"

	blob, _ := json.Marshal(cert)
	_, err = s.ValidateCertificate(ctx, blob)
	if err == nil {
		t.Fatal("expected validation to fail once ServerID no longer matches the signed value")
	}
}

func TestRevoke_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, pub := nodeKeyPair(t)

	if _, err := s.IssueCertificate(ctx, "node-1", pub, nil, time.Hour); err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	if err := s.Revoke(ctx, "node-1", "first", "admin"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.Revoke(ctx, "node-1", "second", "admin"); err != nil {
		t.Fatalf("re-revoke should be a no-op, got error: %v", err)
	}

	revoked, err := s.ListRevoked(ctx)
	if err != nil {
		t.Fatalf("list revoked: %v", err)
	}
	if len(revoked) != 1 {
		t.Fatalf("expected exactly one revocation record, got %d", len(revoked))
	}
}

func TestRevoke_UnknownNodeErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Revoke(ctx, "ghost", "reason", "admin"); !errors.Is(err, orcherr.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent revoking a node with no certificate, got %v", err)
	}
}

func TestSignChallenge_ProducesNonEmptySignature(t *testing.T) {
	s := newTestStore(t)
	serverSig, err := s.SignChallenge([]byte("challenge-nonce"))
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	if len(serverSig) == 0 {
		t.Fatal("expected a non-empty server signature")
	}
}

func TestVerifyNodeSignature_ValidSignatureAccepted(t *testing.T) {
	s := newTestStore(t)
	key, pubDER := nodeKeyPair(t)

	nonce := []byte("challenge-nonce")
	nodeSig := signWithSHA256(t, key, nonce)
	if err := s.VerifyNodeSignature(pubDER, nonce, nodeSig); err != nil {
		t.Fatalf("expected node signature to verify, got %v", err)
	}
}

func TestVerifyNodeSignature_WrongKeyRejected(t *testing.T) {
	s := newTestStore(t)
	_, pubDER := nodeKeyPair(t)
	otherKey, _ := nodeKeyPair(t)

	nonce := []byte("challenge-nonce")
	sig := signWithSHA256(t, otherKey, nonce)

	if err := s.VerifyNodeSignature(pubDER, nonce, sig); !errors.Is(err, orcherr.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature when verifying with the wrong node key, got %v", err)
	}
}

func TestGetByNodeID_ReturnsMostRecentCertificate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, pub := nodeKeyPair(t)

	if _, err := s.IssueCertificate(ctx, "node-1", pub, nil, time.Hour); err != nil {
		t.Fatalf("issue first: %v", err)
	}
	time.Sleep(time.Millisecond)
	second, err := s.IssueCertificate(ctx, "node-1", pub, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}

	latest, err := s.GetByNodeID(ctx, "node-1")
	if err != nil {
		t.Fatalf("get by node id: %v", err)
	}
	if latest.Serial != second.Serial {
		t.Fatalf("expected the most recently issued certificate, got serial %s", latest.Serial)
	}
}
