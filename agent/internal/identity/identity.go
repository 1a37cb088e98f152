// Package identity manages the agent's long-lived node key-pair: the RSA
// key whose public half is presented during enrollment and whose private
// half proves possession of that key on every subsequent registration,
// mirroring the signature scheme internal/credentialstore uses server-side
// (RSA-2048, PKCS#1 v1.5 over a SHA-256 digest, public key as PKIX DER).
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const keyBits = 2048

// Identity holds the node's key-pair and its PKIX-encoded public key, the
// form the enrollment and registration requests carry over the wire.
type Identity struct {
	private   *rsa.PrivateKey
	PublicKey []byte // PKIX DER, ready to attach to EnrollRequestPayload/RegisterPayload
}

func keyFilePath(stateDir string) string {
	return filepath.Join(stateDir, "node_key.pem")
}

// Load reads the node key-pair from stateDir, generating and persisting a
// new one on first run.
func Load(stateDir string) (*Identity, error) {
	path := keyFilePath(stateDir)

	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("identity: %s does not contain a PEM block", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("identity: parsing node key: %w", err)
		}
		return newFromKey(key)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("identity: generating node key: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return nil, fmt.Errorf("identity: creating state dir: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("identity: persisting node key: %w", err)
	}
	return newFromKey(key)
}

func newFromKey(key *rsa.PrivateKey) (*Identity, error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: marshaling public key: %w", err)
	}
	return &Identity{private: key, PublicKey: pub}, nil
}

// Sign produces a PKCS#1 v1.5 signature over the SHA-256 digest of data,
// matching credentialstore.Store.VerifyNodeSignature on the server.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, id.private, crypto.SHA256, digest[:])
}
