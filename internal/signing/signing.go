// Package signing signs and verifies serialized deltas. Signatures always
// cover the bytes exactly as the author produced them.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/model"
)

// AlgorithmEd25519 names ed25519 signatures
const AlgorithmEd25519 = "ed25519"

// Signer signs delta bytes on behalf of a domain
type Signer interface {
	Sign(deltaBytes []byte) ([]model.Signature, error)
}

// Verifier checks a signature over delta bytes against a domain
type Verifier interface {
	Verify(deltaBytes []byte, sig model.Signature, domain string) error
}

// SignerID identifies a public key
func SignerID(pub ed25519.PublicKey) []byte {
	sum := sha256.Sum256(pub)
	return sum[:]
}

// Ed25519Signer signs with a single private key
type Ed25519Signer struct {
	key ed25519.PrivateKey
	id  []byte
}

// NewEd25519Signer creates a signer from a 32 byte seed
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{key: key, id: SignerID(key.Public().(ed25519.PublicKey))}, nil
}

// NewEd25519SignerFromHex creates a signer from a hex encoded seed
func NewEd25519SignerFromHex(seedHex string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return NewEd25519Signer(seed)
}

// PublicKey returns the public half of the key
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign implements Signer
func (s *Ed25519Signer) Sign(deltaBytes []byte) ([]model.Signature, error) {
	return []model.Signature{{
		SignerID:  s.id,
		Bytes:     ed25519.Sign(s.key, deltaBytes),
		Algorithm: AlgorithmEd25519,
	}}, nil
}

// KeyRing verifies ed25519 signatures against the keys trusted for each domain
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string][]ed25519.PublicKey
}

// NewKeyRing creates an empty key ring
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string][]ed25519.PublicKey)}
}

// Trust adds a key for domain
func (k *KeyRing) Trust(domain string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[domain] = append(k.keys[domain], pub)
}

// Verify implements Verifier
func (k *KeyRing) Verify(deltaBytes []byte, sig model.Signature, domain string) error {
	if sig.Algorithm != AlgorithmEd25519 {
		return werrors.SignatureInvalid(fmt.Sprintf("unsupported signature algorithm %q", sig.Algorithm), nil)
	}

	k.mu.RLock()
	keys := k.keys[domain]
	k.mu.RUnlock()

	for _, pub := range keys {
		if !bytes.Equal(SignerID(pub), sig.SignerID) {
			continue
		}
		if !ed25519.Verify(pub, deltaBytes, sig.Bytes) {
			return werrors.SignatureInvalid("signature does not match delta", nil).
				WithDetail("domain", domain)
		}
		return nil
	}
	return werrors.SignatureInvalid(fmt.Sprintf("signer is not trusted for domain %s", domain), nil).
		WithDetail("domain", domain)
}

// NoopVerifier accepts every signature
type NoopVerifier struct{}

// Verify implements Verifier
func (NoopVerifier) Verify([]byte, model.Signature, string) error {
	return nil
}

// NoopSigner produces no signatures
type NoopSigner struct{}

// Sign implements Signer
func (NoopSigner) Sign([]byte) ([]model.Signature, error) {
	return nil, nil
}
