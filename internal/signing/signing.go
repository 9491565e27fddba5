package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/ILLUVRSE/evolution/internal/config"
)

// Signer signs ledger entry hashes.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
}

// Ed25519Signer signs locally with a private key held in memory.
type Ed25519Signer struct {
	key      ed25519.PrivateKey
	signerID string
}

// NewEd25519SignerFromB64 accepts a base64 64-byte private key or 32-byte seed.
func NewEd25519SignerFromB64(keyB64, signerID string) (*Ed25519Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("signer key must be %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
	if signerID == "" {
		return nil, fmt.Errorf("signer id required")
	}
	return &Ed25519Signer{key: key, signerID: signerID}, nil
}

func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return ed25519.Sign(s.key, payload), nil
}

func (s *Ed25519Signer) SignerID() string {
	return s.signerID
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// KeyRing maps signer ids to ed25519 public keys for verification.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: map[string]ed25519.PublicKey{}}
}

func (k *KeyRing) Add(signerID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[signerID] = pub
}

// Verify reports whether sig is a valid signature of payload by signerID. Unknown signers
// fail verification.
func (k *KeyRing) Verify(signerID string, payload, sig []byte) bool {
	k.mu.RLock()
	pub, ok := k.keys[signerID]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// NewSignerFromConfig prefers KMS when an endpoint is configured.
func NewSignerFromConfig(cfg config.Config) (Signer, error) {
	if cfg.KMSEndpoint != "" {
		return NewKMSSigner(KMSSignerConfig{
			Endpoint: cfg.KMSEndpoint,
			KeyID:    cfg.SignerID,
			Timeout:  5 * time.Second,
			Retries:  2,
		})
	}
	return NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
}
