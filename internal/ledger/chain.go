package ledger

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ILLUVRSE/evolution/internal/canonical"
)

// Verifier checks entry signatures. signing.KeyRing satisfies it.
type Verifier interface {
	Verify(signerID string, payload, sig []byte) bool
}

// ChainError pinpoints the first entry that fails verification.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken at seq %d: %s", e.Seq, e.Reason)
}

func envelope(e Entry) map[string]interface{} {
	payload := e.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"seq":       e.Seq,
		"jobId":     e.JobID,
		"blockId":   e.BlockID,
		"eventType": e.EventType,
		"reason":    e.Reason,
		"payload":   payload,
		"ts":        e.Ts.UTC().Format(time.RFC3339Nano),
	}
}

// HashBytes returns sha256(canonical(envelope) || prevHashBytes).
func HashBytes(e Entry) ([]byte, error) {
	canon, err := canonical.Marshal(envelope(e))
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	concat := append([]byte{}, canon...)
	if e.PrevHash != "" {
		prev, err := hex.DecodeString(e.PrevHash)
		if err != nil {
			return nil, fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prev...)
	}
	sum := sha256.Sum256(concat)
	return sum[:], nil
}

// ChainVerifier checks entries one at a time, so long chains can be verified page by page.
type ChainVerifier struct {
	verifier Verifier
	prev     *Entry
	count    int64
}

// NewChainVerifier verifies signatures only when v is non-nil.
func NewChainVerifier(v Verifier) *ChainVerifier {
	return &ChainVerifier{verifier: v}
}

func (c *ChainVerifier) Next(e Entry) error {
	expectSeq := int64(1)
	expectPrev := ""
	if c.prev != nil {
		expectSeq = c.prev.Seq + 1
		expectPrev = c.prev.Hash
	}
	if e.Seq != expectSeq {
		return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", expectSeq)}
	}
	if e.PrevHash != expectPrev {
		return &ChainError{Seq: e.Seq, Reason: "prev hash does not match previous entry"}
	}
	sum, err := HashBytes(e)
	if err != nil {
		return &ChainError{Seq: e.Seq, Reason: err.Error()}
	}
	if hex.EncodeToString(sum) != e.Hash {
		return &ChainError{Seq: e.Seq, Reason: "hash mismatch"}
	}
	if c.verifier != nil {
		sig, err := base64.StdEncoding.DecodeString(e.Signature)
		if err != nil {
			return &ChainError{Seq: e.Seq, Reason: "signature encoding invalid"}
		}
		if !c.verifier.Verify(e.SignerID, sum, sig) {
			return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("signature invalid for signer %q", e.SignerID)}
		}
	}
	cp := e
	c.prev = &cp
	c.count++
	return nil
}

func (c *ChainVerifier) Count() int64 { return c.count }

// VerifyChain recomputes every hash of a chain that starts at seq 1. It touches no storage.
func VerifyChain(entries []Entry, v Verifier) error {
	cv := NewChainVerifier(v)
	for _, e := range entries {
		if err := cv.Next(e); err != nil {
			return err
		}
	}
	return nil
}
