// Package ledger is the append-only, hash-chained record of every decision the orchestrator
// takes. Each entry hashes its canonical envelope together with the previous entry's hash and
// is signed, so any edit or reordering is detectable by recomputation alone.
package ledger

import (
	"errors"
	"time"
)

// Event types written by the orchestrator.
const (
	EventJobQueued         = "job.queued"
	EventJobClaimed        = "job.claimed"
	EventJobTraining       = "job.training"
	EventJobRequeued       = "job.requeued"
	EventJobCompleted      = "job.completed"
	EventJobRejected       = "job.rejected"
	EventJobPromoted       = "job.promoted"
	EventJobRolledBack     = "job.rolled_back"
	EventGateEvaluated     = "gate.evaluated"
	EventCanaryCompleted   = "canary.completed"
	EventPromotionStarted  = "promotion.started"
	EventPromotionDeferred = "promotion.deferred"
	EventAdmissionRefused  = "admission.refused"
	EventProposalSuppress  = "proposal.suppressed"
	EventIntegrityHalted   = "integrity.halted"
	EventIntegrityCleared  = "integrity.cleared"
	EventPolicyReloaded    = "policy.reloaded"
)

// Entry is one immutable ledger record.
type Entry struct {
	Seq       int64                  `json:"seq"`
	JobID     string                 `json:"jobId,omitempty"`
	BlockID   string                 `json:"blockId,omitempty"`
	EventType string                 `json:"eventType"`
	Reason    string                 `json:"reason,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	PrevHash  string                 `json:"prevHash"`
	Hash      string                 `json:"hash"`
	Signature string                 `json:"signature"`
	SignerID  string                 `json:"signerId"`
	Ts        time.Time              `json:"ts"`
}

// Record is what callers hand to Append; the ledger fills in sequence, chain and signature.
type Record struct {
	JobID     string
	BlockID   string
	EventType string
	Reason    string
	Payload   map[string]interface{}
}

var (
	ErrNotFound = errors.New("ledger: not found")
	// ErrSeqConflict means another writer already used the sequence number.
	ErrSeqConflict = errors.New("ledger: sequence conflict")
)
