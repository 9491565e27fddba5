// Package failure classifies errors that cross component boundaries. Every error carries a
// Kind that decides how the caller reacts and a reason Code that ends up in the ledger.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// Transient errors are retried once with backoff, then degrade to a rejection.
	Transient Kind = "transient"
	// Policy rejections are terminal for the job that produced them.
	Policy Kind = "policy"
	// Integrity failures halt promotions system-wide until cleared.
	Integrity Kind = "integrity"
	// Resource exhaustion is a soft refusal re-evaluated next cycle.
	Resource Kind = "resource"
)

// Reason codes written to the ledger.
const (
	CodeGainBelowAbsolute   = "gain_below_absolute_threshold"
	CodeGainBelowRelative   = "gain_below_relative_threshold"
	CodeArtifactTooSmall    = "artifact_below_min_size"
	CodeEvalLossExceeds     = "eval_loss_exceeds_train_loss"
	CodeResultInvalid       = "result_invalid"
	CodeWorkerTimeout       = "worker_timeout"
	CodeTrainerFailed       = "trainer_failed"
	CodeCanaryFailed        = "canary_error_rate_exceeded"
	CodeCanaryLatency       = "canary_latency_exceeded"
	CodeCanaryTimeout       = "canary_timeout"
	CodeCanaryInsufficient  = "canary_insufficient_samples"
	CodeCanaryUnavailable   = "canary_unavailable"
	CodeChecksumMismatch    = "artifact_checksum_mismatch"
	CodeChainBroken         = "ledger_chain_broken"
	CodeRegression          = "post_promotion_regression"
	CodeProbeTimeout        = "health_probe_timeout"
	CodeOperatorRollback    = "operator_rollback"
	CodeHotSwapFailed       = "hot_swap_failed"
	CodeConcurrencyQuota    = "concurrent_jobs_quota_exceeded"
	CodeDailyPromotionQuota = "daily_promotion_quota_exceeded"
	CodeDiskBudget          = "disk_budget_exceeded"
	CodeDiskFree            = "disk_free_below_floor"
	CodeIntegrityHalt       = "integrity_halt_active"
	CodeSubmissionConflict  = "submission_conflict"
	CodeLedgerUnavailable   = "ledger_unavailable"
)

type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Transientf(code, format string, args ...interface{}) *Error {
	return New(Transient, code, fmt.Errorf(format, args...))
}

func Policyf(code, format string, args ...interface{}) *Error {
	return New(Policy, code, fmt.Errorf(format, args...))
}

func Integrityf(code, format string, args ...interface{}) *Error {
	return New(Integrity, code, fmt.Errorf(format, args...))
}

func Resourcef(code, format string, args ...interface{}) *Error {
	return New(Resource, code, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first classified error in the chain, or "" when unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// CodeOf returns the reason code of err, falling back to fallback for unclassified errors.
func CodeOf(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return fallback
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
