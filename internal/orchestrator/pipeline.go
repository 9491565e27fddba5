package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/dispatcher"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/gate"
	"github.com/ILLUVRSE/evolution/internal/hotswap"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

// Promotion outcomes reported for deferred retries.
const (
	OutcomePromoted = "promoted"
	OutcomeDeferred = "deferred"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// CompleteOutcome is what a trainer gets back for a delivered result.
type CompleteOutcome struct {
	dispatcher.Completion
	// Gate is nil for a duplicate delivery.
	Gate *gate.Decision `json:"gate,omitempty"`
}

// CompleteJob records a training result and runs it through the gate. An accepted result
// continues to the canary in the background. A repeated delivery changes nothing.
func (o *Orchestrator) CompleteJob(ctx context.Context, id uuid.UUID, workerID string, result models.TrainingResult) (CompleteOutcome, error) {
	c, err := o.dispatcher.Complete(ctx, id, workerID, result)
	if err != nil || c.Duplicate {
		return CompleteOutcome{Completion: c}, err
	}
	ctx = jobContext(ctx, c.Job)
	decision, job := o.evaluate(ctx, c.Job, c.Result)
	c.Job = job
	return CompleteOutcome{Completion: c, Gate: &decision}, nil
}

func jobContext(ctx context.Context, job models.JobSpec) context.Context {
	return logging.WithJobID(logging.WithBlockID(ctx, job.BlockID), job.ID.String())
}

// evaluate applies the gate to a Completed job. Rejection is terminal; acceptance hands the
// candidate to the canary pool.
func (o *Orchestrator) evaluate(ctx context.Context, job models.JobSpec, result models.TrainingResult) (gate.Decision, models.JobSpec) {
	decision := gate.Evaluate(gate.Input{Result: result, Baseline: job.Baseline}, job.Criteria)
	o.metrics.ObserveGate(decision.Accepted, decision.Primary())
	reasons := make([]interface{}, len(decision.Reasons))
	for i, r := range decision.Reasons {
		reasons[i] = r
	}
	o.record(ctx, ledger.Record{
		JobID:     job.ID.String(),
		BlockID:   job.BlockID,
		EventType: ledger.EventGateEvaluated,
		Reason:    decision.Primary(),
		Payload: map[string]interface{}{
			"accepted":          decision.Accepted,
			"reasons":           reasons,
			"absoluteGain":      decision.Gains.Absolute,
			"relativeGain":      decision.Gains.Relative,
			"baseline":          job.Baseline,
			"candidateAccuracy": result.CandidateAccuracy,
		},
	})
	if !decision.Accepted {
		o.logger.Info(ctx, "gate rejected candidate", zap.Strings("reasons", decision.Reasons))
		rejected, err := o.transition(ctx, job, models.JobRejected, decision.Primary(), map[string]interface{}{"reasons": reasons})
		if err != nil {
			o.logger.Error(ctx, "reject after gate", zap.Error(err))
		}
		return decision, rejected
	}
	o.logger.Info(ctx, "gate accepted candidate", zap.Float64("absolute_gain", decision.Gains.Absolute),
		zap.Float64("relative_gain", decision.Gains.Relative))
	o.startCanary(job, result)
	return decision, job
}

func (o *Orchestrator) startCanary(job models.JobSpec, result models.TrainingResult) {
	started := o.now()
	ctx := jobContext(o.ctx, job)
	o.canary.Submit(ctx, job, result, func(report models.CanaryReport, err error) {
		o.canaryFinished(ctx, job, result, report, err, o.now().Sub(started))
	})
}

func (o *Orchestrator) canaryFinished(ctx context.Context, job models.JobSpec, result models.TrainingResult, report models.CanaryReport, canaryErr error, took time.Duration) {
	o.metrics.ObserveCanary(took, report.Passed, report.Reason)
	if err := o.store.SaveCanaryReport(ctx, report); err != nil && !errors.Is(err, store.ErrDuplicate) {
		o.logger.Error(ctx, "persist canary report", zap.Error(err))
	}
	o.record(ctx, ledger.Record{
		JobID:     job.ID.String(),
		BlockID:   job.BlockID,
		EventType: ledger.EventCanaryCompleted,
		Reason:    report.Reason,
		Payload: map[string]interface{}{
			"passed":         report.Passed,
			"errorRate":      report.ErrorRate,
			"latencyDeltaMs": report.LatencyDeltaMs,
			"samples":        len(report.SampleIDs),
		},
	})

	if canaryErr != nil && failure.Is(canaryErr, failure.Integrity) {
		o.Halt(ctx, failure.CodeOf(canaryErr, failure.CodeChecksumMismatch), map[string]interface{}{
			"jobId": job.ID.String(), "detail": canaryErr.Error(),
		})
	}
	if !report.Passed {
		if _, err := o.transition(ctx, job, models.JobRejected, report.Reason, nil); err != nil {
			o.logger.Error(ctx, "reject after canary", zap.Error(err))
		}
		return
	}
	o.promote(ctx, job, result)
}

// promote takes a daily promotion slot and swaps the candidate live. Without a slot, while
// another swap of the block is in flight, or when the ledger cannot take the intent entry,
// the job stays Completed and is retried next cycle.
func (o *Orchestrator) promote(ctx context.Context, job models.JobSpec, result models.TrainingResult) string {
	if err := o.governor.ReservePromotion(ctx); err != nil {
		return o.deferPromotion(ctx, job, failure.CodeOf(err, failure.CodeDailyPromotionQuota))
	}
	// the live pointer only moves once the chain holds the intent
	if _, err := o.ledger.Append(ctx, ledger.Record{
		JobID:     job.ID.String(),
		BlockID:   job.BlockID,
		EventType: ledger.EventPromotionStarted,
		Payload:   map[string]interface{}{"artifactRef": result.ArtifactRef, "checksum": result.Checksum},
	}); err != nil {
		o.governor.CancelPromotion()
		o.metrics.RecordAppendFailure(ledger.EventPromotionStarted)
		o.logger.Error(ctx, "promotion intent not recorded", zap.Error(err))
		return o.deferPromotion(ctx, job, failure.CodeLedgerUnavailable)
	}

	live, err := o.hotswap.Promote(ctx, job, result)
	switch {
	case errors.Is(err, hotswap.ErrPromotionInFlight):
		o.governor.CancelPromotion()
		return o.deferPromotion(ctx, job, failure.CodeHotSwapFailed)
	case err != nil:
		o.governor.CancelPromotion()
		if failure.Is(err, failure.Integrity) {
			o.Halt(ctx, failure.CodeOf(err, failure.CodeChecksumMismatch), map[string]interface{}{
				"jobId": job.ID.String(), "detail": err.Error(),
			})
		}
		if _, terr := o.transition(ctx, job, models.JobRejected, failure.CodeOf(err, failure.CodeHotSwapFailed),
			map[string]interface{}{"detail": err.Error()}); terr != nil {
			o.logger.Error(ctx, "reject after failed swap", zap.Error(terr))
		}
		return OutcomeRejected
	}

	o.metrics.RecordPromotion(live.ActivatedAt)
	if _, err := o.transition(ctx, job, models.JobPromoted, "", map[string]interface{}{
		"artifactRef": live.ArtifactRef,
		"checksum":    live.Checksum,
		"activatedAt": live.ActivatedAt.Format(time.RFC3339Nano),
	}); err != nil {
		o.logger.Error(ctx, "record promotion", zap.Error(err))
		return OutcomeFailed
	}
	return OutcomePromoted
}

func (o *Orchestrator) deferPromotion(ctx context.Context, job models.JobSpec, reason string) string {
	if job.PromotionDeferred {
		o.logger.Info(ctx, "promotion still deferred", zap.String("reason", reason))
		return OutcomeDeferred
	}
	next := job
	next.PromotionDeferred = true
	if _, err := o.store.UpdateJob(ctx, next, models.JobCompleted); err != nil {
		o.logger.Error(ctx, "mark promotion deferred", zap.Error(err))
		return OutcomeFailed
	}
	o.logger.Warn(ctx, "promotion deferred", zap.String("reason", reason))
	o.record(ctx, ledger.Record{
		JobID:     job.ID.String(),
		BlockID:   job.BlockID,
		EventType: ledger.EventPromotionDeferred,
		Reason:    reason,
	})
	return OutcomeDeferred
}

// rolledBack marks the job whose promotion was undone.
func (o *Orchestrator) rolledBack(ctx context.Context, rb hotswap.Rollback) {
	o.metrics.RecordRollback(rb.Reason, rb.At)
	job, err := o.store.GetJob(ctx, rb.JobID)
	if err != nil {
		o.logger.Error(ctx, "load rolled back job", zap.Error(err))
		return
	}
	detail := map[string]interface{}{"errorRate": rb.ErrorRate}
	if rb.Restored != nil {
		detail["restoredArtifact"] = rb.Restored.ArtifactRef
		detail["restoredJobId"] = rb.Restored.JobID.String()
	} else {
		detail["restoredArtifact"] = ""
	}
	if _, err := o.transition(ctx, job, models.JobRolledBack, rb.Reason, detail); err != nil {
		o.logger.Error(ctx, "mark job rolled back", zap.Error(err))
	}
}

// resume picks up Completed jobs whose pipeline stopped with the previous process. Deferred
// promotions are left to the next cycle.
func (o *Orchestrator) resume(ctx context.Context) error {
	jobs, err := o.store.ListJobs(ctx, store.JobFilter{Statuses: []models.JobStatus{models.JobCompleted}, Limit: 500})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.PromotionDeferred {
			continue
		}
		jctx := jobContext(ctx, job)
		result, err := o.store.GetResult(jctx, job.ID)
		if err != nil {
			o.logger.Error(jctx, "resume: load result", zap.Error(err))
			continue
		}
		report, err := o.store.GetCanaryReport(jctx, job.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			o.logger.Info(jctx, "resuming interrupted pipeline")
			o.evaluate(jctx, job, result)
		case err != nil:
			o.logger.Error(jctx, "resume: load canary report", zap.Error(err))
		case report.Passed:
			o.promote(jctx, job, result)
		default:
			if _, err := o.transition(jctx, job, models.JobRejected, report.Reason, nil); err != nil {
				o.logger.Error(jctx, "resume: reject", zap.Error(err))
			}
		}
	}
	return nil
}
