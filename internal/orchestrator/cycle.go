package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/gap"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/proposal"
	"github.com/ILLUVRSE/evolution/internal/store"
)

// Refusal is an admission the governor turned down; the block is re-evaluated next cycle.
type Refusal struct {
	BlockID string `json:"blockId"`
	JobName string `json:"jobName"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail"`
}

// BlockError is a block whose proposal could not be built this cycle.
type BlockError struct {
	BlockID string `json:"blockId"`
	Error   string `json:"error"`
}

type CycleReport struct {
	StartedAt     time.Time              `json:"startedAt"`
	FinishedAt    time.Time              `json:"finishedAt"`
	Blocks        int                    `json:"blocks"`
	Opportunities []models.Opportunity   `json:"opportunities"`
	Skipped       []gap.Skip             `json:"skipped"`
	Queued        []models.JobSpec       `json:"queued"`
	Refused       []Refusal              `json:"refused"`
	Suppressed    []proposal.Suppressed  `json:"suppressed"`
	Errors        []BlockError           `json:"errors,omitempty"`
	Deferred      []DeferredPromotionRun `json:"deferred,omitempty"`
}

// DeferredPromotionRun reports one retry of a promotion that was held back by quota.
type DeferredPromotionRun struct {
	JobID   string `json:"jobId"`
	BlockID string `json:"blockId"`
	Outcome string `json:"outcome"`
}

// RunCycle performs one detection and proposal pass. Only one cycle runs at a time.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	if !o.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer o.cycleMu.Unlock()

	report := CycleReport{StartedAt: o.now().UTC()}
	o.logger.Info(ctx, "cycle started")

	// held promotions go first so a freed quota serves work that already passed its canary
	report.Deferred = o.retryDeferred(ctx)

	blocks, err := o.feed.Snapshots(ctx)
	if err != nil {
		return report, fmt.Errorf("load skill snapshots: %w", err)
	}
	report.Blocks = len(blocks)

	opps, skipped := o.detector.Detect(ctx, blocks)
	report.Opportunities = opps
	report.Skipped = skipped

	for _, opp := range opps {
		bctx := logging.WithBlockID(ctx, opp.BlockID)
		out, err := o.generator.Propose(bctx, opp)
		if err != nil {
			o.logger.Error(bctx, "proposal failed", zap.Error(err))
			report.Errors = append(report.Errors, BlockError{BlockID: opp.BlockID, Error: err.Error()})
			continue
		}
		for _, s := range out.Suppressed {
			report.Suppressed = append(report.Suppressed, s)
			o.record(bctx, ledger.Record{
				BlockID:   s.BlockID,
				EventType: ledger.EventProposalSuppress,
				Payload:   map[string]interface{}{"fingerprint": s.Fingerprint, "strategy": s.Strategy},
			})
		}
		for _, spec := range out.Specs {
			job, refusal, err := o.admit(bctx, spec)
			switch {
			case err != nil:
				report.Errors = append(report.Errors, BlockError{BlockID: opp.BlockID, Error: err.Error()})
			case refusal != nil:
				report.Refused = append(report.Refused, *refusal)
			default:
				report.Queued = append(report.Queued, job)
			}
		}
	}

	report.FinishedAt = o.now().UTC()
	o.logger.Info(ctx, "cycle finished",
		zap.Int("blocks", report.Blocks),
		zap.Int("opportunities", len(report.Opportunities)),
		zap.Int("queued", len(report.Queued)),
		zap.Int("refused", len(report.Refused)),
		zap.Int("suppressed", len(report.Suppressed)))
	return report, nil
}

// admit asks the governor for a slot and queues spec. A refusal is reported, not queued.
func (o *Orchestrator) admit(ctx context.Context, spec models.JobSpec) (models.JobSpec, *Refusal, error) {
	if err := o.governor.AdmitJob(ctx); err != nil {
		code := failure.CodeOf(err, failure.CodeConcurrencyQuota)
		o.metrics.RecordAdmissionRefused(code)
		o.logger.Warn(ctx, "admission refused", zap.String("job", spec.Name), zap.String("reason", code), zap.Error(err))
		o.record(ctx, ledger.Record{
			BlockID:   spec.BlockID,
			EventType: ledger.EventAdmissionRefused,
			Reason:    code,
			Payload:   map[string]interface{}{"name": spec.Name, "fingerprint": spec.Fingerprint, "detail": err.Error()},
		})
		return models.JobSpec{}, &Refusal{BlockID: spec.BlockID, JobName: spec.Name, Reason: code, Detail: err.Error()}, nil
	}

	spec.Status = models.JobQueued
	spec.Attempts = 1
	job, err := o.store.CreateJob(ctx, spec)
	if err != nil {
		o.governor.ReleaseJob()
		return models.JobSpec{}, nil, fmt.Errorf("queue %s: %w", spec.Name, err)
	}
	ctx = logging.WithJobID(ctx, job.ID.String())
	o.logger.Info(ctx, "job queued", zap.String("name", job.Name), zap.String("strategy", job.Strategy))
	o.Transitioned(ctx, "", job, queuedDetail(job))
	return job, nil, nil
}

func queuedDetail(job models.JobSpec) map[string]interface{} {
	votes := make([]interface{}, 0, len(job.Votes))
	for _, v := range job.Votes {
		votes = append(votes, map[string]interface{}{
			"perspective": v.Perspective,
			"weight":      v.Weight,
			"score":       v.Score,
			"rationale":   v.Rationale,
			"abstained":   v.Abstained,
		})
	}
	return map[string]interface{}{
		"fingerprint": job.Fingerprint,
		"strategy":    job.Strategy,
		"baseModel":   job.BaseModel,
		"datasetRef":  job.DatasetRef,
		"datasetSize": job.DatasetSize,
		"baseline":    job.Baseline,
		"hyperparameters": map[string]interface{}{
			"rank":         job.Hyperparameters.Rank,
			"alpha":        job.Hyperparameters.Alpha,
			"learningRate": job.Hyperparameters.LearningRate,
			"epochs":       job.Hyperparameters.Epochs,
			"budgetUsd":    job.Hyperparameters.BudgetUSD,
		},
		"votes": votes,
	}
}

// retryDeferred re-attempts promotions held back by the daily quota. The canary is not re-run.
func (o *Orchestrator) retryDeferred(ctx context.Context) []DeferredPromotionRun {
	jobs, err := o.store.ListJobs(ctx, store.JobFilter{Statuses: []models.JobStatus{models.JobCompleted}, Limit: 500})
	if err != nil {
		o.logger.Error(ctx, "list deferred promotions", zap.Error(err))
		return nil
	}
	var runs []DeferredPromotionRun
	for _, job := range jobs {
		if !job.PromotionDeferred {
			continue
		}
		jctx := logging.WithJobID(logging.WithBlockID(ctx, job.BlockID), job.ID.String())
		result, err := o.store.GetResult(jctx, job.ID)
		if err != nil {
			o.logger.Error(jctx, "load result for deferred promotion", zap.Error(err))
			continue
		}
		outcome := o.promote(jctx, job, result)
		runs = append(runs, DeferredPromotionRun{JobID: job.ID.String(), BlockID: job.BlockID, Outcome: outcome})
	}
	return runs
}
