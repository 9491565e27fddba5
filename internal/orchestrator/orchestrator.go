// Package orchestrator wires the evolution pipeline: nightly gap detection and proposal,
// quota-gated admission, and the result path through the gate, the canary and the hot swap.
// Every job transition is written to the ledger, the metrics and the event stream here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/canary"
	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/dispatcher"
	"github.com/ILLUVRSE/evolution/internal/events"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/gap"
	"github.com/ILLUVRSE/evolution/internal/governor"
	"github.com/ILLUVRSE/evolution/internal/hotswap"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/metrics"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/proposal"
	"github.com/ILLUVRSE/evolution/internal/serving"
	"github.com/ILLUVRSE/evolution/internal/store"
)

// Snapshotter supplies the per-block accuracy snapshots a cycle starts from.
type Snapshotter interface {
	Snapshots(ctx context.Context) ([]models.SkillBlock, error)
}

// FailurePool is the failure harvester as the pipeline sees it.
type FailurePool interface {
	proposal.Datasets
	canary.Sampler
}

type Deps struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Feed     Snapshotter
	Failures FailurePool
	Governor *governor.Governor
	Hook     serving.Hook
	Policy   *config.PolicyStore
	Metrics  *metrics.Metrics
	Events   events.Publisher
	Logger   *logging.Logger
	// Strategies are registered next to the built-in threshold and round-table ones.
	Strategies []proposal.Strategy
	// RetryBackoff overrides the pause before retrying a transient canary or swap failure.
	RetryBackoff time.Duration
}

type Orchestrator struct {
	store    store.Store
	ledger   *ledger.Ledger
	feed     Snapshotter
	governor *governor.Governor
	policy   *config.PolicyStore
	metrics  *metrics.Metrics
	events   events.Publisher
	logger   *logging.Logger
	now      func() time.Time

	detector   *gap.Detector
	generator  *proposal.Generator
	dispatcher *dispatcher.Dispatcher
	canary     *canary.Controller
	hotswap    *hotswap.Manager

	cycleMu sync.Mutex
	// ctx outlives requests; canary runs and promotions started by a request use it.
	ctx    context.Context
	cancel context.CancelFunc
}

var ErrCycleRunning = errors.New("a cycle is already running")

func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	m := d.Metrics
	if m == nil {
		m = metrics.New()
	}
	pub := d.Events
	if pub == nil {
		pub = events.Nop{}
	}
	o := &Orchestrator{
		store:    d.Store,
		ledger:   d.Ledger,
		feed:     d.Feed,
		governor: d.Governor,
		policy:   d.Policy,
		metrics:  m,
		events:   pub,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	canaryOpts := []canary.Option{}
	swapOpts := []hotswap.Option{hotswap.OnRollback(o.rolledBack)}
	if d.RetryBackoff > 0 {
		canaryOpts = append(canaryOpts, canary.WithRetryBackoff(d.RetryBackoff))
		swapOpts = append(swapOpts, hotswap.WithRetryBackoff(d.RetryBackoff))
	}
	o.detector = gap.NewDetector(gap.StoreInFlight{Store: d.Store}, logger)
	o.generator = proposal.NewGenerator(d.Store, d.Failures, d.Policy, logger, d.Strategies...)
	o.dispatcher = dispatcher.New(d.Store, d.Governor, d.Policy, o, logger)
	o.canary = canary.NewController(d.Hook, d.Failures, d.Policy, logger, canaryOpts...)
	o.hotswap = hotswap.NewManager(d.Hook, d.Store, d.Policy, logger, swapOpts...)

	d.Policy.OnChange(o.policyApplied)
	return o
}

// SetClock pins time for every component that reads it.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.detector.SetClock(now)
	o.generator.SetClock(now)
	o.dispatcher.SetClock(now)
	o.governor.SetClock(now)
}

func (o *Orchestrator) Dispatcher() *dispatcher.Dispatcher { return o.dispatcher }
func (o *Orchestrator) HotSwap() *hotswap.Manager          { return o.hotswap }
func (o *Orchestrator) Governor() *governor.Governor       { return o.governor }
func (o *Orchestrator) Ledger() *ledger.Ledger             { return o.ledger }
func (o *Orchestrator) Metrics() *metrics.Metrics          { return o.metrics }
func (o *Orchestrator) Store() store.Store                 { return o.store }

// Start restores the live pointers and quota counters, then resumes any job whose result
// pipeline was interrupted by a restart.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.hotswap.Restore(ctx); err != nil {
		return err
	}
	if err := o.governor.Resync(ctx, o.store); err != nil {
		return err
	}
	counts := map[models.JobStatus]int{}
	for _, st := range models.AllStatuses {
		n, err := o.store.CountJobs(ctx, st)
		if err != nil {
			return fmt.Errorf("count %s jobs: %w", st, err)
		}
		counts[st] = n
	}
	o.metrics.SetJobCounts(counts)
	if seq, err := o.ledger.Length(ctx); err == nil {
		o.metrics.SetLedgerLength(seq)
	}
	return o.resume(ctx)
}

// Close waits for in-flight canary runs, then stops the promotion monitors.
func (o *Orchestrator) Close() {
	o.canary.Wait()
	o.cancel()
	o.hotswap.Close()
}

// Transitioned records a job status change: ledger entry, metrics and lifecycle event. An
// empty from marks a newly queued job.
func (o *Orchestrator) Transitioned(ctx context.Context, from models.JobStatus, job models.JobSpec, detail map[string]interface{}) {
	payload := map[string]interface{}{
		"name":     job.Name,
		"to":       string(job.Status),
		"attempts": job.Attempts,
	}
	if from != "" {
		payload["from"] = string(from)
	}
	for k, v := range detail {
		payload[k] = v
	}
	if _, err := o.ledger.Append(ctx, ledger.Record{
		JobID:     job.ID.String(),
		BlockID:   job.BlockID,
		EventType: eventFor(from, job.Status),
		Reason:    job.StatusReason,
		Payload:   payload,
	}); err != nil {
		o.metrics.RecordAppendFailure(eventFor(from, job.Status))
		o.logger.Error(ctx, "ledger append failed", zap.String("status", string(job.Status)), zap.Error(err))
	}

	o.metrics.JobTransition(from, job.Status, job.StatusReason)
	switch {
	case from == models.JobTraining && job.Status == models.JobCompleted:
		o.metrics.RecordTraining("")
	case models.HoldsTrainingSlot(from) && job.Status == models.JobRejected:
		o.metrics.RecordTraining(job.StatusReason)
	}
	o.events.JobTransition(ctx, events.JobEvent{
		JobID:   job.ID,
		BlockID: job.BlockID,
		Name:    job.Name,
		From:    from,
		Status:  job.Status,
		Reason:  job.StatusReason,
		At:      o.now().UTC(),
	})
}

func eventFor(from, to models.JobStatus) string {
	switch to {
	case models.JobQueued:
		if from != "" {
			return ledger.EventJobRequeued
		}
		return ledger.EventJobQueued
	case models.JobClaimed:
		return ledger.EventJobClaimed
	case models.JobTraining:
		return ledger.EventJobTraining
	case models.JobCompleted:
		return ledger.EventJobCompleted
	case models.JobRejected:
		return ledger.EventJobRejected
	case models.JobPromoted:
		return ledger.EventJobPromoted
	case models.JobRolledBack:
		return ledger.EventJobRolledBack
	}
	return "job." + string(to)
}

// transition moves job from its current status to `to` with reason, guarded by a
// compare-and-set on the current status.
func (o *Orchestrator) transition(ctx context.Context, job models.JobSpec, to models.JobStatus, reason string, detail map[string]interface{}) (models.JobSpec, error) {
	if err := models.ValidateTransition(job.Status, to); err != nil {
		return job, err
	}
	from := job.Status
	next := job
	next.Status = to
	next.StatusReason = reason
	next.PromotionDeferred = false
	if to == models.JobPromoted {
		at := o.now().UTC()
		next.PromotedAt = &at
	}
	updated, err := o.store.UpdateJob(ctx, next, from)
	if err != nil {
		return job, fmt.Errorf("move job %s to %s: %w", job.ID, to, err)
	}
	o.Transitioned(ctx, from, updated, detail)
	return updated, nil
}

// record appends a non-transition ledger entry and logs a failed append.
func (o *Orchestrator) record(ctx context.Context, rec ledger.Record) {
	if _, err := o.ledger.Append(ctx, rec); err != nil {
		o.metrics.RecordAppendFailure(rec.EventType)
		o.logger.Error(ctx, "ledger append failed", zap.String("event", rec.EventType), zap.Error(err))
	}
}

// Halt trips the integrity halt. Only the first reason is recorded.
func (o *Orchestrator) Halt(ctx context.Context, reason string, detail map[string]interface{}) {
	if !o.governor.Halt(reason) {
		return
	}
	o.metrics.SetHalted(true)
	o.record(ctx, ledger.Record{EventType: ledger.EventIntegrityHalted, Reason: reason, Payload: detail})
}

// ClearHalt lifts the integrity halt on operator request and reports whether one was active.
func (o *Orchestrator) ClearHalt(ctx context.Context, operator, note string) (bool, error) {
	halted, reason := o.governor.Halted()
	if !halted {
		return false, nil
	}
	if _, err := o.ledger.Append(ctx, ledger.Record{
		EventType: ledger.EventIntegrityCleared,
		Reason:    reason,
		Payload:   map[string]interface{}{"operator": operator, "note": note},
	}); err != nil {
		return false, fmt.Errorf("record halt clear: %w", err)
	}
	o.governor.ClearHalt()
	o.metrics.SetHalted(false)
	o.logger.Warn(ctx, "integrity halt cleared", zap.String("operator", operator), zap.String("reason", reason))
	return true, nil
}

// VerifyLedger recomputes the whole chain. A broken chain trips the integrity halt.
func (o *Orchestrator) VerifyLedger(ctx context.Context) (ledger.VerifyReport, error) {
	report, err := o.ledger.Verify(ctx)
	var ce *ledger.ChainError
	if errors.As(err, &ce) {
		o.logger.Error(ctx, "ledger chain broken", zap.Int64("seq", ce.Seq), zap.String("reason", ce.Reason))
		o.Halt(ctx, failure.CodeChainBroken, map[string]interface{}{"seq": ce.Seq, "detail": ce.Reason})
		return report, nil
	}
	if err != nil {
		return report, err
	}
	o.metrics.SetLedgerLength(report.Entries)
	return report, nil
}

// RollBack undoes the active promotion of a block on operator request.
func (o *Orchestrator) RollBack(ctx context.Context, blockID, operator, reason string) (hotswap.Rollback, error) {
	o.logger.Warn(logging.WithBlockID(ctx, blockID), "operator rollback requested", zap.String("operator", operator), zap.String("reason", reason))
	return o.hotswap.RollBack(ctx, blockID, reason)
}

func (o *Orchestrator) policyApplied(p *config.Policy) {
	ctx := context.Background()
	o.metrics.SetPolicyReloaded(o.now())
	o.record(ctx, ledger.Record{
		EventType: ledger.EventPolicyReloaded,
		Payload:   map[string]interface{}{"version": p.Version, "checksum": p.Checksum},
	})
	o.logger.Info(ctx, "policy applied", zap.String("version", p.Version))
}
