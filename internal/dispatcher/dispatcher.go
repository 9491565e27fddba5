// Package dispatcher hands queued jobs to external trainers and tracks them through the
// Claimed and Training states until a result, a failure or a missed heartbeat settles them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

var (
	// ErrNoJob means nothing is eligible for a claim right now.
	ErrNoJob = errors.New("no job available")
	// ErrWrongWorker is returned when a worker reports on a job claimed by someone else.
	ErrWrongWorker = errors.New("job is claimed by another worker")
)

// Observer is told about every status change the dispatcher makes.
type Observer interface {
	Transitioned(ctx context.Context, from models.JobStatus, job models.JobSpec, detail map[string]interface{})
}

// SlotReleaser gives back the concurrency slot of a job that left Training.
type SlotReleaser interface {
	ReleaseJob()
}

type Dispatcher struct {
	store    store.Store
	slots    SlotReleaser
	policy   *config.PolicyStore
	observer Observer
	logger   *logging.Logger
	now      func() time.Time
}

func New(st store.Store, slots SlotReleaser, policy *config.PolicyStore, observer Observer, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{store: st, slots: slots, policy: policy, observer: observer, logger: logger.Named("dispatcher"), now: time.Now}
}

func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

func (d *Dispatcher) notify(ctx context.Context, from models.JobStatus, job models.JobSpec, detail map[string]interface{}) {
	if d.observer != nil {
		d.observer.Transitioned(ctx, from, job, detail)
	}
	if models.HoldsTrainingSlot(from) && !models.HoldsTrainingSlot(job.Status) && d.slots != nil {
		d.slots.ReleaseJob()
	}
}

// Claim hands the oldest eligible Queued job to workerID.
func (d *Dispatcher) Claim(ctx context.Context, workerID string) (models.JobSpec, error) {
	if workerID == "" {
		return models.JobSpec{}, fmt.Errorf("worker id required")
	}
	job, err := d.store.ClaimNextJob(ctx, workerID, d.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return models.JobSpec{}, ErrNoJob
	}
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("claim next job: %w", err)
	}
	ctx = jobContext(ctx, job)
	d.logger.Info(ctx, "job claimed", zap.String("worker", workerID), zap.Int("attempt", job.Attempts))
	d.notify(ctx, models.JobQueued, job, map[string]interface{}{"workerId": workerID})
	return job, nil
}

func (d *Dispatcher) owned(job models.JobSpec, workerID string) error {
	if workerID != "" && job.WorkerID != "" && job.WorkerID != workerID {
		return fmt.Errorf("%w: job %s belongs to %s", ErrWrongWorker, job.ID, job.WorkerID)
	}
	return nil
}

// Heartbeat moves a Claimed job to Training on the first beat and refreshes the deadline on
// every beat after that.
func (d *Dispatcher) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) (models.JobSpec, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return models.JobSpec{}, err
	}
	if err := d.owned(job, workerID); err != nil {
		return models.JobSpec{}, err
	}
	ctx = jobContext(ctx, job)
	now := d.now().UTC()
	switch job.Status {
	case models.JobClaimed:
		next := job
		next.Status = models.JobTraining
		next.HeartbeatAt = &now
		updated, err := d.store.UpdateJob(ctx, next, models.JobClaimed)
		if err != nil {
			return models.JobSpec{}, fmt.Errorf("start training: %w", err)
		}
		d.notify(ctx, models.JobClaimed, updated, nil)
		return updated, nil
	case models.JobTraining:
		next := job
		next.HeartbeatAt = &now
		return d.store.UpdateJob(ctx, next, models.JobTraining)
	}
	return models.JobSpec{}, fmt.Errorf("%w: heartbeat on %s job", models.ErrInvalidTransition, job.Status)
}

// Completion is the outcome of a Complete call.
type Completion struct {
	Job    models.JobSpec        `json:"job"`
	Result models.TrainingResult `json:"result"`
	// Duplicate is set when the result had already been recorded; Job then carries the
	// outcome reached by the first delivery.
	Duplicate bool `json:"duplicate"`
}

// Complete records the one TrainingResult of a job and moves it to Completed. A repeated
// delivery is acknowledged with what was recorded first and changes nothing.
func (d *Dispatcher) Complete(ctx context.Context, id uuid.UUID, workerID string, result models.TrainingResult) (Completion, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return Completion{}, err
	}
	ctx = jobContext(ctx, job)
	if prior, ok, err := d.recorded(ctx, job); err != nil || ok {
		return prior, err
	}
	if err := d.owned(job, workerID); err != nil {
		return Completion{}, err
	}
	if job.Status != models.JobClaimed && job.Status != models.JobTraining {
		return Completion{}, fmt.Errorf("%w: complete on %s job", models.ErrInvalidTransition, job.Status)
	}

	result.JobID = job.ID
	result.ReceivedAt = d.now().UTC()
	if job.Status == models.JobClaimed {
		next := job
		next.Status = models.JobTraining
		now := result.ReceivedAt
		next.HeartbeatAt = &now
		if job, err = d.store.UpdateJob(ctx, next, models.JobClaimed); err != nil {
			return Completion{}, fmt.Errorf("start training: %w", err)
		}
		d.notify(ctx, models.JobClaimed, job, nil)
	}
	next := job
	next.Status = models.JobCompleted
	completed, err := d.store.CompleteJob(ctx, next, models.JobTraining, result)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicate) {
		// a concurrent delivery or the reaper got there first; nothing was written
		current, getErr := d.store.GetJob(ctx, id)
		if getErr != nil {
			return Completion{}, getErr
		}
		if prior, ok, rerr := d.recorded(ctx, current); rerr != nil || ok {
			return prior, rerr
		}
		return Completion{}, fmt.Errorf("complete job: %w", store.ErrConflict)
	}
	if err != nil {
		return Completion{}, fmt.Errorf("complete job: %w", err)
	}
	d.logger.Info(ctx, "training result recorded", zap.String("artifact", result.ArtifactRef),
		zap.Float64("candidate_accuracy", result.CandidateAccuracy))
	d.notify(ctx, models.JobTraining, completed, map[string]interface{}{
		"artifactRef":       result.ArtifactRef,
		"checksum":          result.Checksum,
		"artifactBytes":     result.ArtifactBytes,
		"candidateAccuracy": result.CandidateAccuracy,
	})
	return Completion{Job: completed, Result: result}, nil
}

// recorded reports the stored outcome once job has moved past training with a result.
func (d *Dispatcher) recorded(ctx context.Context, job models.JobSpec) (Completion, bool, error) {
	switch job.Status {
	case models.JobQueued, models.JobClaimed, models.JobTraining:
		return Completion{}, false, nil
	}
	prior, err := d.store.GetResult(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Completion{}, false, nil
	}
	if err != nil {
		return Completion{}, false, fmt.Errorf("load result: %w", err)
	}
	d.logger.Info(ctx, "duplicate training result acknowledged", zap.String("status", string(job.Status)))
	return Completion{Job: job, Result: prior, Duplicate: true}, true, nil
}

// Fail records a trainer-reported failure. It is terminal.
func (d *Dispatcher) Fail(ctx context.Context, id uuid.UUID, workerID, detail string) (models.JobSpec, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return models.JobSpec{}, err
	}
	ctx = jobContext(ctx, job)
	if job.Status == models.JobRejected && job.StatusReason == failure.CodeTrainerFailed {
		return job, nil
	}
	if err := d.owned(job, workerID); err != nil {
		return models.JobSpec{}, err
	}
	if job.Status != models.JobClaimed && job.Status != models.JobTraining {
		return models.JobSpec{}, fmt.Errorf("%w: fail on %s job", models.ErrInvalidTransition, job.Status)
	}
	from := job.Status
	next := job
	next.Status = models.JobRejected
	next.StatusReason = failure.CodeTrainerFailed
	updated, err := d.store.UpdateJob(ctx, next, from)
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("reject failed job: %w", err)
	}
	d.logger.Warn(ctx, "trainer reported failure", zap.String("detail", detail))
	d.notify(ctx, from, updated, map[string]interface{}{"detail": detail})
	return updated, nil
}

// ReapReport lists what one reaper pass did.
type ReapReport struct {
	Requeued []uuid.UUID `json:"requeued"`
	Rejected []uuid.UUID `json:"rejected"`
}

// ReapExpired requeues Claimed/Training jobs whose heartbeat deadline passed, once, with a
// not-before backoff. A job that times out on its last attempt is Rejected.
func (d *Dispatcher) ReapExpired(ctx context.Context) (ReapReport, error) {
	p := d.policy.Current().Dispatcher
	now := d.now().UTC()
	expired, err := d.store.ExpiredJobs(ctx, now.Add(-p.HeartbeatTimeout.Duration()))
	if err != nil {
		return ReapReport{}, fmt.Errorf("list expired jobs: %w", err)
	}
	var report ReapReport
	for _, job := range expired {
		jctx := jobContext(ctx, job)
		from := job.Status
		next := job
		if job.Attempts < p.MaxAttempts {
			notBefore := now.Add(p.RetryBackoff.Duration())
			next.Status = models.JobQueued
			next.StatusReason = failure.CodeWorkerTimeout
			next.Attempts = job.Attempts + 1
			next.NotBefore = &notBefore
			next.WorkerID = ""
			next.ClaimedAt = nil
			next.HeartbeatAt = nil
		} else {
			next.Status = models.JobRejected
			next.StatusReason = failure.CodeWorkerTimeout
		}
		updated, err := d.store.UpdateJob(jctx, next, from)
		if errors.Is(err, store.ErrConflict) {
			// a late heartbeat or result got there first
			continue
		}
		if err != nil {
			d.logger.Error(jctx, "reap job failed", zap.Error(err))
			continue
		}
		d.logger.Warn(jctx, "heartbeat deadline missed", zap.String("worker", job.WorkerID),
			zap.String("next_status", string(updated.Status)), zap.Int("attempts", updated.Attempts))
		d.notify(jctx, from, updated, map[string]interface{}{"workerId": job.WorkerID, "attempts": updated.Attempts})
		if updated.Status == models.JobQueued {
			report.Requeued = append(report.Requeued, updated.ID)
		} else {
			report.Rejected = append(report.Rejected, updated.ID)
		}
	}
	return report, nil
}

func jobContext(ctx context.Context, job models.JobSpec) context.Context {
	return logging.WithJobID(logging.WithBlockID(ctx, job.BlockID), job.ID.String())
}
