// Package canary shadow-tests a candidate against held-out historical failures before it is
// allowed near the live slot.
package canary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/retry"
	"github.com/ILLUVRSE/evolution/internal/serving"
)

// Sampler draws canary-partition failures for a job.
type Sampler interface {
	CanarySample(ctx context.Context, blockID, jobID string, n int) ([]models.FailureSample, error)
}

type Controller struct {
	hook    serving.Hook
	sampler Sampler
	policy  *config.PolicyStore
	logger  *logging.Logger
	now     func() time.Time
	backoff time.Duration

	slots chan struct{}
	wg    sync.WaitGroup
}

type Option func(*Controller)

// WithRetryBackoff sets the pause before the single retry of a transient failure.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Controller) { c.backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController sizes its worker pool from the policy active at construction.
func NewController(hook serving.Hook, sampler Sampler, policy *config.PolicyStore, logger *logging.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = logging.Nop()
	}
	workers := policy.Current().Canary.Workers
	if workers < 1 {
		workers = 1
	}
	c := &Controller{
		hook:    hook,
		sampler: sampler,
		policy:  policy,
		logger:  logger.Named("canary"),
		now:     time.Now,
		backoff: 500 * time.Millisecond,
		slots:   make(chan struct{}, workers),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SampleSize clamps the configured size into [min, max].
func SampleSize(p config.CanaryPolicy) int {
	n := p.SampleSize
	if n < p.MinSamples {
		n = p.MinSamples
	}
	if n > p.MaxSamples {
		n = p.MaxSamples
	}
	return n
}

// Submit runs Evaluate on the pool in the background and hands the outcome to done.
func (c *Controller) Submit(ctx context.Context, job models.JobSpec, result models.TrainingResult, done func(models.CanaryReport, error)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		report, err := c.Evaluate(ctx, job, result)
		done(report, err)
	}()
}

// Wait blocks until every submitted evaluation has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Evaluate blocks for a pool slot, then stages, samples and replays under the policy
// timeout. Every failure mode yields a failed report; the error is non-nil only for an
// integrity failure, which the caller must escalate.
func (c *Controller) Evaluate(ctx context.Context, job models.JobSpec, result models.TrainingResult) (models.CanaryReport, error) {
	p := c.policy.Current().Canary
	ctx, cancel := context.WithTimeout(ctx, p.Timeout.Duration())
	defer cancel()
	ctx = logging.WithJobID(logging.WithBlockID(ctx, job.BlockID), job.ID.String())

	report := models.CanaryReport{JobID: job.ID}
	finish := func(reason string) models.CanaryReport {
		if reason != "" && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = failure.CodeCanaryTimeout
		}
		report.Reason = reason
		report.Passed = reason == ""
		report.CompletedAt = c.now().UTC()
		c.logger.Info(ctx, "canary finished", zap.Bool("passed", report.Passed), zap.String("reason", reason),
			zap.Float64("error_rate", report.ErrorRate), zap.Float64("latency_delta_ms", report.LatencyDeltaMs),
			zap.Int("samples", len(report.SampleIDs)))
		return report
	}

	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return finish(failure.CodeCanaryTimeout), nil
	}

	var samples []models.FailureSample
	err := c.transient(ctx, func(ctx context.Context) error {
		var err error
		samples, err = c.sampler.CanarySample(ctx, job.BlockID, job.ID.String(), SampleSize(p))
		return err
	})
	if err != nil {
		c.logger.Warn(ctx, "canary sample fetch failed", zap.Error(err))
		return finish(failure.CodeCanaryUnavailable), nil
	}
	for _, s := range samples {
		report.SampleIDs = append(report.SampleIDs, s.ID)
	}
	if len(samples) < p.MinSamples {
		return finish(failure.CodeCanaryInsufficient), nil
	}

	var staged serving.StageResult
	err = c.transient(ctx, func(ctx context.Context) error {
		var err error
		staged, err = c.hook.Stage(ctx, serving.StageRequest{
			BlockID:     job.BlockID,
			Slot:        serving.SlotShadow,
			ArtifactRef: result.ArtifactRef,
			Checksum:    result.Checksum,
		})
		if err != nil && !errors.Is(err, serving.ErrUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		c.logger.Warn(ctx, "shadow stage failed", zap.Error(err))
		return finish(failure.CodeCanaryUnavailable), nil
	}
	if staged.Checksum != result.Checksum {
		report = finish(failure.CodeChecksumMismatch)
		return report, failure.Integrityf(failure.CodeChecksumMismatch,
			"shadow slot reports checksum %q, trainer reported %q", staged.Checksum, result.Checksum)
	}
	if !staged.Active {
		return finish(failure.CodeCanaryUnavailable), nil
	}

	var replay serving.ReplayResult
	err = c.transient(ctx, func(ctx context.Context) error {
		var err error
		replay, err = c.hook.Replay(ctx, serving.ReplayRequest{
			BlockID:   job.BlockID,
			Slot:      serving.SlotShadow,
			SampleIDs: report.SampleIDs,
		})
		if err != nil && !errors.Is(err, serving.ErrUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		c.logger.Warn(ctx, "canary replay failed", zap.Error(err))
		return finish(failure.CodeCanaryUnavailable), nil
	}

	report.ErrorRate = replay.ErrorRate()
	report.LatencyDeltaMs = replay.LatencyDeltaMs
	switch {
	case report.ErrorRate > p.ErrorCeiling+1e-9:
		return finish(failure.CodeCanaryFailed), nil
	case report.LatencyDeltaMs > job.Criteria.MaxLatencyIncreaseMs:
		return finish(failure.CodeCanaryLatency), nil
	}
	return finish(""), nil
}

func (c *Controller) transient(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := retry.Do(ctx, retry.Once(c.backoff), fn); err != nil {
		return fmt.Errorf("canary: %w", err)
	}
	return nil
}
