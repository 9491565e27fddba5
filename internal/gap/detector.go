// Package gap turns per-block accuracy snapshots into improvement opportunities.
package gap

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

// Skip reasons reported per block.
const (
	SkipAtTarget            = "at_target"
	SkipInsufficientSamples = "insufficient_samples"
	SkipNoFreshSamples      = "no_fresh_samples"
	SkipInFlight            = "job_in_flight"
	SkipDuplicate           = "duplicate_in_cycle"
	SkipError               = "detector_error"
)

type Skip struct {
	BlockID string `json:"blockId"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// InFlightChecker reports whether a block already has a job the pipeline owns.
type InFlightChecker interface {
	InFlight(ctx context.Context, blockID string) (bool, error)
}

// StoreInFlight answers InFlight from the job store.
type StoreInFlight struct {
	Store store.Store
}

func (s StoreInFlight) InFlight(ctx context.Context, blockID string) (bool, error) {
	jobs, err := s.Store.ListJobs(ctx, store.JobFilter{
		BlockID:  blockID,
		Statuses: []models.JobStatus{models.JobQueued, models.JobClaimed, models.JobTraining, models.JobCompleted},
		Limit:    1,
	})
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

type Detector struct {
	inFlight InFlightChecker
	logger   *logging.Logger
	now      func() time.Time
}

func NewDetector(inFlight InFlightChecker, logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Detector{inFlight: inFlight, logger: logger.Named("gap"), now: time.Now}
}

func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Detect evaluates every snapshot independently. A failure on one block is logged and
// reported as a skip; the other blocks still produce opportunities. The result is ordered
// by severity, largest first.
func (d *Detector) Detect(ctx context.Context, blocks []models.SkillBlock) ([]models.Opportunity, []Skip) {
	var (
		opps  []models.Opportunity
		skips []Skip
		seen  = map[string]bool{}
	)
	detectedAt := d.now().UTC()
	for _, b := range blocks {
		if seen[b.ID] {
			skips = append(skips, Skip{BlockID: b.ID, Reason: SkipDuplicate})
			continue
		}
		seen[b.ID] = true

		opp, skip, err := d.evaluate(ctx, b, detectedAt)
		if err != nil {
			d.logger.Error(logging.WithBlockID(ctx, b.ID), "gap detection failed", zap.Error(err))
			skips = append(skips, Skip{BlockID: b.ID, Reason: SkipError, Detail: err.Error()})
			continue
		}
		if skip != "" {
			skips = append(skips, Skip{BlockID: b.ID, Reason: skip})
			continue
		}
		opps = append(opps, opp)
	}
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].Severity == opps[j].Severity {
			return opps[i].BlockID < opps[j].BlockID
		}
		return opps[i].Severity > opps[j].Severity
	})
	return opps, skips
}

func (d *Detector) evaluate(ctx context.Context, b models.SkillBlock, at time.Time) (models.Opportunity, string, error) {
	if b.ID == "" {
		return models.Opportunity{}, "", fmt.Errorf("snapshot without block id")
	}
	if math.IsNaN(b.Accuracy) || b.Accuracy < 0 || b.Accuracy > 1 {
		return models.Opportunity{}, "", fmt.Errorf("accuracy %v out of range", b.Accuracy)
	}
	if b.FreshSamples == 0 {
		return models.Opportunity{}, SkipNoFreshSamples, nil
	}
	if b.SampleCount < b.MinSamples {
		return models.Opportunity{}, SkipInsufficientSamples, nil
	}
	if b.Accuracy >= b.Target {
		return models.Opportunity{}, SkipAtTarget, nil
	}
	busy, err := d.inFlight.InFlight(ctx, b.ID)
	if err != nil {
		return models.Opportunity{}, "", fmt.Errorf("in-flight check: %w", err)
	}
	if busy {
		return models.Opportunity{}, SkipInFlight, nil
	}
	return models.Opportunity{
		BlockID:     b.ID,
		Severity:    b.Target - b.Accuracy,
		Accuracy:    b.Accuracy,
		Target:      b.Target,
		SampleCount: b.SampleCount,
		DetectedAt:  at,
	}, "", nil
}
