// Package proposal turns improvement opportunities into training job specs.
package proposal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ILLUVRSE/evolution/internal/canonical"
	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/models"
)

const (
	StrategyThreshold  = "threshold"
	StrategyRoundTable = "round_table"
)

// Strategy produces zero or more specs for one opportunity. Implementations fill
// hyperparameters and votes on copies of Context.Template; identity and fingerprint are
// assigned by the Generator.
type Strategy interface {
	Name() string
	Propose(ctx context.Context, opp models.Opportunity, pc Context) ([]models.JobSpec, error)
}

// Context carries everything a strategy may read. Training already reflects history
// adjustments.
type Context struct {
	Template      models.JobSpec
	Training      models.Hyperparameters
	Policy        config.ProposalPolicy
	LastRejection string
	Now           time.Time
}

type threshold struct{}

// NewThreshold returns the default strategy: one spec with the block's configured training
// defaults.
func NewThreshold() Strategy { return threshold{} }

func (threshold) Name() string { return StrategyThreshold }

func (threshold) Propose(_ context.Context, opp models.Opportunity, pc Context) ([]models.JobSpec, error) {
	if opp.BlockID == "" {
		return nil, fmt.Errorf("opportunity without block id")
	}
	spec := pc.Template
	spec.Hyperparameters = pc.Training
	return []models.JobSpec{spec}, nil
}

// Fingerprint identifies the material content of a spec: what would be trained and on what.
func Fingerprint(spec models.JobSpec) (string, error) {
	return canonical.Digest(map[string]interface{}{
		"blockId":         spec.BlockID,
		"baseModel":       spec.BaseModel,
		"datasetRef":      spec.DatasetRef,
		"hyperparameters": spec.Hyperparameters,
	})
}

// JobName is night_YYYYMMDD_<block>, dated in UTC.
func JobName(at time.Time, blockID string) string {
	return fmt.Sprintf("night_%s_%s", at.UTC().Format("20060102"), blockID)
}

const maxRank = 256

// AdjustForRejection nudges hyperparameters away from the block's last rejection. Gain
// shortfalls and undersized artifacts get more capacity; eval-loss failures get a gentler
// schedule.
func AdjustForRejection(h models.Hyperparameters, reason string) models.Hyperparameters {
	switch reason {
	case failure.CodeGainBelowAbsolute, failure.CodeGainBelowRelative, failure.CodeArtifactTooSmall:
		h.Epochs++
		if h.Rank*2 <= maxRank {
			h.Rank *= 2
			h.Alpha *= 2
		}
	case failure.CodeEvalLossExceeds:
		h.LearningRate = roundRate(h.LearningRate / 2)
		if h.Epochs > 1 {
			h.Epochs--
		}
	}
	return h
}

// roundRate keeps learning rates free of binary noise so fingerprints stay stable.
func roundRate(v float64) float64 {
	if v == 0 {
		return 0
	}
	exp := math.Floor(math.Log10(math.Abs(v)))
	scale := math.Pow(10, 6-exp)
	return math.Round(v*scale) / scale
}
