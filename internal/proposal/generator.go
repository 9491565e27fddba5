package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

// Datasets resolves the training dataset for a block.
type Datasets interface {
	TrainingDataset(ctx context.Context, blockID string, through time.Time) (string, int, error)
}

// Suppressed is a spec dropped because an identical one was already rejected.
type Suppressed struct {
	BlockID     string `json:"blockId"`
	Fingerprint string `json:"fingerprint"`
	Strategy    string `json:"strategy"`
}

type Outcome struct {
	Specs      []models.JobSpec
	Suppressed []Suppressed
}

type Generator struct {
	store      store.Store
	datasets   Datasets
	policy     *config.PolicyStore
	strategies map[string]Strategy
	logger     *logging.Logger
	now        func() time.Time
}

func NewGenerator(st store.Store, datasets Datasets, policy *config.PolicyStore, logger *logging.Logger, strategies ...Strategy) *Generator {
	if logger == nil {
		logger = logging.Nop()
	}
	g := &Generator{
		store:      st,
		datasets:   datasets,
		policy:     policy,
		strategies: map[string]Strategy{},
		logger:     logger.Named("proposal"),
		now:        time.Now,
	}
	for _, s := range append([]Strategy{NewThreshold(), NewRoundTable()}, strategies...) {
		g.strategies[s.Name()] = s
	}
	return g
}

func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Propose builds Queued specs for opp with the policy's active strategy. Specs matching a
// previously rejected fingerprint for the block are suppressed rather than returned.
func (g *Generator) Propose(ctx context.Context, opp models.Opportunity) (Outcome, error) {
	var out Outcome
	policy := g.policy.Current()
	strategy, ok := g.strategies[policy.Proposal.Strategy]
	if !ok {
		return out, fmt.Errorf("unknown proposal strategy %q", policy.Proposal.Strategy)
	}
	block := policy.ForBlock(opp.BlockID)
	now := g.now().UTC()

	lastReason, err := g.store.LastRejection(ctx, opp.BlockID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return out, fmt.Errorf("last rejection for %s: %w", opp.BlockID, err)
	}
	datasetRef, datasetSize, err := g.datasets.TrainingDataset(ctx, opp.BlockID, now)
	if err != nil {
		return out, fmt.Errorf("dataset for %s: %w", opp.BlockID, err)
	}

	training := AdjustForRejection(block.Training, lastReason)
	if lastReason != "" && training != block.Training {
		g.logger.Info(logging.WithBlockID(ctx, opp.BlockID), "adjusted hyperparameters from last rejection",
			zap.String("reason", lastReason), zap.Int("rank", training.Rank), zap.Int("epochs", training.Epochs),
			zap.Float64("learning_rate", training.LearningRate))
	}

	pc := Context{
		Template: models.JobSpec{
			Name:        JobName(now, opp.BlockID),
			BlockID:     opp.BlockID,
			BaseModel:   block.BaseModel,
			DatasetRef:  datasetRef,
			DatasetSize: datasetSize,
			Criteria:    block.Criteria,
			Baseline:    opp.Accuracy,
			Strategy:    strategy.Name(),
			Status:      models.JobQueued,
		},
		Training:      training,
		Policy:        policy.Proposal,
		LastRejection: lastReason,
		Now:           now,
	}
	specs, err := strategy.Propose(ctx, opp, pc)
	if err != nil {
		return out, fmt.Errorf("%s strategy: %w", strategy.Name(), err)
	}

	for _, spec := range specs {
		fp, err := Fingerprint(spec)
		if err != nil {
			return out, fmt.Errorf("fingerprint: %w", err)
		}
		rejected, err := g.store.HasRejectedFingerprint(ctx, spec.BlockID, fp)
		if err != nil {
			return out, fmt.Errorf("check fingerprint: %w", err)
		}
		if rejected {
			out.Suppressed = append(out.Suppressed, Suppressed{BlockID: spec.BlockID, Fingerprint: fp, Strategy: spec.Strategy})
			continue
		}
		spec.ID = uuid.New()
		spec.Fingerprint = fp
		out.Specs = append(out.Specs, spec)
	}
	return out, nil
}
