// Package harvest collects failing examples and splits them, once and for all, into the
// training partition and the held-out canary partition.
package harvest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type FailureInput struct {
	ID            string    `json:"id"`
	BlockID       string    `json:"block_id"`
	InputRef      string    `json:"input_ref"`
	FailureReason string    `json:"failure_reason"`
	CollectedAt   time.Time `json:"collected_at"`
}

type IngestReport struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Canary     int `json:"canary"`
	Training   int `json:"training"`
}

var ErrInvalidFailure = errors.New("invalid failure sample")

// PartitionFor maps id onto [0,1) through its sha256 and sends the lowest ratio share to the
// canary partition. The result depends only on id and ratio.
func PartitionFor(id string, canaryRatio float64) models.Partition {
	sum := sha256.Sum256([]byte(id))
	bucket := float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
	if bucket < canaryRatio {
		return models.PartitionCanary
	}
	return models.PartitionTraining
}

type Harvester struct {
	store  store.Store
	policy *config.PolicyStore
	logger *logging.Logger
	now    func() time.Time
}

func NewHarvester(st store.Store, policy *config.PolicyStore, logger *logging.Logger) *Harvester {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Harvester{store: st, policy: policy, logger: logger.Named("harvest"), now: time.Now}
}

// Ingest stores new failures with their partition. Re-ingesting an id keeps the stored
// partition.
func (h *Harvester) Ingest(ctx context.Context, inputs []FailureInput) (IngestReport, error) {
	var report IngestReport
	ratio := h.policy.Current().Harvest.CanaryRatio
	for i, in := range inputs {
		if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.BlockID) == "" {
			return report, fmt.Errorf("%w: item %d needs id and block_id", ErrInvalidFailure, i)
		}
		collected := in.CollectedAt
		if collected.IsZero() {
			collected = h.now()
		}
		sample := models.FailureSample{
			ID:            in.ID,
			BlockID:       in.BlockID,
			InputRef:      in.InputRef,
			FailureReason: in.FailureReason,
			Partition:     PartitionFor(in.ID, ratio),
			CollectedAt:   collected.UTC(),
		}
		stored, err := h.store.InsertFailure(ctx, sample)
		if errors.Is(err, store.ErrDuplicate) {
			report.Duplicates++
			if stored.BlockID != sample.BlockID {
				h.logger.Warn(ctx, "failure id reused across blocks", zap.String("id", in.ID),
					zap.String("stored_block", stored.BlockID), zap.String("block", sample.BlockID))
			}
			continue
		}
		if err != nil {
			return report, fmt.Errorf("store failure %s: %w", in.ID, err)
		}
		report.Accepted++
		if stored.Partition == models.PartitionCanary {
			report.Canary++
		} else {
			report.Training++
		}
	}
	return report, nil
}

// TrainingDataset describes the training partition of a block up to through.
func (h *Harvester) TrainingDataset(ctx context.Context, blockID string, through time.Time) (string, int, error) {
	through = through.UTC()
	n, err := h.store.CountFailures(ctx, blockID, models.PartitionTraining, through)
	if err != nil {
		return "", 0, fmt.Errorf("count training failures: %w", err)
	}
	ref := fmt.Sprintf("failures://%s/training?through=%s", blockID, through.Format(time.RFC3339))
	return ref, n, nil
}

// CanarySample draws up to n canary-partition failures for a job. The draw is deterministic
// per (job, sample set), so a retried canary replays the same examples.
func (h *Harvester) CanarySample(ctx context.Context, blockID, jobID string, n int) ([]models.FailureSample, error) {
	pool, err := h.store.ListFailures(ctx, store.FailureFilter{BlockID: blockID, Partition: models.PartitionCanary})
	if err != nil {
		return nil, fmt.Errorf("list canary failures: %w", err)
	}
	rank := func(id string) string {
		sum := sha256.Sum256([]byte(jobID + "/" + id))
		return hex.EncodeToString(sum[:])
	}
	sort.Slice(pool, func(i, j int) bool { return rank(pool[i].ID) < rank(pool[j].ID) })
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool, nil
}
