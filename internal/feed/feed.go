// Package feed aggregates raw pass/fail submissions from the evaluation harness into
// rolling per-block accuracy snapshots.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type SubmissionInput struct {
	SubmissionID string    `json:"submission_id,omitempty"`
	BlockID      string    `json:"block_id"`
	Correct      int64     `json:"correct"`
	Total        int64     `json:"total"`
	Timestamp    time.Time `json:"timestamp"`
}

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeConflict is a repeat key whose counts differ from the stored submission. The
	// first write wins.
	OutcomeConflict Outcome = "conflict"
)

var ErrInvalidSubmission = errors.New("invalid submission")

type Aggregator struct {
	store  store.Store
	policy *config.PolicyStore
	logger *logging.Logger
	now    func() time.Time
}

func NewAggregator(st store.Store, policy *config.PolicyStore, logger *logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Aggregator{store: st, policy: policy, logger: logger.Named("feed"), now: time.Now}
}

// SetClock is used by tests to pin the aggregation window.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Key derives the idempotency key of a submission.
func Key(in SubmissionInput) string {
	if id := strings.TrimSpace(in.SubmissionID); id != "" {
		return id
	}
	return in.BlockID + "@" + in.Timestamp.UTC().Format(time.RFC3339Nano)
}

func validate(in SubmissionInput) error {
	switch {
	case strings.TrimSpace(in.BlockID) == "":
		return fmt.Errorf("%w: block_id required", ErrInvalidSubmission)
	case in.Total <= 0:
		return fmt.Errorf("%w: total must be positive", ErrInvalidSubmission)
	case in.Correct < 0 || in.Correct > in.Total:
		return fmt.Errorf("%w: correct must be within [0, total]", ErrInvalidSubmission)
	case in.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp required", ErrInvalidSubmission)
	}
	return nil
}

// Submit stores a submission once per key. Out-of-order timestamps are accepted.
func (a *Aggregator) Submit(ctx context.Context, in SubmissionInput) (Outcome, error) {
	if err := validate(in); err != nil {
		return "", err
	}
	sub := models.Submission{
		Key:       Key(in),
		BlockID:   in.BlockID,
		Correct:   in.Correct,
		Total:     in.Total,
		Timestamp: in.Timestamp.UTC(),
	}
	existing, err := a.store.InsertSubmission(ctx, sub)
	if errors.Is(err, store.ErrDuplicate) {
		if existing.BlockID == sub.BlockID && existing.Correct == sub.Correct && existing.Total == sub.Total {
			return OutcomeDuplicate, nil
		}
		a.logger.Warn(ctx, "conflicting duplicate submission ignored",
			zap.String("key", sub.Key),
			zap.String("reason", failure.CodeSubmissionConflict),
			zap.Int64("stored_correct", existing.Correct),
			zap.Int64("stored_total", existing.Total),
			zap.Int64("correct", sub.Correct),
			zap.Int64("total", sub.Total),
		)
		return OutcomeConflict, nil
	}
	if err != nil {
		return "", failure.New(failure.Transient, failure.CodeSubmissionConflict, fmt.Errorf("store submission: %w", err))
	}
	return OutcomeAccepted, nil
}

// Snapshots aggregates every block with submissions inside the policy window.
func (a *Aggregator) Snapshots(ctx context.Context) ([]models.SkillBlock, error) {
	policy := a.policy.Current()
	now := a.now().UTC()
	since := now.Add(-policy.Feed.Window.Duration())
	subs, err := a.store.ListSubmissions(ctx, "", since)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	byBlock := map[string][]models.Submission{}
	for _, s := range subs {
		byBlock[s.BlockID] = append(byBlock[s.BlockID], s)
	}
	ids := make([]string, 0, len(byBlock))
	for id := range byBlock {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.SkillBlock, 0, len(ids))
	for _, id := range ids {
		settled, err := a.store.LastSettled(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("last settled for %s: %w", id, err)
		}
		out = append(out, aggregate(id, byBlock[id], settled, since, policy.ForBlock(id)))
	}
	return out, nil
}

// Snapshot aggregates a single block. A block without submissions has zero samples.
func (a *Aggregator) Snapshot(ctx context.Context, blockID string) (models.SkillBlock, error) {
	policy := a.policy.Current()
	now := a.now().UTC()
	since := now.Add(-policy.Feed.Window.Duration())
	subs, err := a.store.ListSubmissions(ctx, blockID, since)
	if err != nil {
		return models.SkillBlock{}, fmt.Errorf("list submissions: %w", err)
	}
	settled, err := a.store.LastSettled(ctx, blockID)
	if err != nil {
		return models.SkillBlock{}, fmt.Errorf("last settled for %s: %w", blockID, err)
	}
	return aggregate(blockID, subs, settled, since, policy.ForBlock(blockID)), nil
}

func aggregate(blockID string, subs []models.Submission, settled, since time.Time, bp config.ResolvedBlock) models.SkillBlock {
	block := models.SkillBlock{
		ID:         blockID,
		Target:     bp.TargetAccuracy,
		MinSamples: bp.MinSamples,
		Since:      since,
	}
	var correct int64
	for _, s := range subs {
		correct += s.Correct
		block.SampleCount += s.Total
		if s.Timestamp.After(settled) {
			block.FreshSamples += s.Total
		}
		if s.Timestamp.After(block.LastSubmission) {
			block.LastSubmission = s.Timestamp
		}
	}
	if block.SampleCount > 0 {
		block.Accuracy = float64(correct) / float64(block.SampleCount)
	}
	block.Baseline = block.Accuracy
	return block
}
