package proposal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ILLUVRSE/evolution/internal/models"
)

// Candidate is one hyperparameter preset put to the vote.
type Candidate struct {
	Preset          string
	Hyperparameters models.Hyperparameters
	// Intensity is rank*epochs relative to the block's standard preset.
	Intensity float64
}

// Perspective scores a candidate for an opportunity. Score must be pure: same inputs, same
// output, no I/O.
type Perspective struct {
	Name   string
	Weight float64
	Score  func(opp models.Opportunity, c Candidate) (float64, string)
}

const hardBudgetCeiling = 999 * time.Millisecond

// Presets derives the conservative, standard and aggressive candidates from base.
func Presets(base models.Hyperparameters) []Candidate {
	conservative := base
	conservative.Rank = max(base.Rank/2, 4)
	conservative.Alpha = max(base.Alpha/2, 8)
	conservative.LearningRate = roundRate(base.LearningRate / 2)
	conservative.Epochs = max(base.Epochs-1, 1)

	aggressive := base
	aggressive.Rank = min(base.Rank*2, maxRank)
	aggressive.Alpha = base.Alpha * 2
	aggressive.LearningRate = roundRate(base.LearningRate * 1.5)
	aggressive.Epochs = base.Epochs + 2

	out := []Candidate{
		{Preset: "conservative", Hyperparameters: conservative},
		{Preset: "standard", Hyperparameters: base},
		{Preset: "aggressive", Hyperparameters: aggressive},
	}
	ref := float64(max(base.Rank, 1) * max(base.Epochs, 1))
	for i := range out {
		h := out[i].Hyperparameters
		out[i].Intensity = float64(h.Rank*h.Epochs) / ref
	}
	return out
}

// DefaultPerspectives is the standing panel. Weights may be overridden per name by policy.
func DefaultPerspectives() []Perspective {
	return []Perspective{
		{Name: "impact", Weight: 1, Score: scoreImpact},
		{Name: "risk", Weight: 1, Score: scoreRisk},
		{Name: "cost", Weight: 1, Score: scoreCost},
		{Name: "evidence", Weight: 1, Score: scoreEvidence},
	}
}

// impact wants capacity proportional to how far the block is from target.
func scoreImpact(opp models.Opportunity, c Candidate) (float64, string) {
	desired := 0.5 + 10*opp.Severity
	dist := math.Abs(math.Log(c.Intensity / desired))
	return 1 / (1 + dist), fmt.Sprintf("severity %.3f wants intensity %.2f, %s offers %.2f", opp.Severity, desired, c.Preset, c.Intensity)
}

// risk penalizes anything beyond the standard schedule.
func scoreRisk(_ models.Opportunity, c Candidate) (float64, string) {
	over := math.Max(0, math.Log(c.Intensity))
	return 1 / (1 + over), fmt.Sprintf("%s runs at %.2fx the standard schedule", c.Preset, c.Intensity)
}

// cost compares the projected spend with 1.5x the configured per-job budget.
func scoreCost(_ models.Opportunity, c Candidate) (float64, string) {
	budget := c.Hyperparameters.BudgetUSD
	if budget <= 0 {
		return 1, "no training budget configured"
	}
	projected := budget * c.Intensity
	return math.Min(1, 1.5*budget/projected), fmt.Sprintf("projected $%.2f against $%.2f budget", projected, budget)
}

// evidence asks for enough observed samples to support the candidate's capacity.
func scoreEvidence(opp models.Opportunity, c Candidate) (float64, string) {
	need := 50 * c.Intensity
	return math.Min(1, float64(opp.SampleCount)/need), fmt.Sprintf("%d samples observed, %.0f wanted", opp.SampleCount, need)
}

type roundTable struct {
	perspectives []Perspective
}

// NewRoundTable returns the multi-perspective strategy over the given panel.
func NewRoundTable(perspectives ...Perspective) Strategy {
	if len(perspectives) == 0 {
		perspectives = DefaultPerspectives()
	}
	return &roundTable{perspectives: perspectives}
}

func (r *roundTable) Name() string { return StrategyRoundTable }

type tally struct {
	candidate Candidate
	votes     []models.PerspectiveVote
	approval  float64
	score     float64
}

// Propose scores every preset under the time budget and returns the best candidate that
// reached quorum, or nothing.
func (r *roundTable) Propose(ctx context.Context, opp models.Opportunity, pc Context) ([]models.JobSpec, error) {
	budget := pc.Policy.TimeBudget.Duration()
	if budget <= 0 || budget > hardBudgetCeiling {
		budget = hardBudgetCeiling
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	panel := r.weighted(pc.Policy.Weights)
	var results []tally
	for _, c := range Presets(pc.Training) {
		results = append(results, r.vote(ctx, panel, opp, c, pc.Policy.ApprovalScore))
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	for _, t := range results {
		if t.approval+1e-9 < pc.Policy.Quorum {
			continue
		}
		spec := pc.Template
		spec.Hyperparameters = t.candidate.Hyperparameters
		spec.Votes = t.votes
		return []models.JobSpec{spec}, nil
	}
	return nil, nil
}

func (r *roundTable) weighted(overrides map[string]float64) []Perspective {
	panel := make([]Perspective, len(r.perspectives))
	copy(panel, r.perspectives)
	for i := range panel {
		if w, ok := overrides[panel[i].Name]; ok {
			panel[i].Weight = w
		}
	}
	return panel
}

type scored struct {
	idx       int
	score     float64
	rationale string
}

// vote runs each perspective concurrently. A perspective that has not answered when ctx
// expires abstains; its weight still counts toward the quorum denominator.
func (r *roundTable) vote(ctx context.Context, panel []Perspective, opp models.Opportunity, c Candidate, approvalScore float64) tally {
	out := make(chan scored, len(panel))
	for i, p := range panel {
		go func(i int, p Perspective) {
			s, why := p.Score(opp, c)
			out <- scored{idx: i, score: s, rationale: why}
		}(i, p)
	}

	votes := make([]models.PerspectiveVote, len(panel))
	for i, p := range panel {
		votes[i] = models.PerspectiveVote{Perspective: p.Name, Weight: p.Weight, Abstained: true, Rationale: "no answer within time budget"}
	}
	for received := 0; received < len(panel); received++ {
		select {
		case s := <-out:
			score := s.score
			if math.IsNaN(score) {
				score = 0
			}
			score = math.Max(0, math.Min(1, score))
			votes[s.idx].Score = score
			votes[s.idx].Rationale = fmt.Sprintf("%s: %s", c.Preset, s.rationale)
			votes[s.idx].Abstained = false
		case <-ctx.Done():
			received = len(panel)
		}
	}

	var total, approving, scoredWeight, weightedScore float64
	for _, v := range votes {
		total += v.Weight
		if v.Abstained {
			continue
		}
		scoredWeight += v.Weight
		weightedScore += v.Weight * v.Score
		if v.Score >= approvalScore {
			approving += v.Weight
		}
	}
	t := tally{candidate: c, votes: votes}
	if total > 0 {
		t.approval = approving / total
	}
	if scoredWeight > 0 {
		t.score = weightedScore / scoredWeight
	}
	return t
}
