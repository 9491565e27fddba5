package gate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/models"
)

var defaults = models.Criteria{
	MinAbsoluteGain:      0.05,
	MinRelativeGain:      0.10,
	MaxLatencyIncreaseMs: 50,
	MinArtifactBytes:     1 << 20,
	EvalLossSlack:        0.05,
}

func result(acc float64) models.TrainingResult {
	return models.TrainingResult{
		ArtifactRef:       "s3://artifacts/code.safetensors",
		Checksum:          "sha256:abc",
		ArtifactBytes:     2 << 20,
		TrainLoss:         0.40,
		EvalLoss:          0.42,
		CandidateAccuracy: acc,
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name     string
		baseline float64
		mutate   func(*models.TrainingResult)
		accepted bool
		reasons  []string
	}{
		{name: "clear improvement", baseline: 0.67, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.90 }, accepted: true},
		{name: "gain too small", baseline: 0.67, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.70 },
			reasons: []string{failure.CodeGainBelowAbsolute, failure.CodeGainBelowRelative}},
		{name: "absolute threshold exactly", baseline: 0.45, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.50 }, accepted: true},
		{name: "one unit below absolute", baseline: 0.45, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.4999 },
			reasons: []string{failure.CodeGainBelowAbsolute}},
		{name: "relative threshold exactly", baseline: 0.60, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.66 }, accepted: true},
		{name: "one unit below relative", baseline: 0.60, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.6599 },
			reasons: []string{failure.CodeGainBelowRelative}},
		{name: "artifact exactly minimum", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.7; r.ArtifactBytes = 1 << 20 }, accepted: true},
		{name: "artifact one byte short", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.7; r.ArtifactBytes = 1<<20 - 1 },
			reasons: []string{failure.CodeArtifactTooSmall}},
		{name: "eval loss at slack", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.7; r.EvalLoss = 0.45 }, accepted: true},
		{name: "eval loss over slack", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.7; r.EvalLoss = 0.4501 },
			reasons: []string{failure.CodeEvalLossExceeds}},
		{name: "zero baseline with gain", baseline: 0, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.3 }, accepted: true},
		{name: "nan accuracy", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = math.NaN() },
			reasons: []string{failure.CodeResultInvalid}},
		{name: "accuracy above one", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 1.2 },
			reasons: []string{failure.CodeResultInvalid}},
		{name: "negative size", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.9; r.ArtifactBytes = -1 },
			reasons: []string{failure.CodeResultInvalid}},
		{name: "missing checksum", baseline: 0.5, mutate: func(r *models.TrainingResult) { r.CandidateAccuracy = 0.9; r.Checksum = " " },
			reasons: []string{failure.CodeResultInvalid}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := result(0)
			tc.mutate(&r)
			d := Evaluate(Input{Result: r, Baseline: tc.baseline}, defaults)
			assert.Equal(t, tc.accepted, d.Accepted)
			assert.Equal(t, tc.reasons, d.Reasons)
			if !tc.accepted {
				assert.Equal(t, tc.reasons[0], d.Primary())
			}
		})
	}
}

func TestEvaluateReportsGains(t *testing.T) {
	d := Evaluate(Input{Result: result(0.90), Baseline: 0.67}, defaults)
	assert.True(t, d.Accepted)
	assert.Empty(t, d.Primary())
	assert.InDelta(t, 0.23, d.Gains.Absolute, 1e-9)
	assert.InDelta(t, 0.23/0.67, d.Gains.Relative, 1e-9)
}
