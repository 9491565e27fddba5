// Package gate decides whether a training result earns a canary run.
package gate

import (
	"math"
	"strings"

	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/models"
)

// Tolerance absorbs float noise so that results exactly on a threshold accept.
const Tolerance = 1e-9

type Input struct {
	Result   models.TrainingResult
	Baseline float64
}

type Gains struct {
	Absolute float64 `json:"absolute"`
	Relative float64 `json:"relative"`
}

type Decision struct {
	Accepted bool     `json:"accepted"`
	Reasons  []string `json:"reasons,omitempty"`
	Gains    Gains    `json:"gains"`
}

// Primary is the first failing reason, or "" on accept.
func (d Decision) Primary() string {
	if len(d.Reasons) == 0 {
		return ""
	}
	return d.Reasons[0]
}

// Evaluate applies every promotion criterion to a result. It is pure. A malformed result
// short-circuits with result_invalid; otherwise all failing checks are reported in order.
func Evaluate(in Input, c models.Criteria) Decision {
	r := in.Result
	if invalid(r, in.Baseline) {
		return Decision{Reasons: []string{failure.CodeResultInvalid}}
	}

	gain := r.CandidateAccuracy - in.Baseline
	d := Decision{Gains: Gains{Absolute: gain}}
	if in.Baseline > 0 {
		d.Gains.Relative = gain / in.Baseline
	}

	if gain+Tolerance < c.MinAbsoluteGain {
		d.Reasons = append(d.Reasons, failure.CodeGainBelowAbsolute)
	}
	if in.Baseline > 0 {
		if d.Gains.Relative+Tolerance < c.MinRelativeGain {
			d.Reasons = append(d.Reasons, failure.CodeGainBelowRelative)
		}
	} else if gain <= 0 {
		// any real gain over a zero baseline is infinite relative improvement
		d.Reasons = append(d.Reasons, failure.CodeGainBelowRelative)
	}
	if r.ArtifactBytes < c.MinArtifactBytes {
		d.Reasons = append(d.Reasons, failure.CodeArtifactTooSmall)
	}
	if r.EvalLoss > r.TrainLoss+c.EvalLossSlack+Tolerance {
		d.Reasons = append(d.Reasons, failure.CodeEvalLossExceeds)
	}
	d.Accepted = len(d.Reasons) == 0
	return d
}

func invalid(r models.TrainingResult, baseline float64) bool {
	for _, v := range []float64{r.TrainLoss, r.EvalLoss, r.CandidateAccuracy, baseline} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	if r.ArtifactBytes < 0 || r.TrainLoss < 0 || r.EvalLoss < 0 {
		return true
	}
	if r.CandidateAccuracy < 0 || r.CandidateAccuracy > 1 || baseline < 0 || baseline > 1 {
		return true
	}
	return strings.TrimSpace(r.Checksum) == "" || strings.TrimSpace(r.ArtifactRef) == ""
}
