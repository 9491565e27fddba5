package gap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type fakeInFlight struct {
	busy map[string]bool
	errs map[string]error
}

func (f fakeInFlight) InFlight(_ context.Context, blockID string) (bool, error) {
	if err := f.errs[blockID]; err != nil {
		return false, err
	}
	return f.busy[blockID], nil
}

func block(id string, acc float64, samples, fresh int64) models.SkillBlock {
	return models.SkillBlock{ID: id, Accuracy: acc, SampleCount: samples, FreshSamples: fresh, Target: 0.80, MinSamples: 20}
}

func TestDetect(t *testing.T) {
	logger := logging.NewTestLogger()
	d := NewDetector(fakeInFlight{
		busy: map[string]bool{"prose": true},
		errs: map[string]error{"broken": errors.New("store unavailable")},
	}, logger.Logger)

	opps, skips := d.Detect(context.Background(), []models.SkillBlock{
		block("code", 0.67, 100, 100),
		block("math", 0.50, 100, 10),
		block("code", 0.10, 100, 100),
		block("fresh0", 0.40, 100, 0),
		block("small", 0.40, 19, 19),
		block("atgoal", 0.80, 100, 100),
		block("prose", 0.40, 100, 100),
		block("broken", 0.40, 100, 100),
	})

	require.Len(t, opps, 2)
	assert.Equal(t, "math", opps[0].BlockID, "ordered by severity")
	assert.InDelta(t, 0.30, opps[0].Severity, 1e-9)
	assert.Equal(t, "code", opps[1].BlockID)
	assert.InDelta(t, 0.13, opps[1].Severity, 1e-9)

	reasons := map[string]string{}
	for _, s := range skips {
		reasons[s.BlockID+"/"+s.Reason] = s.Reason
	}
	assert.Contains(t, reasons, "code/"+SkipDuplicate)
	assert.Contains(t, reasons, "fresh0/"+SkipNoFreshSamples)
	assert.Contains(t, reasons, "small/"+SkipInsufficientSamples)
	assert.Contains(t, reasons, "atgoal/"+SkipAtTarget)
	assert.Contains(t, reasons, "prose/"+SkipInFlight)
	assert.Contains(t, reasons, "broken/"+SkipError)
	logger.AssertLogged(t, zapcore.ErrorLevel, "gap detection failed")
}

func TestDetectMinSamplesBoundary(t *testing.T) {
	d := NewDetector(fakeInFlight{}, nil)
	opps, _ := d.Detect(context.Background(), []models.SkillBlock{block("code", 0.5, 20, 20)})
	require.Len(t, opps, 1)
}

func TestStoreInFlightCountsCompleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	check := StoreInFlight{Store: st}

	busy, err := check.InFlight(ctx, "code")
	require.NoError(t, err)
	assert.False(t, busy)

	_, err = st.CreateJob(ctx, models.JobSpec{BlockID: "code", Status: models.JobCompleted})
	require.NoError(t, err)
	busy, err = check.InFlight(ctx, "code")
	require.NoError(t, err)
	assert.True(t, busy)

	_, err = st.CreateJob(ctx, models.JobSpec{BlockID: "math", Status: models.JobRejected})
	require.NoError(t, err)
	busy, err = check.InFlight(ctx, "math")
	require.NoError(t, err)
	assert.False(t, busy)
}
