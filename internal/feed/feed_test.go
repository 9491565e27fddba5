package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

var now = time.Date(2026, 5, 2, 2, 15, 0, 0, time.UTC)

func newAggregator(t *testing.T) (*Aggregator, *store.MemoryStore, *logging.TestLogger) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := logging.NewTestLogger()
	a := NewAggregator(st, config.NewPolicyStore(config.DefaultPolicy()), logger.Logger)
	a.SetClock(func() time.Time { return now })
	return a, st, logger
}

func TestSubmitIdempotency(t *testing.T) {
	a, _, logger := newAggregator(t)
	ctx := context.Background()
	in := SubmissionInput{SubmissionID: "s-1", BlockID: "code", Correct: 67, Total: 100, Timestamp: now.Add(-time.Hour)}

	out, err := a.Submit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out)

	out, err = a.Submit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	in.Correct = 90
	out, err = a.Submit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, out)
	logger.AssertLogged(t, zapcore.WarnLevel, "conflicting duplicate")

	block, err := a.Snapshot(ctx, "code")
	require.NoError(t, err)
	assert.InDelta(t, 0.67, block.Accuracy, 1e-9)
}

func TestKeyFallsBackToBlockAndTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "code@2025-12-31T23:00:00Z", Key(SubmissionInput{BlockID: "code", Timestamp: ts}))
	assert.Equal(t, "abc", Key(SubmissionInput{SubmissionID: " abc ", BlockID: "code", Timestamp: ts}))
}

func TestSubmitValidation(t *testing.T) {
	a, _, _ := newAggregator(t)
	cases := []SubmissionInput{
		{Correct: 1, Total: 1, Timestamp: now},
		{BlockID: "code", Correct: 1, Total: 0, Timestamp: now},
		{BlockID: "code", Correct: 3, Total: 2, Timestamp: now},
		{BlockID: "code", Correct: 1, Total: 2},
	}
	for _, in := range cases {
		_, err := a.Submit(context.Background(), in)
		require.ErrorIs(t, err, ErrInvalidSubmission)
	}
}

func TestSnapshotsWindowAndFreshness(t *testing.T) {
	a, st, _ := newAggregator(t)
	ctx := context.Background()

	submit := func(block string, correct, total int64, at time.Time) {
		_, err := a.Submit(ctx, SubmissionInput{BlockID: block, Correct: correct, Total: total, Timestamp: at})
		require.NoError(t, err)
	}
	// out of order, and one outside the 7 day window
	submit("code", 30, 50, now.Add(-2*time.Hour))
	submit("code", 37, 50, now.Add(-48*time.Hour))
	submit("code", 0, 1000, now.Add(-30*24*time.Hour))
	submit("math", 9, 10, now.Add(-time.Hour))

	blocks, err := a.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	code := blocks[0]
	assert.Equal(t, "code", code.ID)
	assert.EqualValues(t, 100, code.SampleCount)
	assert.InDelta(t, 0.67, code.Accuracy, 1e-9)
	assert.EqualValues(t, 100, code.FreshSamples)
	assert.InDelta(t, 0.80, code.Target, 1e-9)

	job, err := st.CreateJob(ctx, models.JobSpec{BlockID: "code", Status: models.JobPromoted})
	require.NoError(t, err)
	st.SetClock(func() time.Time { return now.Add(-24 * time.Hour) })
	job.StatusReason = "settled"
	_, err = st.UpdateJob(ctx, job, models.JobPromoted)
	require.NoError(t, err)

	code, err = a.Snapshot(ctx, "code")
	require.NoError(t, err)
	assert.EqualValues(t, 50, code.FreshSamples, "only submissions after the last promotion are fresh")
}
