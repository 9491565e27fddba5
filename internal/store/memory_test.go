package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/models"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore() (*MemoryStore, *stepClock) {
	clock := &stepClock{t: time.Date(2026, 5, 1, 2, 15, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.SetClock(clock.now)
	return s, clock
}

func queuedJob(block string) models.JobSpec {
	return models.JobSpec{BlockID: block, Name: "night_20260501_" + block, Status: models.JobQueued, Fingerprint: "fp-" + block}
}

func TestClaimNextJobOldestEligible(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	first, err := s.CreateJob(ctx, queuedJob("code"))
	require.NoError(t, err)
	later := clock.t.Add(time.Hour)
	deferred := queuedJob("math")
	deferred.NotBefore = &later
	_, err = s.CreateJob(ctx, deferred)
	require.NoError(t, err)
	second, err := s.CreateJob(ctx, queuedJob("prose"))
	require.NoError(t, err)

	claimed, err := s.ClaimNextJob(ctx, "worker-a", clock.t)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.JobClaimed, claimed.Status)
	assert.Equal(t, "worker-a", claimed.WorkerID)
	require.NotNil(t, claimed.ClaimedAt)

	claimed, err = s.ClaimNextJob(ctx, "worker-b", clock.t)
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed.ID, "job behind not-before is skipped")

	_, err = s.ClaimNextJob(ctx, "worker-c", clock.t)
	require.ErrorIs(t, err, ErrNotFound)

	claimed, err = s.ClaimNextJob(ctx, "worker-c", later.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "math", claimed.BlockID)
}

func TestUpdateJobCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	job, err := s.CreateJob(ctx, queuedJob("code"))
	require.NoError(t, err)

	job.Status = models.JobClaimed
	updated, err := s.UpdateJob(ctx, job, models.JobQueued)
	require.NoError(t, err)
	assert.Equal(t, models.JobClaimed, updated.Status)

	job.Status = models.JobRejected
	_, err = s.UpdateJob(ctx, job, models.JobQueued)
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.UpdateJob(ctx, models.JobSpec{ID: uuid.New()}, models.JobQueued)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredJobsUsesLastHeartbeat(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()
	_, err := s.CreateJob(ctx, queuedJob("code"))
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, queuedJob("math"))
	require.NoError(t, err)

	start := clock.t
	a, err := s.ClaimNextJob(ctx, "w1", start)
	require.NoError(t, err)
	b, err := s.ClaimNextJob(ctx, "w2", start)
	require.NoError(t, err)

	beat := start.Add(4 * time.Minute)
	b.Status = models.JobTraining
	b.HeartbeatAt = &beat
	_, err = s.UpdateJob(ctx, b, models.JobClaimed)
	require.NoError(t, err)

	expired, err := s.ExpiredJobs(ctx, start.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)
}

func TestCompleteJobIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	job, err := s.CreateJob(ctx, queuedJob("code"))
	require.NoError(t, err)
	r := models.TrainingResult{ArtifactRef: "s3://a", Checksum: "abc"}

	done := job
	done.Status = models.JobCompleted
	_, err = s.CompleteJob(ctx, done, models.JobTraining, r)
	require.ErrorIs(t, err, ErrConflict)
	_, err = s.GetResult(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound, "a lost compare-and-set stores no result")

	completed, err := s.CompleteJob(ctx, done, models.JobQueued, r)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, completed.Status)
	got, err := s.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Checksum)
	assert.Equal(t, job.ID, got.JobID)

	_, err = s.CompleteJob(ctx, done, models.JobCompleted, r)
	require.ErrorIs(t, err, ErrDuplicate)
	_, err = s.CompleteJob(ctx, models.JobSpec{ID: uuid.New()}, models.JobTraining, r)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmissionsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sub := models.Submission{Key: "k1", BlockID: "code", Correct: 67, Total: 100, Timestamp: ts}

	_, err := s.InsertSubmission(ctx, sub)
	require.NoError(t, err)
	conflicting := sub
	conflicting.Correct = 1
	existing, err := s.InsertSubmission(ctx, conflicting)
	require.ErrorIs(t, err, ErrDuplicate)
	assert.EqualValues(t, 67, existing.Correct)

	list, err := s.ListSubmissions(ctx, "code", ts.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRejectionHistory(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	job, err := s.CreateJob(ctx, queuedJob("code"))
	require.NoError(t, err)

	_, err = s.LastRejection(ctx, "code")
	require.ErrorIs(t, err, ErrNotFound)

	for _, step := range []models.JobStatus{models.JobClaimed, models.JobRejected} {
		prev := job.Status
		job.Status = step
		job.StatusReason = "gain_below_absolute_threshold"
		job, err = s.UpdateJob(ctx, job, prev)
		require.NoError(t, err)
	}

	reason, err := s.LastRejection(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, "gain_below_absolute_threshold", reason)

	seen, err := s.HasRejectedFingerprint(ctx, "code", "fp-code")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = s.HasRejectedFingerprint(ctx, "math", "fp-code")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestFailuresFilteredByPartition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range []models.Partition{models.PartitionCanary, models.PartitionTraining, models.PartitionCanary} {
		_, err := s.InsertFailure(ctx, models.FailureSample{
			ID: string(rune('a' + i)), BlockID: "code", Partition: p, CollectedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := s.InsertFailure(ctx, models.FailureSample{ID: "a", BlockID: "code", Partition: models.PartitionTraining})
	require.ErrorIs(t, err, ErrDuplicate)

	canary, err := s.ListFailures(ctx, FailureFilter{BlockID: "code", Partition: models.PartitionCanary})
	require.NoError(t, err)
	require.Len(t, canary, 2)
	assert.Equal(t, "c", canary[0].ID, "newest first")

	n, err := s.CountFailures(ctx, "code", models.PartitionTraining, base)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountFailures(ctx, "code", models.PartitionTraining, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLiveArtifacts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	require.NoError(t, s.PutLiveArtifact(ctx, models.LiveArtifact{BlockID: "math", ArtifactRef: "m1"}))
	require.NoError(t, s.PutLiveArtifact(ctx, models.LiveArtifact{BlockID: "code", ArtifactRef: "c1"}))
	require.NoError(t, s.PutLiveArtifact(ctx, models.LiveArtifact{BlockID: "code", ArtifactRef: "c2"}))

	live, err := s.ListLiveArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "c2", live[0].ArtifactRef)

	require.NoError(t, s.DeleteLiveArtifact(ctx, "code"))
	live, err = s.ListLiveArtifacts(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}
