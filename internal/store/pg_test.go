package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/models"
)

var jobColumnNames = []string{"id", "name", "block_id", "base_model", "dataset_ref", "dataset_size", "hyperparameters",
	"criteria", "baseline", "strategy", "votes", "fingerprint", "status", "status_reason", "attempts", "worker_id",
	"claimed_at", "heartbeat_at", "not_before", "promotion_deferred", "promoted_at", "created_at", "updated_at"}

func jobRow(id uuid.UUID, status models.JobStatus, claimedAt interface{}) []driver.Value {
	now := time.Date(2026, 5, 1, 2, 15, 0, 0, time.UTC)
	return []driver.Value{
		id.String(), "night_20260501_code", "code", "base://specialist/v1", "failures://code/training", 40,
		[]byte(`{"rank":16,"alpha":32,"learningRate":0.0002,"epochs":3,"budgetUsd":0.2}`),
		[]byte(`{"minAbsoluteGain":0.05,"minRelativeGain":0.1,"maxLatencyIncreaseMs":50,"minArtifactBytes":1048576,"evalLossSlack":0.05}`),
		0.67, "threshold", []byte(`[]`), "fp", string(status), "", 1, "worker-a",
		claimedAt, nil, nil, false, nil, now, now,
	}
}

func TestPGClaimNextJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPGStore(db)

	id := uuid.New()
	now := time.Date(2026, 5, 1, 2, 16, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM evolution_jobs").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id.String()))
	mock.ExpectQuery("UPDATE evolution_jobs").
		WithArgs(id, "worker-a", now).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, models.JobClaimed, now)...))
	mock.ExpectCommit()

	job, err := s.ClaimNextJob(context.Background(), "worker-a", now)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobClaimed, job.Status)
	assert.Equal(t, 16, job.Hyperparameters.Rank)
	assert.EqualValues(t, 1<<20, job.Criteria.MinArtifactBytes)
	require.NotNil(t, job.ClaimedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimNextJobEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM evolution_jobs").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err = NewPGStore(db).ClaimNextJob(context.Background(), "w", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateJobConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPGStore(db)

	id := uuid.New()
	mock.ExpectQuery("UPDATE evolution_jobs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM evolution_jobs WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, models.JobRejected, nil)...))

	_, err = s.UpdateJob(context.Background(), models.JobSpec{ID: id, Status: models.JobTraining}, models.JobClaimed)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCompleteJobWritesStatusAndResultTogether(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE evolution_jobs").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, models.JobCompleted, nil)...))
	mock.ExpectExec("INSERT INTO training_results").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := NewPGStore(db).CompleteJob(context.Background(), models.JobSpec{ID: id, Status: models.JobCompleted},
		models.JobTraining, models.TrainingResult{ArtifactRef: "s3://a", Checksum: "sha256:a"})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCompleteJobLostStatusWritesNoResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE evolution_jobs").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT .* FROM evolution_jobs WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, models.JobQueued, nil)...))

	_, err = NewPGStore(db).CompleteJob(context.Background(), models.JobSpec{ID: id, Status: models.JobCompleted},
		models.JobTraining, models.TrainingResult{})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCompleteJobDuplicateRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE evolution_jobs").
		WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRow(id, models.JobCompleted, nil)...))
	mock.ExpectExec("INSERT INTO training_results").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = NewPGStore(db).CompleteJob(context.Background(), models.JobSpec{ID: id, Status: models.JobCompleted},
		models.JobTraining, models.TrainingResult{})
	require.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLiveArtifactRoundTripsPrevious(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPGStore(db)

	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	cur, prev := uuid.New(), uuid.New()
	mock.ExpectExec("INSERT INTO live_artifacts").
		WithArgs("code", cur, "a1", "sha256:a1", now, &prev, "a0", "sha256:a0", sqlmock.AnyArg(), &until, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.PutLiveArtifact(context.Background(), models.LiveArtifact{
		BlockID: "code", JobID: cur, ArtifactRef: "a1", Checksum: "sha256:a1", ActivatedAt: now,
		Previous:     &models.PriorArtifact{JobID: prev, ArtifactRef: "a0", Checksum: "sha256:a0", ActivatedAt: now.Add(-time.Hour)},
		MonitorUntil: &until,
	}))

	mock.ExpectQuery("SELECT block_id, job_id, artifact_ref, checksum, activated_at, previous_job_id").
		WillReturnRows(sqlmock.NewRows([]string{"block_id", "job_id", "artifact_ref", "checksum", "activated_at",
			"previous_job_id", "previous_ref", "previous_checksum", "previous_activated_at", "monitor_until", "reverted"}).
			AddRow("code", cur.String(), "a1", "sha256:a1", now, prev.String(), "a0", "sha256:a0", now.Add(-time.Hour), until, false))
	live, err := s.ListLiveArtifacts(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.NotNil(t, live[0].Previous)
	assert.Equal(t, prev, live[0].Previous.JobID)
	assert.Equal(t, "a0", live[0].Previous.ArtifactRef)
	require.NotNil(t, live[0].MonitorUntil)
	assert.Equal(t, until, *live[0].MonitorUntil)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGInsertSubmissionReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO feed_submissions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT key, block_id, correct, total, ts FROM feed_submissions").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "block_id", "correct", "total", "ts"}).AddRow("k1", "code", 67, 100, ts))

	existing, err := NewPGStore(db).InsertSubmission(context.Background(), models.Submission{Key: "k1", BlockID: "code", Correct: 1, Total: 100, Timestamp: ts})
	require.ErrorIs(t, err, ErrDuplicate)
	assert.EqualValues(t, 67, existing.Correct)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCountJobsUsesArray(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM evolution_jobs WHERE status = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	n, err := NewPGStore(db).CountJobs(context.Background(), models.JobQueued, models.JobClaimed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreIntegration(t *testing.T) {
	dsn := os.Getenv("EVOLUTION_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EVOLUTION_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db, Schema))

	s := NewPGStore(db)
	block := "it-" + uuid.NewString()[:8]
	job, err := s.CreateJob(ctx, models.JobSpec{BlockID: block, Name: "night_it_" + block, Status: models.JobQueued, Fingerprint: "fp"})
	require.NoError(t, err)

	claimed, err := s.ClaimNextJob(ctx, "it-worker", time.Now().UTC())
	require.NoError(t, err)
	if claimed.ID == job.ID {
		claimed.Status = models.JobRejected
		claimed.StatusReason = "trainer_failed"
		_, err = s.UpdateJob(ctx, claimed, models.JobClaimed)
		require.NoError(t, err)
		reason, err := s.LastRejection(ctx, block)
		require.NoError(t, err)
		assert.Equal(t, "trainer_failed", reason)
	}
}
