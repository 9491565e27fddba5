package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/evolution/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set lost: the row changed underneath the caller.
	ErrConflict = errors.New("conflict")
	// ErrDuplicate means a write-once record already exists.
	ErrDuplicate = errors.New("duplicate")
)

type Store interface {
	CreateJob(ctx context.Context, job models.JobSpec) (models.JobSpec, error)
	GetJob(ctx context.Context, id uuid.UUID) (models.JobSpec, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]models.JobSpec, error)
	// ClaimNextJob hands the oldest Queued job whose not-before has passed to workerID.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (models.JobSpec, error)
	// UpdateJob writes job only if the stored status still equals expected.
	UpdateJob(ctx context.Context, job models.JobSpec, expected models.JobStatus) (models.JobSpec, error)
	// ExpiredJobs lists Claimed/Training jobs whose last sign of life is before deadline.
	ExpiredJobs(ctx context.Context, deadline time.Time) ([]models.JobSpec, error)
	CountJobs(ctx context.Context, statuses ...models.JobStatus) (int, error)
	HasRejectedFingerprint(ctx context.Context, blockID, fingerprint string) (bool, error)
	// LastRejection returns the reason of the newest Rejected job for the block.
	LastRejection(ctx context.Context, blockID string) (string, error)
	// LastSettled is when the block last had a job Promoted or RolledBack; zero if never.
	LastSettled(ctx context.Context, blockID string) (time.Time, error)

	// CompleteJob moves job from expected to job.Status and stores its TrainingResult in one
	// step. A lost compare-and-set writes nothing and returns ErrConflict.
	CompleteJob(ctx context.Context, job models.JobSpec, expected models.JobStatus, r models.TrainingResult) (models.JobSpec, error)
	GetResult(ctx context.Context, jobID uuid.UUID) (models.TrainingResult, error)
	SaveCanaryReport(ctx context.Context, r models.CanaryReport) error
	GetCanaryReport(ctx context.Context, jobID uuid.UUID) (models.CanaryReport, error)

	// InsertSubmission stores s once per key. On a repeat it returns the stored
	// submission and ErrDuplicate.
	InsertSubmission(ctx context.Context, s models.Submission) (models.Submission, error)
	ListSubmissions(ctx context.Context, blockID string, since time.Time) ([]models.Submission, error)

	InsertFailure(ctx context.Context, f models.FailureSample) (models.FailureSample, error)
	ListFailures(ctx context.Context, filter FailureFilter) ([]models.FailureSample, error)
	CountFailures(ctx context.Context, blockID string, partition models.Partition, through time.Time) (int, error)

	PutLiveArtifact(ctx context.Context, a models.LiveArtifact) error
	DeleteLiveArtifact(ctx context.Context, blockID string) error
	ListLiveArtifacts(ctx context.Context) ([]models.LiveArtifact, error)

	Ping(ctx context.Context) error
}

type JobFilter struct {
	BlockID  string
	Statuses []models.JobStatus
	Limit    int
	Offset   int
}

type FailureFilter struct {
	BlockID   string
	Partition models.Partition
	Through   time.Time
	Limit     int
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
