package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/evolution/internal/models"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const jobColumns = `id, name, block_id, base_model, dataset_ref, dataset_size, hyperparameters, criteria,
	baseline, strategy, votes, fingerprint, status, status_reason, attempts, worker_id,
	claimed_at, heartbeat_at, not_before, promotion_deferred, promoted_at, created_at, updated_at`

func scanJob(row rowScanner) (models.JobSpec, error) {
	var (
		job         models.JobSpec
		hyper       []byte
		criteria    []byte
		votes       []byte
		status      string
		claimedAt   sql.NullTime
		heartbeatAt sql.NullTime
		notBefore   sql.NullTime
		promotedAt  sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Name,
		&job.BlockID,
		&job.BaseModel,
		&job.DatasetRef,
		&job.DatasetSize,
		&hyper,
		&criteria,
		&job.Baseline,
		&job.Strategy,
		&votes,
		&job.Fingerprint,
		&status,
		&job.StatusReason,
		&job.Attempts,
		&job.WorkerID,
		&claimedAt,
		&heartbeatAt,
		&notBefore,
		&job.PromotionDeferred,
		&promotedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.JobSpec{}, err
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(hyper, &job.Hyperparameters); err != nil {
		return models.JobSpec{}, fmt.Errorf("decode hyperparameters: %w", err)
	}
	if err := json.Unmarshal(criteria, &job.Criteria); err != nil {
		return models.JobSpec{}, fmt.Errorf("decode criteria: %w", err)
	}
	if len(votes) > 0 && string(votes) != "null" {
		if err := json.Unmarshal(votes, &job.Votes); err != nil {
			return models.JobSpec{}, fmt.Errorf("decode votes: %w", err)
		}
	}
	job.ClaimedAt = nullTime(claimedAt)
	job.HeartbeatAt = nullTime(heartbeatAt)
	job.NotBefore = nullTime(notBefore)
	job.PromotedAt = nullTime(promotedAt)
	return job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func encodeJobJSON(job models.JobSpec) (hyper, criteria, votes []byte, err error) {
	if hyper, err = json.Marshal(job.Hyperparameters); err != nil {
		return nil, nil, nil, fmt.Errorf("encode hyperparameters: %w", err)
	}
	if criteria, err = json.Marshal(job.Criteria); err != nil {
		return nil, nil, nil, fmt.Errorf("encode criteria: %w", err)
	}
	v := job.Votes
	if v == nil {
		v = []models.PerspectiveVote{}
	}
	if votes, err = json.Marshal(v); err != nil {
		return nil, nil, nil, fmt.Errorf("encode votes: %w", err)
	}
	return hyper, criteria, votes, nil
}

func (s *PGStore) CreateJob(ctx context.Context, job models.JobSpec) (models.JobSpec, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	hyper, criteria, votes, err := encodeJobJSON(job)
	if err != nil {
		return models.JobSpec{}, err
	}
	query := `
		INSERT INTO evolution_jobs (id, name, block_id, base_model, dataset_ref, dataset_size, hyperparameters,
			criteria, baseline, strategy, votes, fingerprint, status, status_reason, attempts, worker_id,
			claimed_at, heartbeat_at, not_before, promotion_deferred, promoted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING ` + jobColumns
	row := s.db.QueryRowContext(ctx, query,
		job.ID, job.Name, job.BlockID, job.BaseModel, job.DatasetRef, job.DatasetSize, hyper,
		criteria, job.Baseline, job.Strategy, votes, job.Fingerprint, string(job.Status), job.StatusReason,
		job.Attempts, job.WorkerID, job.ClaimedAt, job.HeartbeatAt, job.NotBefore, job.PromotionDeferred, job.PromotedAt,
	)
	created, err := scanJob(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.JobSpec{}, ErrDuplicate
		}
		return models.JobSpec{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

func (s *PGStore) GetJob(ctx context.Context, id uuid.UUID) (models.JobSpec, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM evolution_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobSpec{}, ErrNotFound
		}
		return models.JobSpec{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PGStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]models.JobSpec, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	jobs := []models.JobSpec{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *PGStore) ListJobs(ctx context.Context, filter JobFilter) ([]models.JobSpec, error) {
	query := `SELECT ` + jobColumns + ` FROM evolution_jobs WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.BlockID != "" {
		query += fmt.Sprintf(" AND block_id = $%d", argPos)
		args = append(args, filter.BlockID)
		argPos++
	}
	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argPos)
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *PGStore) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (models.JobSpec, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectQueued = `
		SELECT id FROM evolution_jobs
		WHERE status = 'queued' AND (not_before IS NULL OR not_before <= $1)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	var jobID uuid.UUID
	if err := tx.QueryRowContext(ctx, selectQueued, now).Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobSpec{}, ErrNotFound
		}
		return models.JobSpec{}, fmt.Errorf("select queued job: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE evolution_jobs
		SET status = 'claimed', worker_id = $2, claimed_at = $3, heartbeat_at = NULL, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, workerID, now)
	job, err := scanJob(row)
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.JobSpec{}, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// casJob returns sql.ErrNoRows when the stored status is not expected.
func casJob(ctx context.Context, q rowQuerier, job models.JobSpec, expected models.JobStatus) (models.JobSpec, error) {
	hyper, criteria, votes, err := encodeJobJSON(job)
	if err != nil {
		return models.JobSpec{}, err
	}
	row := q.QueryRowContext(ctx, `
		UPDATE evolution_jobs
		SET status = $3, status_reason = $4, attempts = $5, worker_id = $6, claimed_at = $7,
		    heartbeat_at = $8, not_before = $9, promotion_deferred = $10, hyperparameters = $11,
		    criteria = $12, votes = $13, promoted_at = $14, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		job.ID, string(expected), string(job.Status), job.StatusReason, job.Attempts, job.WorkerID,
		job.ClaimedAt, job.HeartbeatAt, job.NotBefore, job.PromotionDeferred, hyper, criteria, votes, job.PromotedAt,
	)
	return scanJob(row)
}

// lostCAS tells a missing row from a status mismatch after casJob found nothing.
func (s *PGStore) lostCAS(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *PGStore) UpdateJob(ctx context.Context, job models.JobSpec, expected models.JobStatus) (models.JobSpec, error) {
	updated, err := casJob(ctx, s.db, job, expected)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobSpec{}, s.lostCAS(ctx, job.ID)
	}
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("update job: %w", err)
	}
	return updated, nil
}

func (s *PGStore) ExpiredJobs(ctx context.Context, deadline time.Time) ([]models.JobSpec, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM evolution_jobs
		WHERE status IN ('claimed', 'training') AND COALESCE(heartbeat_at, claimed_at) < $1
		ORDER BY created_at`, deadline)
}

func (s *PGStore) CountJobs(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evolution_jobs WHERE status = ANY($1)`,
		pq.Array(statusStrings(statuses))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *PGStore) HasRejectedFingerprint(ctx context.Context, blockID, fingerprint string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM evolution_jobs WHERE block_id = $1 AND fingerprint = $2 AND status = 'rejected')`,
		blockID, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists, nil
}

func (s *PGStore) LastRejection(ctx context.Context, blockID string) (string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx, `
		SELECT status_reason FROM evolution_jobs
		WHERE block_id = $1 AND status = 'rejected'
		ORDER BY updated_at DESC LIMIT 1`, blockID).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("last rejection: %w", err)
	}
	return reason, nil
}

func (s *PGStore) LastSettled(ctx context.Context, blockID string) (time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(updated_at) FROM evolution_jobs
		WHERE block_id = $1 AND status IN ('promoted', 'rolled_back')`, blockID).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last settled: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time.UTC(), nil
}

func (s *PGStore) CompleteJob(ctx context.Context, job models.JobSpec, expected models.JobStatus, r models.TrainingResult) (models.JobSpec, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	updated, err := casJob(ctx, tx, job, expected)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return models.JobSpec{}, s.lostCAS(ctx, job.ID)
	}
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("complete job: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO training_results (job_id, artifact_ref, checksum, artifact_bytes, train_loss, eval_loss,
			candidate_accuracy, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (job_id) DO NOTHING`,
		job.ID, r.ArtifactRef, r.Checksum, r.ArtifactBytes, r.TrainLoss, r.EvalLoss, r.CandidateAccuracy, r.ReceivedAt)
	if err != nil {
		return models.JobSpec{}, fmt.Errorf("insert training result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.JobSpec{}, ErrDuplicate
	}
	if err := tx.Commit(); err != nil {
		return models.JobSpec{}, fmt.Errorf("commit completion: %w", err)
	}
	return updated, nil
}

func (s *PGStore) GetResult(ctx context.Context, jobID uuid.UUID) (models.TrainingResult, error) {
	var r models.TrainingResult
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, artifact_ref, checksum, artifact_bytes, train_loss, eval_loss, candidate_accuracy, received_at
		FROM training_results WHERE job_id = $1`, jobID).
		Scan(&r.JobID, &r.ArtifactRef, &r.Checksum, &r.ArtifactBytes, &r.TrainLoss, &r.EvalLoss, &r.CandidateAccuracy, &r.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrainingResult{}, ErrNotFound
	}
	if err != nil {
		return models.TrainingResult{}, fmt.Errorf("get training result: %w", err)
	}
	return r, nil
}

func (s *PGStore) SaveCanaryReport(ctx context.Context, r models.CanaryReport) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canary_reports (job_id, sample_ids, error_rate, latency_delta_ms, passed, reason, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (job_id) DO NOTHING`,
		r.JobID, pq.Array(r.SampleIDs), r.ErrorRate, r.LatencyDeltaMs, r.Passed, r.Reason, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert canary report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PGStore) GetCanaryReport(ctx context.Context, jobID uuid.UUID) (models.CanaryReport, error) {
	var r models.CanaryReport
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, sample_ids, error_rate, latency_delta_ms, passed, reason, completed_at
		FROM canary_reports WHERE job_id = $1`, jobID).
		Scan(&r.JobID, pq.Array(&r.SampleIDs), &r.ErrorRate, &r.LatencyDeltaMs, &r.Passed, &r.Reason, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CanaryReport{}, ErrNotFound
	}
	if err != nil {
		return models.CanaryReport{}, fmt.Errorf("get canary report: %w", err)
	}
	return r, nil
}

func (s *PGStore) InsertSubmission(ctx context.Context, sub models.Submission) (models.Submission, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_submissions (key, block_id, correct, total, ts)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (key) DO NOTHING`, sub.Key, sub.BlockID, sub.Correct, sub.Total, sub.Timestamp)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return sub, nil
	}
	var existing models.Submission
	err = s.db.QueryRowContext(ctx, `SELECT key, block_id, correct, total, ts FROM feed_submissions WHERE key = $1`, sub.Key).
		Scan(&existing.Key, &existing.BlockID, &existing.Correct, &existing.Total, &existing.Timestamp)
	if err != nil {
		return models.Submission{}, fmt.Errorf("load existing submission: %w", err)
	}
	existing.Timestamp = existing.Timestamp.UTC()
	return existing, ErrDuplicate
}

func (s *PGStore) ListSubmissions(ctx context.Context, blockID string, since time.Time) ([]models.Submission, error) {
	query := `SELECT key, block_id, correct, total, ts FROM feed_submissions WHERE ts >= $1`
	args := []interface{}{since}
	if blockID != "" {
		query += ` AND block_id = $2`
		args = append(args, blockID)
	}
	query += ` ORDER BY ts, key`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	out := []models.Submission{}
	for rows.Next() {
		var sub models.Submission
		if err := rows.Scan(&sub.Key, &sub.BlockID, &sub.Correct, &sub.Total, &sub.Timestamp); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.Timestamp = sub.Timestamp.UTC()
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

const failureColumns = `id, block_id, input_ref, failure_reason, partition, collected_at`

func scanFailure(row rowScanner) (models.FailureSample, error) {
	var (
		f         models.FailureSample
		partition string
	)
	if err := row.Scan(&f.ID, &f.BlockID, &f.InputRef, &f.FailureReason, &partition, &f.CollectedAt); err != nil {
		return models.FailureSample{}, err
	}
	f.Partition = models.Partition(partition)
	f.CollectedAt = f.CollectedAt.UTC()
	return f, nil
}

func (s *PGStore) InsertFailure(ctx context.Context, f models.FailureSample) (models.FailureSample, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_samples (`+failureColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING`,
		f.ID, f.BlockID, f.InputRef, f.FailureReason, string(f.Partition), f.CollectedAt)
	if err != nil {
		return models.FailureSample{}, fmt.Errorf("insert failure sample: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return f, nil
	}
	existing, err := scanFailure(s.db.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM failure_samples WHERE id = $1`, f.ID))
	if err != nil {
		return models.FailureSample{}, fmt.Errorf("load existing failure sample: %w", err)
	}
	return existing, ErrDuplicate
}

func failureWhere(blockID string, partition models.Partition, through time.Time) (string, []interface{}) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	if blockID != "" {
		args = append(args, blockID)
		where += fmt.Sprintf(" AND block_id = $%d", len(args))
	}
	if partition != "" {
		args = append(args, string(partition))
		where += fmt.Sprintf(" AND partition = $%d", len(args))
	}
	if !through.IsZero() {
		args = append(args, through)
		where += fmt.Sprintf(" AND collected_at <= $%d", len(args))
	}
	return where, args
}

func (s *PGStore) ListFailures(ctx context.Context, filter FailureFilter) ([]models.FailureSample, error) {
	where, args := failureWhere(filter.BlockID, filter.Partition, filter.Through)
	query := `SELECT ` + failureColumns + ` FROM failure_samples` + where + ` ORDER BY collected_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failure samples: %w", err)
	}
	defer rows.Close()
	out := []models.FailureSample{}
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure sample: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure samples: %w", err)
	}
	return out, nil
}

func (s *PGStore) CountFailures(ctx context.Context, blockID string, partition models.Partition, through time.Time) (int, error) {
	where, args := failureWhere(blockID, partition, through)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failure_samples`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failure samples: %w", err)
	}
	return n, nil
}

func (s *PGStore) PutLiveArtifact(ctx context.Context, a models.LiveArtifact) error {
	var (
		prevJob      *uuid.UUID
		prevRef      string
		prevChecksum string
		prevAt       *time.Time
	)
	if p := a.Previous; p != nil {
		id, at := p.JobID, p.ActivatedAt
		prevJob, prevRef, prevChecksum, prevAt = &id, p.ArtifactRef, p.Checksum, &at
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_artifacts (block_id, job_id, artifact_ref, checksum, activated_at, previous_job_id,
			previous_ref, previous_checksum, previous_activated_at, monitor_until, reverted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (block_id) DO UPDATE
		SET job_id = EXCLUDED.job_id, artifact_ref = EXCLUDED.artifact_ref,
		    checksum = EXCLUDED.checksum, activated_at = EXCLUDED.activated_at,
		    previous_job_id = EXCLUDED.previous_job_id, previous_ref = EXCLUDED.previous_ref,
		    previous_checksum = EXCLUDED.previous_checksum, previous_activated_at = EXCLUDED.previous_activated_at,
		    monitor_until = EXCLUDED.monitor_until, reverted = EXCLUDED.reverted`,
		a.BlockID, a.JobID, a.ArtifactRef, a.Checksum, a.ActivatedAt, prevJob,
		prevRef, prevChecksum, prevAt, a.MonitorUntil, a.Reverted)
	if err != nil {
		return fmt.Errorf("upsert live artifact: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteLiveArtifact(ctx context.Context, blockID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM live_artifacts WHERE block_id = $1`, blockID); err != nil {
		return fmt.Errorf("delete live artifact: %w", err)
	}
	return nil
}

func (s *PGStore) ListLiveArtifacts(ctx context.Context) ([]models.LiveArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_id, job_id, artifact_ref, checksum, activated_at, previous_job_id, previous_ref,
			previous_checksum, previous_activated_at, monitor_until, reverted
		FROM live_artifacts ORDER BY block_id`)
	if err != nil {
		return nil, fmt.Errorf("list live artifacts: %w", err)
	}
	defer rows.Close()
	out := []models.LiveArtifact{}
	for rows.Next() {
		var (
			a            models.LiveArtifact
			prevJob      uuid.NullUUID
			prevRef      string
			prevChecksum string
			prevAt       sql.NullTime
			monitorUntil sql.NullTime
		)
		if err := rows.Scan(&a.BlockID, &a.JobID, &a.ArtifactRef, &a.Checksum, &a.ActivatedAt, &prevJob, &prevRef,
			&prevChecksum, &prevAt, &monitorUntil, &a.Reverted); err != nil {
			return nil, fmt.Errorf("scan live artifact: %w", err)
		}
		a.ActivatedAt = a.ActivatedAt.UTC()
		if prevJob.Valid {
			a.Previous = &models.PriorArtifact{JobID: prevJob.UUID, ArtifactRef: prevRef, Checksum: prevChecksum}
			if prevAt.Valid {
				a.Previous.ActivatedAt = prevAt.Time.UTC()
			}
		}
		a.MonitorUntil = nullTime(monitorUntil)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live artifacts: %w", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
