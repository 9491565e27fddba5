package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/evolution/internal/models"
)

type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	jobs        map[uuid.UUID]models.JobSpec
	results     map[uuid.UUID]models.TrainingResult
	canary      map[uuid.UUID]models.CanaryReport
	submissions map[string]models.Submission
	failures    map[string]models.FailureSample
	live        map[string]models.LiveArtifact

	// insertion order breaks CreatedAt ties
	seq   int64
	order map[uuid.UUID]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		jobs:        map[uuid.UUID]models.JobSpec{},
		results:     map[uuid.UUID]models.TrainingResult{},
		canary:      map[uuid.UUID]models.CanaryReport{},
		submissions: map[string]models.Submission{},
		failures:    map[string]models.FailureSample{},
		live:        map[string]models.LiveArtifact{},
		order:       map[uuid.UUID]int64{},
	}
}

// SetClock overrides the timestamp source for created/updated columns.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyJob(job models.JobSpec) models.JobSpec {
	if job.Votes != nil {
		job.Votes = append([]models.PerspectiveVote(nil), job.Votes...)
	}
	return job
}

func (m *MemoryStore) CreateJob(_ context.Context, job models.JobSpec) (models.JobSpec, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return models.JobSpec{}, ErrDuplicate
	}
	now := m.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = copyJob(job)
	m.seq++
	m.order[job.ID] = m.seq
	return copyJob(job), nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (models.JobSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.JobSpec{}, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]models.JobSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := map[models.JobStatus]bool{}
	for _, s := range filter.Statuses {
		wanted[s] = true
	}
	jobs := []models.JobSpec{}
	for _, job := range m.jobs {
		if filter.BlockID != "" && job.BlockID != filter.BlockID {
			continue
		}
		if len(wanted) > 0 && !wanted[job.Status] {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return m.order[jobs[i].ID] < m.order[jobs[j].ID]
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(jobs) {
		start = len(jobs)
	}
	end := start + normalizeLimit(filter.Limit)
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[start:end], nil
}

func (m *MemoryStore) ClaimNextJob(_ context.Context, workerID string, now time.Time) (models.JobSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		selected models.JobSpec
		found    bool
	)
	for _, job := range m.jobs {
		if job.Status != models.JobQueued {
			continue
		}
		if job.NotBefore != nil && job.NotBefore.After(now) {
			continue
		}
		if !found || job.CreatedAt.Before(selected.CreatedAt) ||
			(job.CreatedAt.Equal(selected.CreatedAt) && m.order[job.ID] < m.order[selected.ID]) {
			selected = job
			found = true
		}
	}
	if !found {
		return models.JobSpec{}, ErrNotFound
	}
	claimedAt := now.UTC()
	selected.Status = models.JobClaimed
	selected.WorkerID = workerID
	selected.ClaimedAt = &claimedAt
	selected.HeartbeatAt = nil
	selected.UpdatedAt = m.now().UTC()
	m.jobs[selected.ID] = selected
	return copyJob(selected), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job models.JobSpec, expected models.JobStatus) (models.JobSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return models.JobSpec{}, ErrNotFound
	}
	if current.Status != expected {
		return models.JobSpec{}, ErrConflict
	}
	job.CreatedAt = current.CreatedAt
	job.UpdatedAt = m.now().UTC()
	m.jobs[job.ID] = copyJob(job)
	return copyJob(job), nil
}

func (m *MemoryStore) ExpiredJobs(_ context.Context, deadline time.Time) ([]models.JobSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.JobSpec{}
	for _, job := range m.jobs {
		if job.Status != models.JobClaimed && job.Status != models.JobTraining {
			continue
		}
		last := job.ClaimedAt
		if job.HeartbeatAt != nil {
			last = job.HeartbeatAt
		}
		if last == nil || last.Before(deadline) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountJobs(_ context.Context, statuses ...models.JobStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.jobs {
		for _, s := range statuses {
			if job.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) HasRejectedFingerprint(_ context.Context, blockID, fingerprint string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.jobs {
		if job.BlockID == blockID && job.Fingerprint == fingerprint && job.Status == models.JobRejected {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) LastRejection(_ context.Context, blockID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.JobSpec
		found  bool
	)
	for _, job := range m.jobs {
		if job.BlockID != blockID || job.Status != models.JobRejected {
			continue
		}
		if !found || job.UpdatedAt.After(latest.UpdatedAt) {
			latest = job
			found = true
		}
	}
	if !found {
		return "", ErrNotFound
	}
	return latest.StatusReason, nil
}

func (m *MemoryStore) LastSettled(_ context.Context, blockID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, job := range m.jobs {
		if job.BlockID != blockID {
			continue
		}
		if job.Status != models.JobPromoted && job.Status != models.JobRolledBack {
			continue
		}
		if job.UpdatedAt.After(last) {
			last = job.UpdatedAt
		}
	}
	return last, nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, job models.JobSpec, expected models.JobStatus, r models.TrainingResult) (models.JobSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return models.JobSpec{}, ErrNotFound
	}
	if current.Status != expected {
		return models.JobSpec{}, ErrConflict
	}
	if _, ok := m.results[job.ID]; ok {
		return models.JobSpec{}, ErrDuplicate
	}
	r.JobID = job.ID
	m.results[job.ID] = r
	job.CreatedAt = current.CreatedAt
	job.UpdatedAt = m.now().UTC()
	m.jobs[job.ID] = copyJob(job)
	return copyJob(job), nil
}

func (m *MemoryStore) GetResult(_ context.Context, jobID uuid.UUID) (models.TrainingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[jobID]
	if !ok {
		return models.TrainingResult{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) SaveCanaryReport(_ context.Context, r models.CanaryReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.canary[r.JobID]; ok {
		return ErrDuplicate
	}
	r.SampleIDs = append([]string(nil), r.SampleIDs...)
	m.canary[r.JobID] = r
	return nil
}

func (m *MemoryStore) GetCanaryReport(_ context.Context, jobID uuid.UUID) (models.CanaryReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.canary[jobID]
	if !ok {
		return models.CanaryReport{}, ErrNotFound
	}
	r.SampleIDs = append([]string(nil), r.SampleIDs...)
	return r, nil
}

func (m *MemoryStore) InsertSubmission(_ context.Context, s models.Submission) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.submissions[s.Key]; ok {
		return existing, ErrDuplicate
	}
	m.submissions[s.Key] = s
	return s, nil
}

func (m *MemoryStore) ListSubmissions(_ context.Context, blockID string, since time.Time) ([]models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Submission{}
	for _, s := range m.submissions {
		if blockID != "" && s.BlockID != blockID {
			continue
		}
		if s.Timestamp.Before(since) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Key < out[j].Key
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryStore) InsertFailure(_ context.Context, f models.FailureSample) (models.FailureSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.failures[f.ID]; ok {
		return existing, ErrDuplicate
	}
	m.failures[f.ID] = f
	return f, nil
}

func (m *MemoryStore) matchFailures(blockID string, partition models.Partition, through time.Time) []models.FailureSample {
	out := []models.FailureSample{}
	for _, f := range m.failures {
		if blockID != "" && f.BlockID != blockID {
			continue
		}
		if partition != "" && f.Partition != partition {
			continue
		}
		if !through.IsZero() && f.CollectedAt.After(through) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (m *MemoryStore) ListFailures(_ context.Context, filter FailureFilter) ([]models.FailureSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.matchFailures(filter.BlockID, filter.Partition, filter.Through)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CollectedAt.After(out[j].CollectedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountFailures(_ context.Context, blockID string, partition models.Partition, through time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matchFailures(blockID, partition, through)), nil
}

func (m *MemoryStore) PutLiveArtifact(_ context.Context, a models.LiveArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[a.BlockID] = a
	return nil
}

func (m *MemoryStore) DeleteLiveArtifact(_ context.Context, blockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, blockID)
	return nil
}

func (m *MemoryStore) ListLiveArtifacts(context.Context) ([]models.LiveArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LiveArtifact, 0, len(m.live))
	for _, a := range m.live {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
