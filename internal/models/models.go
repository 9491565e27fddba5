package models

import (
	"time"

	"github.com/google/uuid"
)

// SkillBlock is a point-in-time view of one independently tracked capability.
type SkillBlock struct {
	ID             string    `json:"id"`
	Accuracy       float64   `json:"accuracy"`
	SampleCount    int64     `json:"sampleCount"`
	FreshSamples   int64     `json:"freshSamples"`
	Baseline       float64   `json:"baseline"`
	Target         float64   `json:"target"`
	MinSamples     int64     `json:"minSamples"`
	LastSubmission time.Time `json:"lastSubmission"`
	Since          time.Time `json:"since"`
}

type Opportunity struct {
	BlockID     string    `json:"blockId"`
	Severity    float64   `json:"severity"`
	Accuracy    float64   `json:"accuracy"`
	Target      float64   `json:"target"`
	SampleCount int64     `json:"sampleCount"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// Criteria are the promotion thresholds a candidate must clear.
type Criteria struct {
	MinAbsoluteGain      float64 `json:"minAbsoluteGain"`
	MinRelativeGain      float64 `json:"minRelativeGain"`
	MaxLatencyIncreaseMs float64 `json:"maxLatencyIncreaseMs"`
	MinArtifactBytes     int64   `json:"minArtifactBytes"`
	EvalLossSlack        float64 `json:"evalLossSlack"`
}

type Hyperparameters struct {
	Rank         int     `json:"rank"`
	Alpha        int     `json:"alpha"`
	LearningRate float64 `json:"learningRate"`
	Epochs       int     `json:"epochs"`
	BudgetUSD    float64 `json:"budgetUsd"`
}

// PerspectiveVote keeps one scorer's opinion on the selected proposal.
type PerspectiveVote struct {
	Perspective string  `json:"perspective"`
	Weight      float64 `json:"weight"`
	Score       float64 `json:"score"`
	Rationale   string  `json:"rationale"`
	Abstained   bool    `json:"abstained,omitempty"`
}

type JobSpec struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	BlockID           string            `json:"blockId"`
	BaseModel         string            `json:"baseModel"`
	DatasetRef        string            `json:"datasetRef"`
	DatasetSize       int               `json:"datasetSize"`
	Hyperparameters   Hyperparameters   `json:"hyperparameters"`
	Criteria          Criteria          `json:"criteria"`
	Baseline          float64           `json:"baseline"`
	Strategy          string            `json:"strategy"`
	Votes             []PerspectiveVote `json:"votes,omitempty"`
	Fingerprint       string            `json:"fingerprint"`
	Status            JobStatus         `json:"status"`
	StatusReason      string            `json:"statusReason,omitempty"`
	Attempts          int               `json:"attempts"`
	WorkerID          string            `json:"workerId,omitempty"`
	ClaimedAt         *time.Time        `json:"claimedAt,omitempty"`
	HeartbeatAt       *time.Time        `json:"heartbeatAt,omitempty"`
	NotBefore         *time.Time        `json:"notBefore,omitempty"`
	PromotionDeferred bool              `json:"promotionDeferred,omitempty"`
	// PromotedAt is when the candidate went live; it stays set after a rollback.
	PromotedAt *time.Time `json:"promotedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type TrainingResult struct {
	JobID             uuid.UUID `json:"jobId"`
	ArtifactRef       string    `json:"artifactRef"`
	Checksum          string    `json:"checksum"`
	ArtifactBytes     int64     `json:"artifactBytes"`
	TrainLoss         float64   `json:"trainLoss"`
	EvalLoss          float64   `json:"evalLoss"`
	CandidateAccuracy float64   `json:"candidateAccuracy"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

type CanaryReport struct {
	JobID          uuid.UUID `json:"jobId"`
	SampleIDs      []string  `json:"sampleIds"`
	ErrorRate      float64   `json:"errorRate"`
	LatencyDeltaMs float64   `json:"latencyDeltaMs"`
	Passed         bool      `json:"passed"`
	Reason         string    `json:"reason,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Quota is a snapshot of the governor's limits and current usage.
type Quota struct {
	MaxConcurrentJobs  int       `json:"maxConcurrentJobs"`
	MaxDailyPromotions int       `json:"maxDailyPromotions"`
	DiskBudgetBytes    int64     `json:"diskBudgetBytes"`
	MinFreeDiskBytes   int64     `json:"minFreeDiskBytes"`
	ConcurrentJobs     int       `json:"concurrentJobs"`
	PromotionsToday    int       `json:"promotionsToday"`
	DiskBytes          int64     `json:"diskBytes"`
	Day                string    `json:"day"`
	Halted             bool      `json:"halted"`
	HaltReason         string    `json:"haltReason,omitempty"`
	ResetAt            time.Time `json:"resetAt"`
}

type Partition string

const (
	PartitionTraining Partition = "training"
	PartitionCanary   Partition = "canary"
)

type FailureSample struct {
	ID            string    `json:"id"`
	BlockID       string    `json:"blockId"`
	InputRef      string    `json:"inputRef"`
	FailureReason string    `json:"failureReason"`
	Partition     Partition `json:"partition"`
	CollectedAt   time.Time `json:"collectedAt"`
}

// Submission is one report from the evaluation harness.
type Submission struct {
	Key       string    `json:"key"`
	BlockID   string    `json:"blockId"`
	Correct   int64     `json:"correct"`
	Total     int64     `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

type LiveArtifact struct {
	BlockID     string    `json:"blockId"`
	JobID       uuid.UUID `json:"jobId"`
	ArtifactRef string    `json:"artifactRef"`
	Checksum    string    `json:"checksum"`
	ActivatedAt time.Time `json:"activatedAt"`

	// Previous is what the block served before this promotion, restored on rollback.
	Previous *PriorArtifact `json:"previous,omitempty"`
	// MonitorUntil closes the post-promotion health window.
	MonitorUntil *time.Time `json:"monitorUntil,omitempty"`
	// Reverted marks a pointer written by a rollback; there is no promotion left to undo.
	Reverted bool `json:"reverted,omitempty"`
}

type PriorArtifact struct {
	JobID       uuid.UUID `json:"jobId"`
	ArtifactRef string    `json:"artifactRef"`
	Checksum    string    `json:"checksum"`
	ActivatedAt time.Time `json:"activatedAt"`
}
