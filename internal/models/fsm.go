package models

import (
	"errors"
	"fmt"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobClaimed    JobStatus = "claimed"
	JobTraining   JobStatus = "training"
	JobCompleted  JobStatus = "completed"
	JobRejected   JobStatus = "rejected"
	JobPromoted   JobStatus = "promoted"
	JobRolledBack JobStatus = "rolled_back"
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{
	JobQueued, JobClaimed, JobTraining, JobCompleted, JobRejected, JobPromoted, JobRolledBack,
}

var ErrInvalidTransition = errors.New("invalid job transition")

var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobQueued: {
		JobClaimed: true,
	},
	JobClaimed: {
		JobTraining: true,
		JobQueued:   true, // heartbeat timeout, first attempt
		JobRejected: true,
	},
	JobTraining: {
		JobCompleted: true,
		JobQueued:    true, // heartbeat timeout, first attempt
		JobRejected:  true,
	},
	JobCompleted: {
		JobRejected: true,
		JobPromoted: true,
	},
	JobPromoted: {
		JobRolledBack: true,
	},
	JobRejected:   {},
	JobRolledBack: {},
}

// ValidateTransition reports whether from -> to is an edge of the job state machine.
func ValidateTransition(from, to JobStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func IsTerminal(status JobStatus) bool {
	return status == JobRejected || status == JobRolledBack
}

// IsInFlight reports whether the job still owns its block. Completed counts because the
// gate, canary and promotion pipeline has not decided it yet.
func IsInFlight(status JobStatus) bool {
	switch status {
	case JobQueued, JobClaimed, JobTraining, JobCompleted:
		return true
	}
	return false
}

// HoldsTrainingSlot reports whether the job counts against the concurrency quota.
func HoldsTrainingSlot(status JobStatus) bool {
	switch status {
	case JobQueued, JobClaimed, JobTraining:
		return true
	}
	return false
}

func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}
