// Package serving talks to the inference router's hot-swap hook.
package serving

import (
	"context"
	"errors"
)

type Slot string

const (
	SlotShadow Slot = "shadow"
	SlotLive   Slot = "live"
)

type StageRequest struct {
	BlockID     string `json:"block_id"`
	Slot        Slot   `json:"slot"`
	ArtifactRef string `json:"artifact_ref"`
	Checksum    string `json:"checksum"`
}

type StageResult struct {
	Active    bool    `json:"active"`
	LatencyMs float64 `json:"latency_ms"`
	Checksum  string  `json:"checksum"`
}

type ReplayRequest struct {
	BlockID   string   `json:"block_id"`
	Slot      Slot     `json:"slot"`
	SampleIDs []string `json:"sample_ids"`
}

type ReplayResult struct {
	Errors         int     `json:"errors"`
	Total          int     `json:"total"`
	LatencyDeltaMs float64 `json:"latency_delta_ms"`
}

// ErrorRate is Errors/Total, or 1 when nothing was replayed.
func (r ReplayResult) ErrorRate() float64 {
	if r.Total <= 0 {
		return 1
	}
	return float64(r.Errors) / float64(r.Total)
}

type Health struct {
	ErrorRate float64 `json:"error_rate"`
	Samples   int     `json:"samples"`
}

// Hook is the serving layer's control surface. Rollback is a Stage of the prior artifact
// into the live slot.
type Hook interface {
	Stage(ctx context.Context, req StageRequest) (StageResult, error)
	Replay(ctx context.Context, req ReplayRequest) (ReplayResult, error)
	Probe(ctx context.Context, blockID string) (Health, error)
}

// ErrUnavailable marks failures worth one retry: transport errors and 5xx responses.
var ErrUnavailable = errors.New("serving hook unavailable")
