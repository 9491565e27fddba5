package serving

import (
	"context"
	"sync"
)

// StaticHook is an in-process serving layer for development and tests. It accepts every
// stage, echoes checksums, and reports whatever replay and health figures were configured
// per block.
type StaticHook struct {
	mu      sync.Mutex
	replays map[string]ReplayResult
	health  map[string]Health
	staged  []StageRequest
	live    map[string]StageRequest

	// StageFunc, when set, overrides Stage.
	StageFunc func(ctx context.Context, req StageRequest) (StageResult, error)
}

func NewStaticHook() *StaticHook {
	return &StaticHook{
		replays: map[string]ReplayResult{},
		health:  map[string]Health{},
		live:    map[string]StageRequest{},
	}
}

func (s *StaticHook) SetReplay(blockID string, r ReplayResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replays[blockID] = r
}

func (s *StaticHook) SetHealth(blockID string, h Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[blockID] = h
}

// Staged returns every stage call in order.
func (s *StaticHook) Staged() []StageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StageRequest(nil), s.staged...)
}

// Live returns what the live slot of blockID holds.
func (s *StaticHook) Live(blockID string) (StageRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.live[blockID]
	return req, ok
}

func (s *StaticHook) Stage(ctx context.Context, req StageRequest) (StageResult, error) {
	if s.StageFunc != nil {
		res, err := s.StageFunc(ctx, req)
		if err == nil {
			s.record(req)
		}
		return res, err
	}
	s.record(req)
	return StageResult{Active: true, Checksum: req.Checksum}, nil
}

func (s *StaticHook) record(req StageRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, req)
	if req.Slot == SlotLive {
		s.live[req.BlockID] = req
	}
}

func (s *StaticHook) Replay(_ context.Context, req ReplayRequest) (ReplayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replays[req.BlockID]
	if !ok {
		return ReplayResult{Total: len(req.SampleIDs)}, nil
	}
	if r.Total == 0 {
		r.Total = len(req.SampleIDs)
	}
	return r, nil
}

func (s *StaticHook) Probe(_ context.Context, blockID string) (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health[blockID], nil
}
