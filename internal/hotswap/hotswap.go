// Package hotswap promotes validated adapters into the live slot of a block and rolls them
// back when the post-promotion health probe regresses.
package hotswap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/retry"
	"github.com/ILLUVRSE/evolution/internal/serving"
	"github.com/ILLUVRSE/evolution/internal/store"
)

// ErrPromotionInFlight is returned when the block is already swapping or rolling back.
var ErrPromotionInFlight = errors.New("promotion already in flight for block")

type State int32

const (
	StateIdle State = iota
	StateSwapping
	StateLive
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateSwapping:
		return "swapping"
	case StateLive:
		return "live"
	case StateRollingBack:
		return "rolling_back"
	}
	return "idle"
}

// Rollback describes a completed rollback.
type Rollback struct {
	BlockID   string               `json:"blockId"`
	JobID     uuid.UUID            `json:"jobId"`
	Reason    string               `json:"reason"`
	Restored  *models.LiveArtifact `json:"restored,omitempty"`
	ErrorRate float64              `json:"errorRate"`
	At        time.Time            `json:"at"`
	// NoOp is set when there was no active promotion to undo.
	NoOp bool `json:"noOp"`
}

type block struct {
	// swap is held for the whole Swapping->Live and RollingBack->Idle transitions.
	swap  sync.Mutex
	live  atomic.Pointer[models.LiveArtifact]
	state atomic.Int32
	// watchUntil is the monitor window end in unix nanos, 0 without an undoable promotion.
	watchUntil atomic.Int64

	// guarded by swap
	previous      *models.LiveArtifact
	active        uuid.UUID
	stopMonitor   context.CancelFunc
	monitorWindow time.Time
}

type Manager struct {
	hook   serving.Hook
	store  store.Store
	policy *config.PolicyStore
	logger *logging.Logger
	now    func() time.Time

	backoff    time.Duration
	onRollback []func(context.Context, Rollback)

	mu     sync.Mutex
	blocks map[string]*block

	ctx      context.Context
	cancel   context.CancelFunc
	monitors sync.WaitGroup
}

type Option func(*Manager)

// OnRollback registers a callback run after every rollback that changed the live slot.
func OnRollback(fn func(context.Context, Rollback)) Option {
	return func(m *Manager) { m.onRollback = append(m.onRollback, fn) }
}

func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(hook serving.Hook, st store.Store, policy *config.PolicyStore, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		hook:    hook,
		store:   st,
		policy:  policy,
		logger:  logger.Named("hotswap"),
		now:     time.Now,
		backoff: 500 * time.Millisecond,
		blocks:  map[string]*block{},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) block(id string) *block {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok {
		b = &block{}
		m.blocks[id] = b
	}
	return b
}

// Restore loads the persisted live pointers after a restart. A promotion that was not rolled
// back stays undoable, and its health monitor resumes for whatever is left of the window.
func (m *Manager) Restore(ctx context.Context) error {
	arts, err := m.store.ListLiveArtifacts(ctx)
	if err != nil {
		return fmt.Errorf("list live artifacts: %w", err)
	}
	p := m.policy.Current().HotSwap
	for i := range arts {
		a := arts[i]
		b := m.block(a.BlockID)
		b.swap.Lock()
		b.live.Store(&a)
		b.state.Store(int32(StateLive))
		if !a.Reverted && a.JobID != uuid.Nil {
			b.active = a.JobID
			b.previous = priorArtifact(a.BlockID, a.Previous)
			if a.MonitorUntil != nil && m.now().Before(*a.MonitorUntil) {
				m.startMonitor(b, a.BlockID, a.JobID, *a.MonitorUntil, p)
				m.logger.Info(logging.WithJobID(logging.WithBlockID(ctx, a.BlockID), a.JobID.String()),
					"monitoring resumed", zap.Time("monitor_until", *a.MonitorUntil))
			}
		}
		b.swap.Unlock()
	}
	return nil
}

func priorArtifact(blockID string, p *models.PriorArtifact) *models.LiveArtifact {
	if p == nil {
		return nil
	}
	return &models.LiveArtifact{BlockID: blockID, JobID: p.JobID, ArtifactRef: p.ArtifactRef, Checksum: p.Checksum, ActivatedAt: p.ActivatedAt}
}

// startMonitor watches jobID until the window closes. Caller holds b.swap.
func (m *Manager) startMonitor(b *block, blockID string, jobID uuid.UUID, until time.Time, p config.HotSwapPolicy) {
	if b.stopMonitor != nil {
		b.stopMonitor()
	}
	// the deadline is measured on the manager clock, the context on the wall clock
	monitorCtx, cancel := context.WithTimeout(m.ctx, until.Sub(m.now()))
	monitorCtx = logging.WithJobID(logging.WithBlockID(monitorCtx, blockID), jobID.String())
	b.stopMonitor = cancel
	b.monitorWindow = until
	b.watchUntil.Store(until.UnixNano())
	m.monitors.Add(1)
	go m.monitor(monitorCtx, blockID, jobID, p)
}

// Live returns the artifact serving blockID, or nil. It never blocks.
func (m *Manager) Live(blockID string) *models.LiveArtifact {
	m.mu.Lock()
	b, ok := m.blocks[blockID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return b.live.Load()
}

func (m *Manager) State(blockID string) State {
	m.mu.Lock()
	b, ok := m.blocks[blockID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return State(b.state.Load())
}

// LiveArtifacts lists every block with a live artifact, sorted by block.
func (m *Manager) LiveArtifacts() []models.LiveArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LiveArtifact
	for _, b := range m.blocks {
		if a := b.live.Load(); a != nil {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}

// Promote stages the candidate into the live slot and, only once the serving layer
// confirms, repoints the block. A monitoring window starts on success.
func (m *Manager) Promote(ctx context.Context, job models.JobSpec, result models.TrainingResult) (models.LiveArtifact, error) {
	b := m.block(job.BlockID)
	if !b.swap.TryLock() {
		return models.LiveArtifact{}, ErrPromotionInFlight
	}
	defer b.swap.Unlock()

	prior := State(b.state.Load())
	b.state.Store(int32(StateSwapping))
	ctx = logging.WithJobID(logging.WithBlockID(ctx, job.BlockID), job.ID.String())
	p := m.policy.Current().HotSwap

	staged, err := m.stage(ctx, p.StageTimeout.Duration(), serving.StageRequest{
		BlockID:     job.BlockID,
		Slot:        serving.SlotLive,
		ArtifactRef: result.ArtifactRef,
		Checksum:    result.Checksum,
	})
	if err == nil && staged.Checksum != result.Checksum {
		err = failure.Integrityf(failure.CodeChecksumMismatch, "live slot reports checksum %q, expected %q", staged.Checksum, result.Checksum)
	}
	if err == nil && !staged.Active {
		err = failure.Transientf(failure.CodeHotSwapFailed, "live slot did not activate")
	}
	if err != nil {
		b.state.Store(int32(prior))
		if failure.KindOf(err) == "" {
			err = failure.New(failure.Transient, failure.CodeHotSwapFailed, err)
		}
		m.logger.Error(ctx, "promotion stage failed", zap.Error(err))
		return models.LiveArtifact{}, err
	}

	activated := m.now().UTC()
	until := activated.Add(p.MonitorWindow.Duration())
	prev := b.live.Load()
	next := &models.LiveArtifact{
		BlockID:      job.BlockID,
		JobID:        job.ID,
		ArtifactRef:  result.ArtifactRef,
		Checksum:     result.Checksum,
		ActivatedAt:  activated,
		MonitorUntil: &until,
	}
	if prev != nil {
		next.Previous = &models.PriorArtifact{JobID: prev.JobID, ArtifactRef: prev.ArtifactRef, Checksum: prev.Checksum, ActivatedAt: prev.ActivatedAt}
	}
	b.live.Store(next)
	b.previous = priorArtifact(job.BlockID, next.Previous)
	b.active = job.ID
	b.state.Store(int32(StateLive))
	if err := m.store.PutLiveArtifact(ctx, *next); err != nil {
		m.logger.Warn(ctx, "persist live artifact failed", zap.Error(err))
	}
	m.startMonitor(b, job.BlockID, job.ID, until, p)

	m.logger.Info(ctx, "promoted", zap.String("artifact", next.ArtifactRef),
		zap.Time("monitor_until", b.monitorWindow))
	return *next, nil
}

func (m *Manager) stage(ctx context.Context, timeout time.Duration, req serving.StageRequest) (serving.StageResult, error) {
	var out serving.StageResult
	err := retry.Do(ctx, retry.Once(m.backoff), func(ctx context.Context) error {
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		out, err = m.hook.Stage(stageCtx, req)
		if err != nil && !errors.Is(err, serving.ErrUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
	return out, err
}

// monitor probes the block's health until the window closes. A regression or a probe that
// keeps failing rolls the promotion back.
func (m *Manager) monitor(ctx context.Context, blockID string, jobID uuid.UUID, p config.HotSwapPolicy) {
	defer m.monitors.Done()
	ticker := time.NewTicker(p.ProbeInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				m.logger.Info(ctx, "monitoring window closed without regression")
			}
			return
		case <-ticker.C:
		}

		reason, rate := m.probe(ctx, blockID, p)
		if reason == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn(ctx, "post-promotion check failed", zap.String("reason", reason), zap.Float64("error_rate", rate))
		rb, err := m.rollback(context.Background(), blockID, reason, &jobID, rate)
		if err != nil {
			m.logger.Error(ctx, "automatic rollback failed, retrying next probe", zap.Error(err))
			continue
		}
		m.logger.Info(ctx, "monitor finished", zap.Bool("rolled_back", !rb.NoOp))
		return
	}
}

func (m *Manager) probe(ctx context.Context, blockID string, p config.HotSwapPolicy) (string, float64) {
	var health serving.Health
	err := retry.Do(ctx, retry.Once(m.backoff), func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, p.ProbeTimeout.Duration())
		defer cancel()
		var err error
		health, err = m.hook.Probe(probeCtx, blockID)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", 0
		}
		return failure.CodeProbeTimeout, 0
	}
	if health.ErrorRate > p.ErrorCeiling+1e-9 {
		return failure.CodeRegression, health.ErrorRate
	}
	return "", health.ErrorRate
}

// RollBack undoes the active promotion of blockID on operator request. Without an active
// promotion it is a no-op.
func (m *Manager) RollBack(ctx context.Context, blockID, reason string) (Rollback, error) {
	if reason == "" {
		reason = failure.CodeOperatorRollback
	}
	return m.rollback(ctx, blockID, reason, nil, 0)
}

// rollback restores the previous artifact. When expect is set the rollback only applies if
// that job is still the active promotion, so a stale monitor cannot undo a newer swap.
func (m *Manager) rollback(ctx context.Context, blockID, reason string, expect *uuid.UUID, rate float64) (Rollback, error) {
	b := m.block(blockID)
	b.swap.Lock()
	defer b.swap.Unlock()

	rb := Rollback{BlockID: blockID, Reason: reason, ErrorRate: rate, At: m.now().UTC()}
	if State(b.state.Load()) != StateLive || b.active == uuid.Nil || (expect != nil && *expect != b.active) {
		rb.NoOp = true
		return rb, nil
	}
	rb.JobID = b.active
	ctx = logging.WithJobID(logging.WithBlockID(ctx, blockID), b.active.String())

	b.state.Store(int32(StateRollingBack))
	req := serving.StageRequest{BlockID: blockID, Slot: serving.SlotLive}
	if b.previous != nil {
		req.ArtifactRef = b.previous.ArtifactRef
		req.Checksum = b.previous.Checksum
	}
	if _, err := m.stage(ctx, m.policy.Current().HotSwap.StageTimeout.Duration(), req); err != nil {
		b.state.Store(int32(StateLive))
		return rb, failure.New(failure.Transient, failure.CodeHotSwapFailed, fmt.Errorf("restore previous artifact: %w", err))
	}

	var restored *models.LiveArtifact
	if b.previous != nil {
		r := *b.previous
		r.Previous, r.MonitorUntil, r.Reverted = nil, nil, true
		restored = &r
	}
	b.live.Store(restored)
	rb.Restored = restored
	if restored != nil {
		if err := m.store.PutLiveArtifact(ctx, *restored); err != nil {
			m.logger.Warn(ctx, "persist restored artifact failed", zap.Error(err))
		}
	} else if err := m.store.DeleteLiveArtifact(ctx, blockID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn(ctx, "clear live artifact failed", zap.Error(err))
	}
	b.state.Store(int32(StateIdle))
	b.previous = nil
	b.active = uuid.Nil
	b.watchUntil.Store(0)
	if b.stopMonitor != nil {
		b.stopMonitor()
		b.stopMonitor = nil
	}

	m.logger.Warn(ctx, "rolled back", zap.String("reason", reason))
	for _, fn := range m.onRollback {
		fn(ctx, rb)
	}
	return rb, nil
}

// Close stops every monitor and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.monitors.Wait()
}

// Monitoring reports whether blockID has an active promotion under observation. It never
// blocks on a swap in progress.
func (m *Manager) Monitoring(blockID string) bool {
	m.mu.Lock()
	b, ok := m.blocks[blockID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	until := b.watchUntil.Load()
	return until != 0 && m.now().UnixNano() < until
}
