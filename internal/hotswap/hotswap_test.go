package hotswap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/serving"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type rollbackLog struct {
	mu  sync.Mutex
	got []Rollback
}

func (r *rollbackLog) record(_ context.Context, rb Rollback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, rb)
}

func (r *rollbackLog) all() []Rollback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Rollback(nil), r.got...)
}

func fastPolicy(window time.Duration) *config.PolicyStore {
	p := config.DefaultPolicy()
	p.HotSwap.MonitorWindow = config.Duration(window)
	p.HotSwap.ProbeInterval = config.Duration(5 * time.Millisecond)
	p.HotSwap.ProbeTimeout = config.Duration(20 * time.Millisecond)
	return config.NewPolicyStore(p)
}

func newManager(t *testing.T, hook serving.Hook, window time.Duration) (*Manager, *store.MemoryStore, *rollbackLog) {
	t.Helper()
	st := store.NewMemoryStore()
	log := &rollbackLog{}
	m := NewManager(hook, st, fastPolicy(window), nil, OnRollback(log.record), WithRetryBackoff(time.Millisecond))
	t.Cleanup(m.Close)
	return m, st, log
}

func candidate(block, ref string) (models.JobSpec, models.TrainingResult) {
	job := models.JobSpec{ID: uuid.New(), BlockID: block, Status: models.JobCompleted}
	return job, models.TrainingResult{JobID: job.ID, ArtifactRef: ref, Checksum: "sum-" + ref}
}

func TestPromoteRepointsAfterStage(t *testing.T) {
	hook := serving.NewStaticHook()
	m, st, _ := newManager(t, hook, time.Hour)
	ctx := context.Background()

	assert.Nil(t, m.Live("code"))
	job, res := candidate("code", "a1")
	live, err := m.Promote(ctx, job, res)
	require.NoError(t, err)
	assert.Equal(t, "a1", live.ArtifactRef)
	assert.Equal(t, StateLive, m.State("code"))
	assert.Equal(t, job.ID, m.Live("code").JobID)

	staged, ok := hook.Live("code")
	require.True(t, ok)
	assert.Equal(t, "a1", staged.ArtifactRef)

	persisted, err := st.ListLiveArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.True(t, m.Monitoring("code"))
}

func TestFailedStageLeavesPointer(t *testing.T) {
	hook := serving.NewStaticHook()
	m, _, _ := newManager(t, hook, time.Hour)
	ctx := context.Background()
	job, res := candidate("code", "a1")
	_, err := m.Promote(ctx, job, res)
	require.NoError(t, err)

	hook.StageFunc = func(context.Context, serving.StageRequest) (serving.StageResult, error) {
		return serving.StageResult{}, serving.ErrUnavailable
	}
	job2, res2 := candidate("code", "a2")
	_, err = m.Promote(ctx, job2, res2)
	require.Error(t, err)
	assert.Equal(t, failure.CodeHotSwapFailed, failure.CodeOf(err, ""))
	assert.Equal(t, "a1", m.Live("code").ArtifactRef)
	assert.Equal(t, StateLive, m.State("code"))
}

func TestChecksumMismatchOnLiveStage(t *testing.T) {
	hook := serving.NewStaticHook()
	hook.StageFunc = func(_ context.Context, req serving.StageRequest) (serving.StageResult, error) {
		return serving.StageResult{Active: true, Checksum: "tampered"}, nil
	}
	m, _, _ := newManager(t, hook, time.Hour)
	job, res := candidate("code", "a1")
	_, err := m.Promote(context.Background(), job, res)
	assert.Equal(t, failure.Integrity, failure.KindOf(err))
	assert.Nil(t, m.Live("code"))
	assert.Equal(t, StateIdle, m.State("code"))
}

func TestSecondPromotionWhileSwappingFails(t *testing.T) {
	hook := serving.NewStaticHook()
	entered := make(chan struct{})
	release := make(chan struct{})
	hook.StageFunc = func(_ context.Context, req serving.StageRequest) (serving.StageResult, error) {
		if req.ArtifactRef == "slow" {
			close(entered)
			<-release
		}
		return serving.StageResult{Active: true, Checksum: req.Checksum}, nil
	}
	m, _, _ := newManager(t, hook, time.Hour)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		job, res := candidate("code", "slow")
		_, err := m.Promote(ctx, job, res)
		done <- err
	}()
	<-entered
	assert.Equal(t, StateSwapping, m.State("code"))
	job, res := candidate("code", "fast")
	_, err := m.Promote(ctx, job, res)
	assert.ErrorIs(t, err, ErrPromotionInFlight)

	other, otherRes := candidate("math", "fast")
	_, err = m.Promote(ctx, other, otherRes)
	require.NoError(t, err, "other blocks are not serialized behind code")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "slow", m.Live("code").ArtifactRef)
}

func TestRegressionRollsBack(t *testing.T) {
	hook := serving.NewStaticHook()
	m, st, log := newManager(t, hook, time.Hour)
	ctx := context.Background()

	first, firstRes := candidate("code", "a1")
	_, err := m.Promote(ctx, first, firstRes)
	require.NoError(t, err)
	second, secondRes := candidate("code", "a2")
	_, err = m.Promote(ctx, second, secondRes)
	require.NoError(t, err)

	hook.SetHealth("code", serving.Health{ErrorRate: 0.22, Samples: 200})
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)

	rb := log.all()[0]
	assert.Equal(t, failure.CodeRegression, rb.Reason)
	assert.Equal(t, second.ID, rb.JobID)
	assert.InDelta(t, 0.22, rb.ErrorRate, 1e-9)
	require.NotNil(t, rb.Restored)
	assert.Equal(t, "a1", rb.Restored.ArtifactRef)
	assert.Equal(t, "a1", m.Live("code").ArtifactRef)
	assert.Equal(t, StateIdle, m.State("code"))

	staged, _ := hook.Live("code")
	assert.Equal(t, "a1", staged.ArtifactRef)
	persisted, err := st.ListLiveArtifacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", persisted[0].ArtifactRef)
}

type slowProbeHook struct {
	*serving.StaticHook
}

func (h slowProbeHook) Probe(ctx context.Context, _ string) (serving.Health, error) {
	<-ctx.Done()
	return serving.Health{}, ctx.Err()
}

func TestProbeTimeoutRollsBack(t *testing.T) {
	hook := slowProbeHook{serving.NewStaticHook()}
	m, st, log := newManager(t, hook, time.Hour)
	job, res := candidate("code", "a1")
	_, err := m.Promote(context.Background(), job, res)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(log.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, failure.CodeProbeTimeout, log.all()[0].Reason)
	assert.Nil(t, m.Live("code"), "first promotion rolls back to the base model")
	persisted, err := st.ListLiveArtifacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestHealthyWindowKeepsPromotion(t *testing.T) {
	hook := serving.NewStaticHook()
	m, _, log := newManager(t, hook, 40*time.Millisecond)
	job, res := candidate("code", "a1")
	_, err := m.Promote(context.Background(), job, res)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, log.all())
	assert.Equal(t, StateLive, m.State("code"))
	assert.False(t, m.Monitoring("code"))
}

func TestOperatorRollback(t *testing.T) {
	hook := serving.NewStaticHook()
	m, _, log := newManager(t, hook, time.Hour)
	ctx := context.Background()

	rb, err := m.RollBack(ctx, "code", "")
	require.NoError(t, err)
	assert.True(t, rb.NoOp, "nothing promoted yet")
	assert.Empty(t, log.all())

	job, res := candidate("code", "a1")
	_, err = m.Promote(ctx, job, res)
	require.NoError(t, err)

	rb, err = m.RollBack(ctx, "code", "")
	require.NoError(t, err)
	assert.False(t, rb.NoOp)
	assert.Equal(t, failure.CodeOperatorRollback, rb.Reason)
	assert.Equal(t, job.ID, rb.JobID)

	rb, err = m.RollBack(ctx, "code", "again")
	require.NoError(t, err)
	assert.True(t, rb.NoOp)
	assert.Len(t, log.all(), 1)
}

func restart(t *testing.T, hook serving.Hook, st *store.MemoryStore, window time.Duration) (*Manager, *rollbackLog) {
	t.Helper()
	log := &rollbackLog{}
	m := NewManager(hook, st, fastPolicy(window), nil, OnRollback(log.record), WithRetryBackoff(time.Millisecond))
	t.Cleanup(m.Close)
	require.NoError(t, m.Restore(context.Background()))
	return m, log
}

func TestRestoreResumesMonitoring(t *testing.T) {
	hook := serving.NewStaticHook()
	before, st, _ := newManager(t, hook, time.Hour)
	job, res := candidate("code", "a1")
	_, err := before.Promote(context.Background(), job, res)
	require.NoError(t, err)
	before.Close()

	after, log := restart(t, hook, st, time.Hour)
	assert.Equal(t, "a1", after.Live("code").ArtifactRef)
	assert.True(t, after.Monitoring("code"))

	hook.SetHealth("code", serving.Health{ErrorRate: 0.22, Samples: 200})
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, failure.CodeRegression, log.all()[0].Reason)
	assert.Equal(t, job.ID, log.all()[0].JobID)
	assert.Nil(t, after.Live("code"))
}

func TestRestoredPromotionCanBeRolledBack(t *testing.T) {
	hook := serving.NewStaticHook()
	before, st, _ := newManager(t, hook, time.Hour)
	ctx := context.Background()
	first, firstRes := candidate("code", "a0")
	_, err := before.Promote(ctx, first, firstRes)
	require.NoError(t, err)
	second, secondRes := candidate("code", "a1")
	_, err = before.Promote(ctx, second, secondRes)
	require.NoError(t, err)
	before.Close()

	after, log := restart(t, hook, st, time.Hour)
	rb, err := after.RollBack(ctx, "code", "")
	require.NoError(t, err)
	assert.False(t, rb.NoOp)
	assert.Equal(t, second.ID, rb.JobID)
	require.NotNil(t, rb.Restored)
	assert.Equal(t, "a0", rb.Restored.ArtifactRef)
	assert.Equal(t, first.ID, rb.Restored.JobID)
	assert.Len(t, log.all(), 1)

	staged, _ := hook.Live("code")
	assert.Equal(t, "a0", staged.ArtifactRef)
	assert.False(t, after.Monitoring("code"))
}

func TestRestore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	closed := time.Now().Add(-time.Minute)
	require.NoError(t, st.PutLiveArtifact(ctx, models.LiveArtifact{BlockID: "code", ArtifactRef: "a0", JobID: uuid.New(), Reverted: true}))
	require.NoError(t, st.PutLiveArtifact(ctx, models.LiveArtifact{BlockID: "math", ArtifactRef: "m1", JobID: uuid.New(), MonitorUntil: &closed}))

	m, log := restart(t, serving.NewStaticHook(), st, time.Hour)
	assert.Equal(t, "a0", m.Live("code").ArtifactRef)
	assert.Len(t, m.LiveArtifacts(), 2)
	assert.False(t, m.Monitoring("math"), "an expired window is not resumed")

	rb, err := m.RollBack(ctx, "code", "")
	require.NoError(t, err)
	assert.True(t, rb.NoOp, "a pointer restored by a rollback has nothing to undo")

	rb, err = m.RollBack(ctx, "math", "")
	require.NoError(t, err)
	assert.False(t, rb.NoOp)
	assert.Nil(t, m.Live("math"))
	assert.Len(t, log.all(), 1)
}
