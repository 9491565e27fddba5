package runner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/feed"
	"github.com/ILLUVRSE/evolution/internal/governor"
	"github.com/ILLUVRSE/evolution/internal/harvest"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/orchestrator"
	"github.com/ILLUVRSE/evolution/internal/serving"
	"github.com/ILLUVRSE/evolution/internal/signing"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type fixture struct {
	orch    *orchestrator.Orchestrator
	store   *store.MemoryStore
	entries *ledger.MemoryStore
	feed    *feed.Aggregator
	harvest *harvest.Harvester
	policy  *config.PolicyStore
}

func newFixture(t *testing.T, mutate func(*config.Policy)) *fixture {
	t.Helper()
	p := config.DefaultPolicy()
	p.Dispatcher.ReapInterval = config.Duration(10 * time.Millisecond)
	p.Schedule.VerifyInterval = config.Duration(10 * time.Millisecond)
	if mutate != nil {
		mutate(p)
	}
	policy := config.NewPolicyStore(p)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := signing.NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(priv), "runner-test")
	require.NoError(t, err)
	keys := signing.NewKeyRing()
	keys.Add(signer.SignerID(), signer.PublicKey())

	f := &fixture{store: store.NewMemoryStore(), entries: ledger.NewMemoryStore(), policy: policy}
	f.feed = feed.NewAggregator(f.store, policy, nil)
	f.harvest = harvest.NewHarvester(f.store, policy, nil)
	f.orch = orchestrator.New(orchestrator.Deps{
		Store:    f.store,
		Ledger:   ledger.New(f.entries, signer, ledger.WithVerifier(keys)),
		Feed:     f.feed,
		Failures: f.harvest,
		Governor: governor.New(policy, nil, nil),
		Hook:     serving.NewStaticHook(),
		Policy:   policy,
	})
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) queue(t *testing.T) models.JobSpec {
	t.Helper()
	ctx := context.Background()
	_, err := f.feed.Submit(ctx, feed.SubmissionInput{BlockID: "code", Correct: 60, Total: 100, Timestamp: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	inputs := make([]harvest.FailureInput, 0, 100)
	for i := 0; i < 100; i++ {
		inputs = append(inputs, harvest.FailureInput{
			ID:            fmt.Sprintf("code-failure-%03d", i),
			BlockID:       "code",
			InputRef:      fmt.Sprintf("s3://failures/code/%03d.json", i),
			FailureReason: "wrong_answer",
			CollectedAt:   time.Now().Add(-2 * time.Hour),
		})
	}
	_, err = f.harvest.Ingest(ctx, inputs)
	require.NoError(t, err)
	report, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Queued, 1)
	return report.Queued[0]
}

func start(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSchedulerUsesStandardCronInUTC(t *testing.T) {
	s, err := NewScheduler("15 2 * * *", func(context.Context) {}, nil)
	require.NoError(t, err)

	from := time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 19, 2, 15, 0, 0, time.UTC), s.Next(from))

	berlin := time.FixedZone("CEST", 2*3600)
	assert.Equal(t, time.Date(2026, 10, 18, 2, 15, 0, 0, time.UTC), s.Next(time.Date(2026, 10, 18, 3, 0, 0, 0, berlin)))

	_, err = NewScheduler("every night", func(context.Context) {}, nil)
	assert.Error(t, err)
}

func TestSchedulerFollowsPolicyReload(t *testing.T) {
	f := newFixture(t, nil)
	r, err := New(Config{Orchestrator: f.orch, Policy: f.policy, RunScheduler: true})
	require.NoError(t, err)
	assert.Equal(t, "15 2 * * *", r.Scheduler().Spec())

	next := config.DefaultPolicy()
	next.Version = "v2"
	next.Schedule.Cron = "0 4 * * 1"
	_, _, err = f.policy.Apply(next)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * 1", r.Scheduler().Spec())
}

func TestReaperLoopRequeuesSilentWorker(t *testing.T) {
	f := newFixture(t, func(p *config.Policy) {
		p.Dispatcher.HeartbeatTimeout = config.Duration(20 * time.Millisecond)
		p.Dispatcher.RetryBackoff = config.Duration(time.Millisecond)
	})
	job := f.queue(t)
	_, err := f.orch.Dispatcher().Claim(context.Background(), "w1")
	require.NoError(t, err)

	r, err := New(Config{Orchestrator: f.orch, Policy: f.policy})
	require.NoError(t, err)
	start(t, r)

	require.Eventually(t, func() bool {
		got, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == models.JobQueued && got.Attempts == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestVerifierLoopHaltsOnTamper(t *testing.T) {
	f := newFixture(t, nil)
	f.queue(t)
	f.entries.Tamper(1, func(e *ledger.Entry) { e.Reason = "edited" })

	logger := logging.NewTestLogger()
	r, err := New(Config{Orchestrator: f.orch, Policy: f.policy, Logger: logger.Logger})
	require.NoError(t, err)
	start(t, r)

	require.Eventually(t, func() bool {
		halted, reason := f.orch.Governor().Halted()
		return halted && reason == failure.CodeChainBroken
	}, 3*time.Second, 10*time.Millisecond)
	logger.AssertLogged(t, zapcore.ErrorLevel, "broken chain")
}

func TestCycleOnceLogsReport(t *testing.T) {
	f := newFixture(t, nil)
	logger := logging.NewTestLogger()
	r, err := New(Config{Orchestrator: f.orch, Policy: f.policy, Logger: logger.Logger})
	require.NoError(t, err)

	r.CycleOnce(context.Background())
	logger.AssertLogged(t, zapcore.InfoLevel, "scheduled cycle done")
}
