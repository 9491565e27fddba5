package acceptance

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/feed"
	"github.com/ILLUVRSE/evolution/internal/governor"
	"github.com/ILLUVRSE/evolution/internal/harvest"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/metrics"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/orchestrator"
	"github.com/ILLUVRSE/evolution/internal/serving"
	"github.com/ILLUVRSE/evolution/internal/signing"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type harness struct {
	orch    *orchestrator.Orchestrator
	store   *store.MemoryStore
	ledger  *ledger.Ledger
	entries *ledger.MemoryStore
	feed    *feed.Aggregator
	harvest *harvest.Harvester
	hook    *serving.StaticHook
	metrics *metrics.Metrics
	policy  *config.PolicyStore
}

func newHarness(t *testing.T, mutate func(*config.Policy)) *harness {
	t.Helper()
	p := config.DefaultPolicy()
	p.HotSwap.ProbeInterval = config.Duration(10 * time.Millisecond)
	p.HotSwap.ProbeTimeout = config.Duration(50 * time.Millisecond)
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, p.Validate())
	policy := config.NewPolicyStore(p)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := signing.NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(priv), "acceptance")
	require.NoError(t, err)
	keys := signing.NewKeyRing()
	keys.Add(signer.SignerID(), signer.PublicKey())

	h := &harness{
		store:   store.NewMemoryStore(),
		entries: ledger.NewMemoryStore(),
		hook:    serving.NewStaticHook(),
		metrics: metrics.New(),
		policy:  policy,
	}
	h.ledger = ledger.New(h.entries, signer, ledger.WithVerifier(keys),
		ledger.OnAppend(func(e ledger.Entry) { h.metrics.SetLedgerLength(e.Seq) }))
	h.feed = feed.NewAggregator(h.store, policy, nil)
	h.harvest = harvest.NewHarvester(h.store, policy, nil)
	h.orch = orchestrator.New(orchestrator.Deps{
		Store:        h.store,
		Ledger:       h.ledger,
		Feed:         h.feed,
		Failures:     h.harvest,
		Governor:     governor.New(policy, nil, nil),
		Hook:         h.hook,
		Policy:       policy,
		Metrics:      h.metrics,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, h.orch.Start(context.Background()))
	t.Cleanup(h.orch.Close)
	return h
}

// seed reports accuracy for block and harvests enough failures for a canary.
func (h *harness) seed(t *testing.T, block string, correct, total int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.feed.Submit(ctx, feed.SubmissionInput{
		BlockID:   block,
		Correct:   correct,
		Total:     total,
		Timestamp: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	inputs := make([]harvest.FailureInput, 0, 300)
	for i := 0; i < 300; i++ {
		inputs = append(inputs, harvest.FailureInput{
			ID:            fmt.Sprintf("%s-failure-%03d", block, i),
			BlockID:       block,
			InputRef:      fmt.Sprintf("s3://failures/%s/%03d.json", block, i),
			FailureReason: "wrong_answer",
			CollectedAt:   time.Now().Add(-2 * time.Hour),
		})
	}
	_, err = h.harvest.Ingest(ctx, inputs)
	require.NoError(t, err)
}

// train drives one queued job through the trainer protocol and delivers result.
func (h *harness) train(t *testing.T, worker string, result models.TrainingResult) (models.JobSpec, orchestrator.CompleteOutcome) {
	t.Helper()
	ctx := context.Background()
	job, err := h.orch.Dispatcher().Claim(ctx, worker)
	require.NoError(t, err)
	_, err = h.orch.Dispatcher().Heartbeat(ctx, job.ID, worker)
	require.NoError(t, err)
	out, err := h.orch.CompleteJob(ctx, job.ID, worker, result)
	require.NoError(t, err)
	return job, out
}

func (h *harness) status(t *testing.T, id uuid.UUID) models.JobStatus {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func (h *harness) waitFor(t *testing.T, id uuid.UUID, want models.JobStatus) models.JobSpec {
	t.Helper()
	require.Eventually(t, func() bool { return h.status(t, id) == want }, 3*time.Second, 5*time.Millisecond,
		"job %s never reached %s", id, want)
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// statuses lists the "to" status of every transition entry of a job, in ledger order.
func (h *harness) statuses(t *testing.T, id uuid.UUID) []models.JobStatus {
	t.Helper()
	entries, err := h.ledger.Query(context.Background(), id.String())
	require.NoError(t, err)
	var out []models.JobStatus
	for _, e := range entries {
		if to, ok := e.Payload["to"].(string); ok {
			out = append(out, models.JobStatus(to))
		}
	}
	return out
}

func candidate(accuracy float64) models.TrainingResult {
	return models.TrainingResult{
		ArtifactRef:       "s3://artifacts/" + uuid.NewString() + ".safetensors",
		Checksum:          "sha256:" + uuid.NewString(),
		ArtifactBytes:     4 << 20,
		TrainLoss:         0.41,
		EvalLoss:          0.44,
		CandidateAccuracy: accuracy,
	}
}
