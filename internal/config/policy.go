package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron"

	"github.com/ILLUVRSE/evolution/internal/models"
)

// PolicyEnvPrefix selects environment overrides for the policy document. Nested keys use a
// double underscore: EVOLUTION_POLICY_QUOTAS__MAX_CONCURRENT_JOBS=5.
const PolicyEnvPrefix = "EVOLUTION_POLICY_"

const maxPolicyBytes = 1024 * 1024

// ErrInvalidPolicy wraps every reason a policy document is refused.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy is the versioned document holding every tunable threshold, quota and timeout.
type Policy struct {
	Version    string                 `koanf:"version" json:"version"`
	Defaults   BlockPolicy            `koanf:"defaults" json:"defaults"`
	Blocks     map[string]BlockPolicy `koanf:"blocks" json:"blocks,omitempty"`
	Quotas     QuotaPolicy            `koanf:"quotas" json:"quotas"`
	Dispatcher DispatcherPolicy       `koanf:"dispatcher" json:"dispatcher"`
	Proposal   ProposalPolicy         `koanf:"proposal" json:"proposal"`
	Canary     CanaryPolicy           `koanf:"canary" json:"canary"`
	HotSwap    HotSwapPolicy          `koanf:"hot_swap" json:"hotSwap"`
	Feed       FeedPolicy             `koanf:"feed" json:"feed"`
	Schedule   SchedulePolicy         `koanf:"schedule" json:"schedule"`
	Harvest    HarvestPolicy          `koanf:"harvest" json:"harvest"`

	// Checksum is the sha256 of the raw document, set by ParsePolicy.
	Checksum string `koanf:"-" json:"checksum"`
}

type BlockPolicy struct {
	TargetAccuracy float64        `koanf:"target_accuracy" json:"targetAccuracy"`
	MinSamples     int64          `koanf:"min_samples" json:"minSamples"`
	BaseModel      string         `koanf:"base_model" json:"baseModel"`
	Criteria       CriteriaPolicy `koanf:"criteria" json:"criteria"`
	Training       TrainingPolicy `koanf:"training" json:"training"`
}

type CriteriaPolicy struct {
	MinAbsoluteGain      float64 `koanf:"min_absolute_gain" json:"minAbsoluteGain"`
	MinRelativeGain      float64 `koanf:"min_relative_gain" json:"minRelativeGain"`
	MaxLatencyIncreaseMs float64 `koanf:"max_latency_increase_ms" json:"maxLatencyIncreaseMs"`
	MinArtifactBytes     int64   `koanf:"min_artifact_bytes" json:"minArtifactBytes"`
	EvalLossSlack        float64 `koanf:"eval_loss_slack" json:"evalLossSlack"`
}

type TrainingPolicy struct {
	Rank         int     `koanf:"rank" json:"rank"`
	Alpha        int     `koanf:"alpha" json:"alpha"`
	LearningRate float64 `koanf:"learning_rate" json:"learningRate"`
	Epochs       int     `koanf:"epochs" json:"epochs"`
	BudgetUSD    float64 `koanf:"budget_usd" json:"budgetUsd"`
}

type QuotaPolicy struct {
	MaxConcurrentJobs  int   `koanf:"max_concurrent_jobs" json:"maxConcurrentJobs"`
	MaxDailyPromotions int   `koanf:"max_daily_promotions" json:"maxDailyPromotions"`
	DiskBudgetBytes    int64 `koanf:"disk_budget_bytes" json:"diskBudgetBytes"`
	MinFreeDiskBytes   int64 `koanf:"min_free_disk_bytes" json:"minFreeDiskBytes"`
	ResetHourUTC       int   `koanf:"reset_hour_utc" json:"resetHourUtc"`
}

type DispatcherPolicy struct {
	HeartbeatTimeout Duration `koanf:"heartbeat_timeout" json:"heartbeatTimeout"`
	MaxAttempts      int      `koanf:"max_attempts" json:"maxAttempts"`
	RetryBackoff     Duration `koanf:"retry_backoff" json:"retryBackoff"`
	ReapInterval     Duration `koanf:"reap_interval" json:"reapInterval"`
}

type ProposalPolicy struct {
	Strategy      string             `koanf:"strategy" json:"strategy"`
	Quorum        float64            `koanf:"quorum" json:"quorum"`
	ApprovalScore float64            `koanf:"approval_score" json:"approvalScore"`
	TimeBudget    Duration           `koanf:"time_budget" json:"timeBudget"`
	Weights       map[string]float64 `koanf:"weights" json:"weights,omitempty"`
}

type CanaryPolicy struct {
	SampleSize   int      `koanf:"sample_size" json:"sampleSize"`
	MinSamples   int      `koanf:"min_samples" json:"minSamples"`
	MaxSamples   int      `koanf:"max_samples" json:"maxSamples"`
	ErrorCeiling float64  `koanf:"error_ceiling" json:"errorCeiling"`
	Timeout      Duration `koanf:"timeout" json:"timeout"`
	Workers      int      `koanf:"workers" json:"workers"`
}

type HotSwapPolicy struct {
	MonitorWindow Duration `koanf:"monitor_window" json:"monitorWindow"`
	ProbeInterval Duration `koanf:"probe_interval" json:"probeInterval"`
	ProbeTimeout  Duration `koanf:"probe_timeout" json:"probeTimeout"`
	StageTimeout  Duration `koanf:"stage_timeout" json:"stageTimeout"`
	ErrorCeiling  float64  `koanf:"error_ceiling" json:"errorCeiling"`
}

type FeedPolicy struct {
	Window    Duration `koanf:"window" json:"window"`
	RateLimit float64  `koanf:"rate_limit" json:"rateLimit"`
	Burst     int      `koanf:"burst" json:"burst"`
}

type SchedulePolicy struct {
	Cron           string   `koanf:"cron" json:"cron"`
	VerifyInterval Duration `koanf:"verify_interval" json:"verifyInterval"`
}

type HarvestPolicy struct {
	CanaryRatio float64 `koanf:"canary_ratio" json:"canaryRatio"`
}

// ResolvedBlock is the effective policy for one block after overrides.
type ResolvedBlock struct {
	BlockID        string
	TargetAccuracy float64
	MinSamples     int64
	BaseModel      string
	Criteria       models.Criteria
	Training       models.Hyperparameters
}

// ParsePolicy parses a YAML document, overlays EVOLUTION_POLICY_* environment variables,
// applies defaults and validates the result. Any error rejects the whole document.
func ParsePolicy(raw []byte) (*Policy, error) {
	p, err := parsePolicy(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return p, nil
}

func parsePolicy(raw []byte) (*Policy, error) {
	if len(raw) > maxPolicyBytes {
		return nil, fmt.Errorf("policy document exceeds %d bytes", maxPolicyBytes)
	}
	k := koanf.New(".")
	if len(raw) > 0 {
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse policy yaml: %w", err)
		}
	}
	if err := k.Load(env.Provider(PolicyEnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, PolicyEnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load policy env overrides: %w", err)
	}

	var p Policy
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	applyPolicyDefaults(&p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	p.Checksum = hex.EncodeToString(sum[:])
	return &p, nil
}

// DefaultPolicy returns the built-in document used when no policy file is configured.
func DefaultPolicy() *Policy {
	p := &Policy{Version: "builtin"}
	applyPolicyDefaults(p)
	sum := sha256.Sum256(nil)
	p.Checksum = hex.EncodeToString(sum[:])
	return p
}

func applyPolicyDefaults(p *Policy) {
	d := &p.Defaults
	if d.TargetAccuracy == 0 {
		d.TargetAccuracy = 0.80
	}
	if d.MinSamples == 0 {
		d.MinSamples = 20
	}
	if d.BaseModel == "" {
		d.BaseModel = "base://specialist/v1"
	}
	if d.Criteria.MinAbsoluteGain == 0 {
		d.Criteria.MinAbsoluteGain = 0.05
	}
	if d.Criteria.MinRelativeGain == 0 {
		d.Criteria.MinRelativeGain = 0.10
	}
	if d.Criteria.MaxLatencyIncreaseMs == 0 {
		d.Criteria.MaxLatencyIncreaseMs = 50
	}
	if d.Criteria.MinArtifactBytes == 0 {
		d.Criteria.MinArtifactBytes = 1 << 20
	}
	if d.Criteria.EvalLossSlack == 0 {
		d.Criteria.EvalLossSlack = 0.05
	}
	if d.Training.Rank == 0 {
		d.Training.Rank = 16
	}
	if d.Training.Alpha == 0 {
		d.Training.Alpha = 32
	}
	if d.Training.LearningRate == 0 {
		d.Training.LearningRate = 2e-4
	}
	if d.Training.Epochs == 0 {
		d.Training.Epochs = 3
	}
	if d.Training.BudgetUSD == 0 {
		d.Training.BudgetUSD = 0.20
	}

	q := &p.Quotas
	if q.MaxConcurrentJobs == 0 {
		q.MaxConcurrentJobs = 3
	}
	if q.MaxDailyPromotions == 0 {
		q.MaxDailyPromotions = 2
	}
	if q.DiskBudgetBytes == 0 {
		q.DiskBudgetBytes = 20 << 30
	}

	if p.Dispatcher.HeartbeatTimeout == 0 {
		p.Dispatcher.HeartbeatTimeout = Duration(5 * time.Minute)
	}
	if p.Dispatcher.MaxAttempts == 0 {
		p.Dispatcher.MaxAttempts = 2
	}
	if p.Dispatcher.RetryBackoff == 0 {
		p.Dispatcher.RetryBackoff = Duration(time.Minute)
	}
	if p.Dispatcher.ReapInterval == 0 {
		p.Dispatcher.ReapInterval = Duration(30 * time.Second)
	}

	if p.Proposal.Strategy == "" {
		p.Proposal.Strategy = "threshold"
	}
	if p.Proposal.Quorum == 0 {
		p.Proposal.Quorum = 0.6
	}
	if p.Proposal.ApprovalScore == 0 {
		p.Proposal.ApprovalScore = 0.5
	}
	if p.Proposal.TimeBudget == 0 {
		p.Proposal.TimeBudget = Duration(800 * time.Millisecond)
	}

	c := &p.Canary
	if c.MinSamples == 0 {
		c.MinSamples = 20
	}
	if c.MaxSamples == 0 {
		c.MaxSamples = 100
	}
	if c.SampleSize == 0 {
		c.SampleSize = c.MinSamples
	}
	if c.ErrorCeiling == 0 {
		c.ErrorCeiling = 0.10
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(10 * time.Minute)
	}
	if c.Workers == 0 {
		c.Workers = 2
	}

	h := &p.HotSwap
	if h.MonitorWindow == 0 {
		h.MonitorWindow = Duration(time.Hour)
	}
	if h.ProbeInterval == 0 {
		h.ProbeInterval = Duration(time.Minute)
	}
	if h.ProbeTimeout == 0 {
		h.ProbeTimeout = Duration(10 * time.Second)
	}
	if h.StageTimeout == 0 {
		h.StageTimeout = Duration(2 * time.Minute)
	}
	if h.ErrorCeiling == 0 {
		h.ErrorCeiling = c.ErrorCeiling
	}

	if p.Feed.Window == 0 {
		p.Feed.Window = Duration(7 * 24 * time.Hour)
	}
	if p.Feed.RateLimit == 0 {
		p.Feed.RateLimit = 20
	}
	if p.Feed.Burst == 0 {
		p.Feed.Burst = 40
	}

	if p.Schedule.Cron == "" {
		p.Schedule.Cron = "15 2 * * *"
	}
	if p.Schedule.VerifyInterval == 0 {
		p.Schedule.VerifyInterval = Duration(15 * time.Minute)
	}

	if p.Harvest.CanaryRatio == 0 {
		p.Harvest.CanaryRatio = 0.2
	}
}

// Validate checks the whole document and reports every problem at once.
func (p *Policy) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if strings.TrimSpace(p.Version) == "" {
		add("version is required")
	}
	validateBlock := func(name string, b BlockPolicy, override bool) {
		if !unitInterval(b.TargetAccuracy, override) {
			add("%s.target_accuracy must be in (0,1]", name)
		}
		if b.MinSamples < 0 {
			add("%s.min_samples must be >= 0", name)
		}
		cr := b.Criteria
		if cr.MinAbsoluteGain < 0 || cr.MinAbsoluteGain > 1 || isNaN(cr.MinAbsoluteGain) {
			add("%s.criteria.min_absolute_gain must be in [0,1]", name)
		}
		if cr.MinRelativeGain < 0 || isNaN(cr.MinRelativeGain) {
			add("%s.criteria.min_relative_gain must be >= 0", name)
		}
		if cr.MaxLatencyIncreaseMs < 0 {
			add("%s.criteria.max_latency_increase_ms must be >= 0", name)
		}
		if cr.MinArtifactBytes < 0 {
			add("%s.criteria.min_artifact_bytes must be >= 0", name)
		}
		if cr.EvalLossSlack < 0 {
			add("%s.criteria.eval_loss_slack must be >= 0", name)
		}
		tr := b.Training
		if tr.Rank < 0 || tr.Alpha < 0 || tr.Epochs < 0 || tr.LearningRate < 0 || tr.BudgetUSD < 0 {
			add("%s.training values must be >= 0", name)
		}
	}
	validateBlock("defaults", p.Defaults, false)
	for id, b := range p.Blocks {
		if strings.TrimSpace(id) == "" {
			add("blocks: empty block id")
		}
		validateBlock("blocks."+id, b, true)
	}

	if p.Quotas.MaxConcurrentJobs < 1 {
		add("quotas.max_concurrent_jobs must be >= 1")
	}
	if p.Quotas.MaxDailyPromotions < 1 {
		add("quotas.max_daily_promotions must be >= 1")
	}
	if p.Quotas.DiskBudgetBytes < 1 {
		add("quotas.disk_budget_bytes must be >= 1")
	}
	if p.Quotas.MinFreeDiskBytes < 0 {
		add("quotas.min_free_disk_bytes must be >= 0")
	}
	if p.Quotas.ResetHourUTC < 0 || p.Quotas.ResetHourUTC > 23 {
		add("quotas.reset_hour_utc must be in [0,23]")
	}

	if p.Dispatcher.HeartbeatTimeout <= 0 {
		add("dispatcher.heartbeat_timeout must be > 0")
	}
	if p.Dispatcher.MaxAttempts < 1 {
		add("dispatcher.max_attempts must be >= 1")
	}
	if p.Dispatcher.RetryBackoff < 0 || p.Dispatcher.ReapInterval <= 0 {
		add("dispatcher.retry_backoff must be >= 0 and reap_interval > 0")
	}

	switch p.Proposal.Strategy {
	case "threshold", "round_table":
	default:
		add("proposal.strategy %q is not one of threshold, round_table", p.Proposal.Strategy)
	}
	if p.Proposal.Quorum <= 0 || p.Proposal.Quorum > 1 {
		add("proposal.quorum must be in (0,1]")
	}
	if p.Proposal.ApprovalScore < 0 || p.Proposal.ApprovalScore > 1 {
		add("proposal.approval_score must be in [0,1]")
	}
	if p.Proposal.TimeBudget <= 0 || p.Proposal.TimeBudget.Duration() >= time.Second {
		add("proposal.time_budget must be in (0,1s)")
	}
	for name, w := range p.Proposal.Weights {
		if w < 0 || isNaN(w) {
			add("proposal.weights.%s must be >= 0", name)
		}
	}

	c := p.Canary
	if c.MinSamples < 1 || c.MaxSamples < c.MinSamples {
		add("canary.min_samples must be >= 1 and <= max_samples")
	}
	if c.SampleSize < c.MinSamples || c.SampleSize > c.MaxSamples {
		add("canary.sample_size must be within [min_samples, max_samples]")
	}
	if c.ErrorCeiling < 0 || c.ErrorCeiling > 1 {
		add("canary.error_ceiling must be in [0,1]")
	}
	if c.Timeout <= 0 || c.Workers < 1 {
		add("canary.timeout must be > 0 and workers >= 1")
	}

	h := p.HotSwap
	if h.MonitorWindow <= 0 || h.ProbeInterval <= 0 || h.ProbeTimeout <= 0 || h.StageTimeout <= 0 {
		add("hot_swap durations must be > 0")
	}
	if h.ErrorCeiling < 0 || h.ErrorCeiling > 1 {
		add("hot_swap.error_ceiling must be in [0,1]")
	}

	if p.Feed.Window <= 0 || p.Feed.RateLimit <= 0 || p.Feed.Burst < 1 {
		add("feed.window, rate_limit and burst must be positive")
	}

	if _, err := cron.ParseStandard(p.Schedule.Cron); err != nil {
		add("schedule.cron %q: %v", p.Schedule.Cron, err)
	}
	if p.Schedule.VerifyInterval <= 0 {
		add("schedule.verify_interval must be > 0")
	}

	if p.Harvest.CanaryRatio <= 0 || p.Harvest.CanaryRatio >= 1 {
		add("harvest.canary_ratio must be in (0,1)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

// ForBlock resolves the effective policy for blockID; zero-valued override fields inherit
// from defaults.
func (p *Policy) ForBlock(blockID string) ResolvedBlock {
	d := p.Defaults
	b, ok := p.Blocks[blockID]
	if ok {
		d = mergeBlock(d, b)
	}
	return ResolvedBlock{
		BlockID:        blockID,
		TargetAccuracy: d.TargetAccuracy,
		MinSamples:     d.MinSamples,
		BaseModel:      d.BaseModel,
		Criteria: models.Criteria{
			MinAbsoluteGain:      d.Criteria.MinAbsoluteGain,
			MinRelativeGain:      d.Criteria.MinRelativeGain,
			MaxLatencyIncreaseMs: d.Criteria.MaxLatencyIncreaseMs,
			MinArtifactBytes:     d.Criteria.MinArtifactBytes,
			EvalLossSlack:        d.Criteria.EvalLossSlack,
		},
		Training: models.Hyperparameters{
			Rank:         d.Training.Rank,
			Alpha:        d.Training.Alpha,
			LearningRate: d.Training.LearningRate,
			Epochs:       d.Training.Epochs,
			BudgetUSD:    d.Training.BudgetUSD,
		},
	}
}

func mergeBlock(base, o BlockPolicy) BlockPolicy {
	if o.TargetAccuracy != 0 {
		base.TargetAccuracy = o.TargetAccuracy
	}
	if o.MinSamples != 0 {
		base.MinSamples = o.MinSamples
	}
	if o.BaseModel != "" {
		base.BaseModel = o.BaseModel
	}
	if o.Criteria.MinAbsoluteGain != 0 {
		base.Criteria.MinAbsoluteGain = o.Criteria.MinAbsoluteGain
	}
	if o.Criteria.MinRelativeGain != 0 {
		base.Criteria.MinRelativeGain = o.Criteria.MinRelativeGain
	}
	if o.Criteria.MaxLatencyIncreaseMs != 0 {
		base.Criteria.MaxLatencyIncreaseMs = o.Criteria.MaxLatencyIncreaseMs
	}
	if o.Criteria.MinArtifactBytes != 0 {
		base.Criteria.MinArtifactBytes = o.Criteria.MinArtifactBytes
	}
	if o.Criteria.EvalLossSlack != 0 {
		base.Criteria.EvalLossSlack = o.Criteria.EvalLossSlack
	}
	if o.Training.Rank != 0 {
		base.Training.Rank = o.Training.Rank
	}
	if o.Training.Alpha != 0 {
		base.Training.Alpha = o.Training.Alpha
	}
	if o.Training.LearningRate != 0 {
		base.Training.LearningRate = o.Training.LearningRate
	}
	if o.Training.Epochs != 0 {
		base.Training.Epochs = o.Training.Epochs
	}
	if o.Training.BudgetUSD != 0 {
		base.Training.BudgetUSD = o.Training.BudgetUSD
	}
	return base
}

func unitInterval(v float64, allowZero bool) bool {
	if isNaN(v) {
		return false
	}
	if allowZero && v == 0 {
		return true
	}
	return v > 0 && v <= 1
}

func isNaN(v float64) bool {
	return math.IsNaN(v)
}
