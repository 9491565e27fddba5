// Package governor enforces the resource quotas and owns the system-wide integrity halt.
// Every admission and promotion passes through it.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/failure"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/store"
)

type Governor struct {
	policy *config.PolicyStore
	probe  DiskProbe
	logger *logging.Logger
	now    func() time.Time

	mu              sync.Mutex
	concurrent      int
	promotionsToday int
	day             string
	diskBytes       int64
	halted          bool
	haltReason      string
	haltedAt        time.Time
}

// New returns a governor. probe may be nil, which disables the disk checks.
func New(policy *config.PolicyStore, probe DiskProbe, logger *logging.Logger) *Governor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Governor{policy: policy, probe: probe, logger: logger.Named("governor"), now: time.Now}
}

func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// dayKey names the quota day: days roll over at the policy's reset hour, not midnight.
func dayKey(t time.Time, resetHour int) string {
	return t.UTC().Add(-time.Duration(resetHour) * time.Hour).Format("2006-01-02")
}

func nextReset(t time.Time, resetHour int) time.Time {
	t = t.UTC()
	reset := time.Date(t.Year(), t.Month(), t.Day(), resetHour, 0, 0, 0, time.UTC)
	if !reset.After(t) {
		reset = reset.Add(24 * time.Hour)
	}
	return reset
}

// rollLocked zeroes the daily counters when the quota day changed.
func (g *Governor) rollLocked(q config.QuotaPolicy) {
	key := dayKey(g.now(), q.ResetHourUTC)
	if key != g.day {
		if g.day != "" {
			g.logger.Info(context.Background(), "daily quota reset", zap.String("day", key),
				zap.Int("promotions_yesterday", g.promotionsToday))
		}
		g.day = key
		g.promotionsToday = 0
	}
}

func (g *Governor) haltErrLocked() error {
	if !g.halted {
		return nil
	}
	return failure.Integrityf(failure.CodeIntegrityHalt, "integrity halt active: %s", g.haltReason)
}

// AdmitJob takes a concurrency slot for a new job. It refuses, without side effects, when
// the halt is active or any quota would be exceeded. The disk probe runs outside the lock.
func (g *Governor) AdmitJob(ctx context.Context) error {
	q := g.policy.Current().Quotas
	usage, probed, err := g.measure(ctx)
	if err != nil {
		return failure.New(failure.Transient, failure.CodeDiskBudget, fmt.Errorf("disk probe: %w", err))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(q)
	if err := g.haltErrLocked(); err != nil {
		return err
	}
	if g.concurrent >= q.MaxConcurrentJobs {
		return failure.Resourcef(failure.CodeConcurrencyQuota, "%d of %d concurrent jobs in use", g.concurrent, q.MaxConcurrentJobs)
	}
	if g.promotionsToday >= q.MaxDailyPromotions {
		return failure.Resourcef(failure.CodeDailyPromotionQuota, "%d of %d promotions used today", g.promotionsToday, q.MaxDailyPromotions)
	}
	if probed {
		g.diskBytes = usage.UsedBytes
		if usage.UsedBytes >= q.DiskBudgetBytes {
			return failure.Resourcef(failure.CodeDiskBudget, "artifacts use %d of %d bytes", usage.UsedBytes, q.DiskBudgetBytes)
		}
		if q.MinFreeDiskBytes > 0 && usage.FreeBytes < q.MinFreeDiskBytes {
			return failure.Resourcef(failure.CodeDiskFree, "%d bytes free, floor is %d", usage.FreeBytes, q.MinFreeDiskBytes)
		}
	}
	g.concurrent++
	return nil
}

func (g *Governor) measure(ctx context.Context) (DiskUsage, bool, error) {
	if g.probe == nil {
		return DiskUsage{}, false, nil
	}
	u, err := g.probe.Usage(ctx)
	if err != nil {
		return DiskUsage{}, false, err
	}
	return u, true, nil
}

// ReleaseJob returns a concurrency slot once a job leaves Training.
func (g *Governor) ReleaseJob() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.concurrent > 0 {
		g.concurrent--
	}
}

// ReservePromotion counts a promotion against today's quota.
func (g *Governor) ReservePromotion(context.Context) error {
	q := g.policy.Current().Quotas
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(q)
	if err := g.haltErrLocked(); err != nil {
		return err
	}
	if g.promotionsToday >= q.MaxDailyPromotions {
		return failure.Resourcef(failure.CodeDailyPromotionQuota, "%d of %d promotions used today", g.promotionsToday, q.MaxDailyPromotions)
	}
	g.promotionsToday++
	return nil
}

// CancelPromotion gives back a reservation whose swap never went live.
func (g *Governor) CancelPromotion() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.promotionsToday > 0 {
		g.promotionsToday--
	}
}

// Halt stops admissions and promotions. The first reason sticks until cleared.
func (g *Governor) Halt(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.halted {
		return false
	}
	g.halted = true
	g.haltReason = reason
	g.haltedAt = g.now().UTC()
	g.logger.Error(context.Background(), "integrity halt engaged", zap.String("reason", reason))
	return true
}

// ClearHalt lifts the halt and reports whether one was active.
func (g *Governor) ClearHalt() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.halted {
		return false
	}
	g.halted = false
	g.haltReason = ""
	g.haltedAt = time.Time{}
	return true
}

func (g *Governor) Halted() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.haltReason
}

func (g *Governor) Snapshot() models.Quota {
	q := g.policy.Current().Quotas
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(q)
	return models.Quota{
		MaxConcurrentJobs:  q.MaxConcurrentJobs,
		MaxDailyPromotions: q.MaxDailyPromotions,
		DiskBudgetBytes:    q.DiskBudgetBytes,
		MinFreeDiskBytes:   q.MinFreeDiskBytes,
		ConcurrentJobs:     g.concurrent,
		PromotionsToday:    g.promotionsToday,
		DiskBytes:          g.diskBytes,
		Day:                g.day,
		Halted:             g.halted,
		HaltReason:         g.haltReason,
		ResetAt:            nextReset(g.now(), q.ResetHourUTC),
	}
}

// Resync rebuilds the counters from the job store after a restart. Promotions count on the
// day they went live, whatever happened to them since.
func (g *Governor) Resync(ctx context.Context, st store.Store) error {
	q := g.policy.Current().Quotas
	active, err := st.CountJobs(ctx, models.JobQueued, models.JobClaimed, models.JobTraining)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	settled, err := st.ListJobs(ctx, store.JobFilter{Statuses: []models.JobStatus{models.JobPromoted, models.JobRolledBack}, Limit: 500})
	if err != nil {
		return fmt.Errorf("list promoted jobs: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked(q)
	promoted := 0
	for _, job := range settled {
		at := job.PromotedAt
		if at == nil && job.Status == models.JobPromoted {
			at = &job.UpdatedAt
		}
		if at != nil && dayKey(*at, q.ResetHourUTC) == g.day {
			promoted++
		}
	}
	g.concurrent = active
	g.promotionsToday = promoted
	return nil
}
