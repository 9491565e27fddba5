// Package runner owns the background loops of the service: the nightly cycle, the heartbeat
// reaper, periodic chain verification, the ledger export streamer and the policy watcher.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/config"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/logging"
	"github.com/ILLUVRSE/evolution/internal/orchestrator"
)

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Policy       *config.PolicyStore
	// Streamer and Watcher are optional.
	Streamer *ledger.Streamer
	Watcher  *config.Watcher
	// RunScheduler enables the nightly cron; the other loops always run.
	RunScheduler bool
	Logger       *logging.Logger
}

type Runner struct {
	orch      *orchestrator.Orchestrator
	policy    *config.PolicyStore
	streamer  *ledger.Streamer
	watcher   *config.Watcher
	scheduler *Scheduler
	logger    *logging.Logger
}

func New(cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Runner{
		orch:     cfg.Orchestrator,
		policy:   cfg.Policy,
		streamer: cfg.Streamer,
		watcher:  cfg.Watcher,
		logger:   logger.Named("runner"),
	}
	if cfg.RunScheduler {
		s, err := NewScheduler(cfg.Policy.Current().Schedule.Cron, r.CycleOnce, logger)
		if err != nil {
			return nil, err
		}
		r.scheduler = s
		cfg.Policy.OnChange(func(p *config.Policy) {
			if err := s.Reschedule(p.Schedule.Cron); err != nil {
				r.logger.Error(context.Background(), "reschedule cycle", zap.Error(err))
			}
		})
	}
	return r, nil
}

func (r *Runner) Scheduler() *Scheduler { return r.scheduler }

// Run starts every loop and blocks until ctx is cancelled and all loops have returned.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if r.scheduler != nil {
		r.scheduler.Start(ctx)
		defer r.scheduler.Stop()
	}
	spawn(func() {
		r.every(ctx, func() time.Duration { return r.policy.Current().Dispatcher.ReapInterval.Duration() }, r.ReapOnce)
	})
	spawn(func() {
		r.every(ctx, func() time.Duration { return r.policy.Current().Schedule.VerifyInterval.Duration() }, r.VerifyOnce)
	})
	if r.streamer != nil {
		spawn(func() {
			if err := r.streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error(ctx, "ledger streamer stopped", zap.Error(err))
			}
		})
	}
	if r.watcher != nil {
		spawn(func() { r.watcher.Run(ctx) })
	}

	r.logger.Info(ctx, "background loops started", zap.Bool("scheduler", r.scheduler != nil),
		zap.Bool("streamer", r.streamer != nil), zap.Bool("watcher", r.watcher != nil))
	<-ctx.Done()
	wg.Wait()
}

// every runs fn after each interval. The interval is re-read so policy reloads take effect
// on the next tick.
func (r *Runner) every(ctx context.Context, interval func() time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(ctx)
		timer.Reset(interval())
	}
}

// CycleOnce runs one detection pass. An overlapping run is skipped.
func (r *Runner) CycleOnce(ctx context.Context) {
	report, err := r.orch.RunCycle(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrCycleRunning):
		r.logger.Info(ctx, "scheduled cycle skipped, previous still running")
	case err != nil:
		r.logger.Error(ctx, "scheduled cycle failed", zap.Error(err))
	default:
		r.logger.Info(ctx, "scheduled cycle done", zap.Int("queued", len(report.Queued)),
			zap.Int("refused", len(report.Refused)))
	}
}

func (r *Runner) ReapOnce(ctx context.Context) {
	rep, err := r.orch.Dispatcher().ReapExpired(ctx)
	if err != nil {
		r.logger.Error(ctx, "reap expired jobs", zap.Error(err))
		return
	}
	if n := len(rep.Requeued) + len(rep.Rejected); n > 0 {
		r.logger.Warn(ctx, "reaped jobs with expired heartbeats", zap.Int("requeued", len(rep.Requeued)),
			zap.Int("rejected", len(rep.Rejected)))
	}
}

func (r *Runner) VerifyOnce(ctx context.Context) {
	report, err := r.orch.VerifyLedger(ctx)
	if err != nil {
		r.logger.Error(ctx, "ledger verification failed to run", zap.Error(err))
		return
	}
	if !report.Valid {
		r.logger.Error(ctx, "ledger verification found a broken chain", zap.Int64("broken_at", report.BrokenAt),
			zap.String("reason", report.Reason))
		return
	}
	r.logger.Debug(ctx, "ledger verified", zap.Int64("entries", report.Entries))
}
