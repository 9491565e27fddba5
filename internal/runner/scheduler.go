package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/evolution/internal/logging"
)

// Scheduler fires a job on a standard five-field cron expression evaluated in UTC.
type Scheduler struct {
	mu      sync.Mutex
	spec    string
	sched   cron.Schedule
	cron    *cron.Cron
	ctx     context.Context
	job     func(context.Context)
	logger  *logging.Logger
	running bool
}

func NewScheduler(spec string, job func(context.Context), logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, sched: sched, job: job, logger: logger.Named("scheduler")}, nil
}

func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Next returns the first fire time after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.Next(from.UTC())
}

// Start begins firing; jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	c := cron.NewWithLocation(time.UTC)
	ctx := s.ctx
	c.Schedule(s.sched, cron.FuncJob(func() { s.job(ctx) }))
	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info(ctx, "cycle scheduled", zap.String("cron", s.spec), zap.Time("next", s.sched.Next(time.Now().UTC())))
}

// Reschedule swaps the expression. The running cron is replaced; an unchanged spec is a no-op.
func (s *Scheduler) Reschedule(spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec {
		return nil
	}
	s.spec = spec
	s.sched = sched
	if s.running {
		s.cron.Stop()
		s.startLocked()
	}
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cron.Stop()
		s.running = false
	}
}
