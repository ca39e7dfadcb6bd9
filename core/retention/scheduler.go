package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"incident-desk/config"
	"incident-desk/core/metrics"
	"incident-desk/core/utils"
)

// Purger deletes rows whose retention ended before now.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Job struct {
	Name   string
	Purger Purger
}

// Scheduler runs every job on one cron schedule.
type Scheduler struct {
	cfg    config.AuditConfig
	jobs   []Job
	logger *utils.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(cfg config.AuditConfig, logger *utils.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{cfg: cfg, jobs: jobs, logger: logger, now: utils.NowUTC}
}

func (s *Scheduler) StartWithContext(ctx context.Context) error {
	if s == nil || !s.cfg.SchedulerEnabled || len(s.jobs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	spec := s.cfg.PurgeSchedule
	if spec == "" {
		spec = "@daily"
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() { s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Printf("retention: scheduler started spec=%s jobs=%d", spec, len(s.jobs))
	return nil
}

// StopWithContext waits for a running purge to finish or ctx to expire.
func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c, cancel, wasRunning := s.cron, s.cancel, s.running
	s.cron, s.cancel, s.running = nil, nil, false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job and returns the number of rows each one removed.
// A failing job does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]int64 {
	now := s.now()
	out := make(map[string]int64, len(s.jobs))
	for _, job := range s.jobs {
		n, err := job.Purger.PurgeExpired(ctx, now)
		if err != nil {
			s.logger.Errorf("retention: %s purge failed: %v", job.Name, err)
			continue
		}
		out[job.Name] = n
		if n > 0 {
			metrics.RetentionPurged.WithLabelValues(job.Name).Add(float64(n))
			s.logger.Printf("retention: %s purged %d rows", job.Name, n)
		}
	}
	return out
}
