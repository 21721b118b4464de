package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"garden-api/internal/observability"
)

const (
	defaultSchedule = "@every 1h"
	runTimeout      = 2 * time.Minute
)

// Scheduler runs the cleanup job in-process for long-running deployments.
// Serverless deployments hit CleanupHandler from an external cron instead.
type Scheduler struct {
	cron   *cron.Cron
	job    *Job
	logger *observability.Logger
}

func NewScheduler(job *Job, logger *observability.Logger, schedule string) (*Scheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultSchedule
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		job:    job,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	_, _ = s.job.Run(ctx, "cron")
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cleanup_scheduler_started", map[string]any{"entries": len(s.cron.Entries())})
}

// Stop waits for a running cleanup to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
