package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// job is a named periodic task.
type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// scheduler runs background maintenance on cron schedules.
type scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newScheduler(logger *slog.Logger, jobs ...job) (*scheduler, error) {
	s := &scheduler{
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j)); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

func (s *scheduler) wrap(j job) func() {
	return func() {
		timeout := j.timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		if err := j.run(ctx); err != nil {
			s.logger.Warn("Scheduled job failed", "job", j.name, "error", err)
			return
		}
		s.logger.Debug("Scheduled job finished", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
	}
}

// Start runs the schedule in the background.
func (s *scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for running jobs until ctx ends.
func (s *scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
