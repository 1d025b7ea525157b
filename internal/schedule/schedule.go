// Package schedule runs sync jobs on a cron schedule, the way the
// teacher's ActiveJob.CronSpec feeds a periodic snapshot job, but for a
// synchronize run instead.
package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dsh2dsh/cron/v3"

	"github.com/amescornish/buttersync/internal/config"
	"github.com/amescornish/buttersync/internal/logging"
)

// Runner performs one sync pass for job. Supplied by the caller so this
// package stays independent of how stores and the planner are wired
// together.
type Runner func(ctx context.Context, job *config.SyncJob) error

// Scheduler drives zero or more SyncJobs on their own cron spec.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	run  Runner
}

func New(log *slog.Logger, run Runner) *Scheduler {
	return &Scheduler{cron: cron.New(), log: log, run: run}
}

// Add schedules job on its Cron spec. A job with an empty spec is
// skipped: it runs only when invoked on demand, mirroring the teacher's
// ActiveJob.CronSpec returning "" for a job with neither Cron nor
// Interval set.
func (s *Scheduler) Add(ctx context.Context, job *config.SyncJob) error {
	if job.Cron == "" {
		return nil
	}

	name := job.Name
	_, err := s.cron.AddFunc(job.Cron, func() {
		log := s.log.With(slog.String("job", name))
		log.Info("starting scheduled sync")
		if err := s.run(ctx, job); err != nil {
			logging.WithError(log, err, "scheduled sync failed")
			return
		}
		log.Info("scheduled sync finished")
	})
	if err != nil {
		return fmt.Errorf("schedule: adding job %q: %w", name, err)
	}
	return nil
}

// Entries reports how many jobs are currently scheduled, for tests and
// for a CLI status line.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels the scheduler and blocks until every in-flight run
// finishes or ctx is done, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}
