package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"territoria.org/internal/obs"
)

const purgeTimeout = 5 * time.Minute

// Purger hard-deletes grant rows revoked longer ago than olderThan.
type Purger interface {
	PurgeRevoked(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PurgeGrantsJob removes long-revoked grant rows. It implements cron.Job.
type PurgeGrantsJob struct {
	purger    Purger
	retention time.Duration
}

// NewPurgeGrantsJob builds the purge job.
func NewPurgeGrantsJob(p Purger, retention time.Duration) *PurgeGrantsJob {
	return &PurgeGrantsJob{purger: p, retention: retention}
}

// Run executes one purge pass.
func (j *PurgeGrantsJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	if _, err := j.RunContext(ctx); err != nil {
		obs.Logger().WithError(err).Error("purge of revoked grants failed")
	}
}

// RunContext executes one purge pass and reports the number of deleted rows.
func (j *PurgeGrantsJob) RunContext(ctx context.Context) (int64, error) {
	started := time.Now()
	n, err := j.purger.PurgeRevoked(ctx, j.retention)
	if err != nil {
		return 0, err
	}
	obs.Logger().WithFields(logrus.Fields{
		"job":       "purge_revoked_grants",
		"deleted":   n,
		"retention": j.retention.String(),
		"duration":  time.Since(started).String(),
	}).Info("revoked grants purged")
	return n, nil
}

// Scheduler runs maintenance jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a UTC scheduler that skips a run while the previous one is still going.
func NewScheduler() *Scheduler {
	logger := cron.PrintfLogger(obs.Logger())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers job under a standard cron spec or descriptor such as "@daily".
func (s *Scheduler) Add(spec string, job cron.Job) error {
	if job == nil {
		return errors.New("jobs: nil job")
	}
	_, err := s.cron.AddJob(spec, job)
	return err
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
