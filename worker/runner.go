// Package worker schedules the outbox dispatcher and cleaner.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

// A Job is one scheduled unit of work, f.e. one dispatcher cycle.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Runner runs jobs at fixed intervals. A job never overlaps with itself; a run that is still busy when the next
// tick comes makes that tick a no-op. With a lock path only the process holding the file lock runs jobs.
type Runner struct {
	cron     *cron.Cron
	lock     *flock.Flock
	ctx      context.Context
	cancel   context.CancelFunc
	logger   hclog.Logger
	entryIds []cron.EntryID
}

func NewRunner(lockPath string, logger hclog.Logger) *Runner {
	logger = logger.Named("worker")
	cronLogger := cron.PrintfLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}))
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cron:   cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cronLogger))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	if lockPath != "" {
		r.lock = flock.New(lockPath)
	}
	return r
}

// Schedule adds job, run every interval.
func (r *Runner) Schedule(interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, job.Name())
	}
	entryId, err := r.cron.AddFunc("@every "+interval.String(), func() {
		r.runJob(job)
	})
	if err != nil {
		return err
	}
	r.entryIds = append(r.entryIds, entryId)
	return nil
}

func (r *Runner) runJob(job Job) {
	if r.lock != nil {
		locked, err := r.lock.TryLock()
		if err != nil {
			r.logger.Error("could not acquire lock", "job", job.Name(), "error", err)
			return
		}
		if !locked {
			r.logger.Trace("lock held by another process, skipping", "job", job.Name())
			return
		}
		defer func() {
			if err := r.lock.Unlock(); err != nil {
				r.logger.Error("could not release lock", "error", err)
			}
		}()
	}
	start := time.Now()
	err := job.Run(r.ctx)
	if err != nil {
		r.logger.Error("job failed", "job", job.Name(), "error", err)
		return
	}
	r.logger.Trace("job done", "job", job.Name(), "duration", time.Since(start))
}

// RunNow runs all jobs once, in the order they were scheduled.
func (r *Runner) RunNow() {
	for _, id := range r.entryIds {
		entry := r.cron.Entry(id)
		if entry.Valid() {
			entry.Job.Run()
		}
	}
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits until they have returned or ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
