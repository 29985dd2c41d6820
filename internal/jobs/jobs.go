// Package jobs schedules background maintenance. Each job takes a distributed
// lock so that only one instance runs it when several replicas are deployed.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/iaiaz/mifa-credits/internal/metrics"
)

type classSweeper interface {
	SweepEnded(ctx context.Context) (int, error)
}

type Runner struct {
	cron    *cron.Cron
	sync    *redsync.Redsync
	classes classSweeper
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRunner(rdb *goredislib.Client, classes classSweeper, log *slog.Logger) *Runner {
	return &Runner{
		cron:    cron.New(),
		sync:    redsync.New(goredis.NewPool(rdb)),
		classes: classes,
		log:     log,
		metrics: metrics.Get(),
	}
}

// Start registers the schedule and launches the scheduler goroutine.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc("@hourly", func() {
		r.locked("class_sweep", 10*time.Minute, r.sweepClasses)
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("job scheduler started", "jobs", []string{"class_sweep"})
	return nil
}

// Stop waits for running jobs, up to a grace period.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		r.log.Warn("jobs forced to stop after timeout")
	}
}

// locked runs fn under a redis mutex named after the job. Losing the lock
// race means another instance took the run; that is not an error.
func (r *Runner) locked(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	mutex := r.sync.NewMutex("jobs:"+name, redsync.WithExpiry(timeout))
	if err := mutex.Lock(); err != nil {
		r.log.Debug("job lock not acquired", "job", name, "err", err)
		r.metrics.JobRunsTotal.WithLabelValues(name, "skipped").Inc()
		return
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			r.log.Warn("job lock release failed", "job", name, "err", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		r.log.Error("job failed", "job", name, "err", err)
		r.metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		return
	}
	r.metrics.JobRunsTotal.WithLabelValues(name, "ok").Inc()
}

func (r *Runner) sweepClasses(ctx context.Context) error {
	swept, err := r.classes.SweepEnded(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		r.log.Info("ended classes swept", "count", swept)
	}
	return nil
}
