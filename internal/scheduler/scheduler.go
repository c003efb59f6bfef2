// Package scheduler runs the periodic pool maintenance jobs. Each job has
// its own ticker; a failed run is logged and retried on the next tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task. Run returns how many resources it touched.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) (int, error)
}

// SweepObserver is notified after every run.
type SweepObserver interface {
	ObserveSweep(sweep string, affected int, err error)
}

type Scheduler struct {
	jobs     []Job
	observer SweepObserver
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewScheduler(observer SweepObserver, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		observer: observer,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

// Add registers a job. Jobs with a non-positive interval are skipped.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 {
		s.logger.Info("Job disabled", zap.String("job", job.Name))
		return
	}
	if job.Timeout <= 0 {
		job.Timeout = 2 * time.Minute
	}
	s.jobs = append(s.jobs, job)
}

// Start blocks until ctx is cancelled and every job loop has returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", zap.Int("job_count", len(s.jobs)))

	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(job)
	}

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	logger := s.logger.With(zap.String("job", job.Name))
	logger.Info("Job scheduled", zap.Duration("interval", job.Interval))

	if job.RunAtStart {
		s.RunOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes a single run of job under its timeout.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	n, err := safeRun(runCtx, job)
	if s.observer != nil {
		s.observer.ObserveSweep(job.Name, n, err)
	}
	if err != nil {
		s.logger.Error("Job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Debug("Job completed",
		zap.String("job", job.Name),
		zap.Int("affected", n),
		zap.Duration("elapsed", time.Since(start)))
}

// safeRun turns a panicking job into a failed run.
func safeRun(ctx context.Context, job Job) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
