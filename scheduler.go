package offlinekit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SchedulerOptions configures periodic maintenance. A zero interval
// disables the job.
type SchedulerOptions struct {
	CleanupInterval time.Duration
	DrainInterval   time.Duration
	Logger          *zap.Logger
}

// Scheduler runs the cache sweep and the offline queue drain on an interval.
type Scheduler struct {
	layer   *Layer
	opts    SchedulerOptions
	log     *zap.Logger
	cron    *cron.Cron
	entries []cron.EntryID
}

// NewScheduler creates a stopped scheduler for layer.
func NewScheduler(layer *Layer, opts *SchedulerOptions) *Scheduler {
	s := &Scheduler{layer: layer}
	if opts != nil {
		s.opts = *opts
	}
	s.log = nopIfNil(s.opts.Logger)
	clog := cronLogger{s.log.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	return s
}

// Start registers the enabled jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if s.opts.CleanupInterval > 0 {
		if err := s.add(s.opts.CleanupInterval, s.RunCleanup); err != nil {
			return fmt.Errorf("schedule cache cleanup: %w", err)
		}
	}
	if s.opts.DrainInterval > 0 {
		if err := s.add(s.opts.DrainInterval, func() { s.RunDrain(context.Background()) }); err != nil {
			return fmt.Errorf("schedule queue drain: %w", err)
		}
	}
	if len(s.entries) == 0 {
		s.log.Info("scheduler has no jobs enabled")
		return nil
	}
	s.log.Info("starting scheduler",
		zap.Duration("cleanup_interval", s.opts.CleanupInterval),
		zap.Duration("drain_interval", s.opts.DrainInterval))
	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("stopped scheduler")
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) add(every time.Duration, job func()) error {
	id, err := s.cron.AddFunc("@every "+every.String(), job)
	if err != nil {
		return err
	}
	s.entries = append(s.entries, id)
	return nil
}

// RunCleanup deletes every expired cache entry.
func (s *Scheduler) RunCleanup() {
	if n := s.layer.Cache().Cleanup(); n > 0 {
		s.log.Debug("expired cache entries removed", zap.Int("count", n))
	}
}

// RunDrain drains the offline queue when the sync channel is connected. It
// skips the run when a drain is already in progress.
func (s *Scheduler) RunDrain(ctx context.Context) {
	if !s.layer.SyncChannel().Connected() {
		return
	}
	if s.layer.Queue().Draining() {
		s.log.Info("queue drain already running, skipping scheduled run")
		return
	}
	if s.layer.Queue().Len() == 0 {
		return
	}
	s.layer.drain(ctx)
}

// cronLogger routes cron's logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
