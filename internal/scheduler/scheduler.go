// Package scheduler runs the agent's periodic jobs on a cron clock. Each
// job is guarded against overlapping itself and against panics.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/conviction-engine/internal/metrics"
)

// JobFunc is the body of a periodic job.
type JobFunc func(ctx context.Context) error

// Scheduler owns every repeating job.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	running atomic.Bool
	entry   cron.EntryID
}

// New creates a scheduler. Schedules accept an optional seconds field and
// descriptors such as "@every 10s".
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger.With("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Every is shorthand for a fixed interval schedule.
func Every(d time.Duration) string { return "@every " + d.String() }

// Add registers fn under name.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	id, err := s.cron.AddJob(spec, cron.FuncJob(func() { s.run(j) }))
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

// RunNow executes a registered job immediately on the caller's
// goroutine, subject to the same overlap guard.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	s.run(j)
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))
}

// Stop cancels in-flight jobs and waits for them, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// run skips when the previous run of the same job is still in flight.
func (s *Scheduler) run(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		metrics.JobSkipped.WithLabelValues(j.name).Inc()
		s.logger.Debug("job still running, skipped", "job", j.name)
		return
	}
	defer j.running.Store(false)

	start := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", j.name, "panic", r)
		}
	}()

	if err := j.fn(s.ctx); err != nil {
		s.logger.Warn("job failed", "job", j.name, "err", err)
	}
}

// cronLogger bridges cron's logger onto slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
