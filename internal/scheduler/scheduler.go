// Package scheduler runs periodic tasks. A Redis lock per task and period
// makes sure only one instance of the application runs each task. The lock
// doubles as the last-run marker, so restarts keep the schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ratticdb/rattic/internal/metrics"
)

// Task outcomes recorded in metrics.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// defaultCheckInterval bounds how long a due task waits to be noticed.
const defaultCheckInterval = time.Minute

// TaskFunc is the body of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Locker hands out expiring named locks.
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	LockOwner(ctx context.Context, name string) (string, error)
}

type entry struct {
	name   string
	period time.Duration
	fn     TaskFunc
}

// Scheduler runs each registered task once per period.
type Scheduler struct {
	locker   Locker
	owner    string
	location *time.Location
	logger   *slog.Logger
	recorder metrics.Recorder
	now      func() time.Time

	// checkEvery is the polling interval for tasks with longer periods.
	checkEvery time.Duration

	mu      sync.Mutex
	entries []entry
	started bool
}

// New creates a scheduler. Times in logs are shown in loc.
func New(locker Locker, loc *time.Location, logger *slog.Logger, recorder metrics.Recorder) *Scheduler {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		locker:     locker,
		owner:      uuid.NewString(),
		location:   loc,
		logger:     logger.With("component", "scheduler"),
		recorder:   recorder,
		now:        time.Now,
		checkEvery: defaultCheckInterval,
	}
}

// Add registers a task. It must be called before Run.
func (s *Scheduler) Add(name string, period time.Duration, fn TaskFunc) error {
	if period <= 0 {
		return fmt.Errorf("task %s: period must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.entries = append(s.entries, entry{name: name, period: period, fn: fn})
	return nil
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.name
	}
	return names
}

// Run starts one goroutine per task and blocks until ctx is cancelled and
// every running task has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "tasks", len(entries), "owner", s.owner)

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, e)
		}()
	}
	wg.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

// loop checks the task at start and then every checkEvery. A task is due
// when its lock from the previous run has expired, whichever instance
// took it.
func (s *Scheduler) loop(ctx context.Context, e entry) {
	interval := min(e.period, s.checkEvery)

	s.logger.Info("task scheduled",
		"task", e.name,
		"period", e.period,
		"check_interval", interval,
	)

	s.runIfDue(ctx, e)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runIfDue(ctx, e)
		}
	}
}

func (s *Scheduler) runIfDue(ctx context.Context, e entry) {
	holder, err := s.locker.LockOwner(ctx, lockName(e.name))
	if err == nil && holder != "" {
		return
	}
	s.RunOnce(ctx, e.name)
}

func lockName(task string) string {
	return "task:" + task
}

// RunOnce runs a task now if this instance wins its lock for the period.
// It returns the recorded status.
func (s *Scheduler) RunOnce(ctx context.Context, name string) string {
	e, ok := s.lookup(name)
	if !ok {
		s.logger.Error("unknown task", "task", name)
		return StatusError
	}

	lock := lockName(e.name)
	acquired, err := s.locker.AcquireLock(ctx, lock, s.owner, e.period)
	if err != nil {
		s.logger.Error("task lock failed", "task", e.name, "error", err)
		s.recorder.IncTaskRun(e.name, StatusError)
		return StatusError
	}
	if !acquired {
		holder, _ := s.locker.LockOwner(ctx, lock)
		s.logger.Debug("task already ran this period", "task", e.name, "holder", holder)
		s.recorder.IncTaskRun(e.name, StatusSkipped)
		return StatusSkipped
	}

	start := s.now()
	if err := e.fn(ctx); err != nil {
		s.logger.Error("task failed", "task", e.name, "error", err, "duration_ms", s.now().Sub(start).Milliseconds())
		s.recorder.IncTaskRun(e.name, StatusError)
		return StatusError
	}

	s.logger.Info("task finished",
		"task", e.name,
		"duration_ms", s.now().Sub(start).Milliseconds(),
		"next_run", start.Add(e.period).In(s.location).Format(time.RFC3339),
	)
	s.recorder.IncTaskRun(e.name, StatusOK)
	return StatusOK
}

func (s *Scheduler) lookup(name string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			return e, true
		}
	}
	return entry{}, false
}
