// Package scheduler runs the periodic jobs of the engine on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for a name that was never added
var ErrUnknownJob = errors.New("unknown job")

// Job is a function run on a fixed interval
type Job struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration // 0 = no timeout
	Run     func(ctx context.Context) error
}

// JobStatus reports the last run of a job
type JobStatus struct {
	Name         string        `json:"name"`
	Every        string        `json:"every"`
	Runs         int64         `json:"runs"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      *time.Time    `json:"next_run,omitempty"`
}

type entry struct {
	job    Job
	id     cron.EntryID
	status JobStatus
}

// Scheduler runs interval jobs. A job never overlaps with itself: a tick
// that arrives while the previous run is still going is skipped.
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	jobs    map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	logger  *slog.Logger
}

// New creates a scheduler whose jobs are evaluated in loc
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger}
	return &Scheduler{
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*entry),
		logger: logger,
	}
}

// Add registers a job. Jobs may be added before or after Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a function")
	}
	if job.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	e := &entry{job: job, status: JobStatus{Name: job.Name, Every: job.Every.String()}}
	id, err := s.c.AddFunc("@every "+job.Every.String(), func() { s.run(e) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
	}
	e.id = id
	s.jobs[job.Name] = e
	return nil
}

// Start starts running jobs until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.c.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "tz", s.c.Location().String())
}

// Stop stops scheduling and waits for running jobs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow runs a job synchronously outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(e)
}

func (s *Scheduler) run(e *entry) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := e.job.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.status.Runs++
	e.status.LastRun = &start
	e.status.LastDuration = elapsed
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", e.job.Name, "duration", elapsed, "error", err)
	} else {
		s.logger.Debug("job finished", "job", e.job.Name, "duration", elapsed)
	}
	return err
}

// Status returns the state of every job sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := e.status
		if next := s.c.Entry(e.id).Next; !next.IsZero() {
			st.NextRun = &next
		}
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// cronLogger adapts slog to the cron logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
