// Package cron runs the gateway's periodic housekeeping jobs.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Schedule defines when a job runs. Exactly one of Every or Expr is set.
type Schedule struct {
	Every time.Duration `json:"every,omitempty"`
	Expr  string        `json:"expr,omitempty"` // six-field cron expression, seconds first
}

func (s Schedule) spec() (string, error) {
	switch {
	case s.Expr != "" && s.Every > 0:
		return "", fmt.Errorf("schedule has both every and expr")
	case s.Expr != "":
		return s.Expr, nil
	case s.Every > 0:
		return fmt.Sprintf("@every %s", s.Every), nil
	default:
		return "", fmt.Errorf("empty schedule")
	}
}

// JobFunc is the work done when a job fires.
type JobFunc func(ctx context.Context) error

// JobState tracks the runtime state of a job.
type JobState struct {
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	LastStatus   string        `json:"lastStatus,omitempty"` // "ok", "error"
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
	Runs         int           `json:"runs"`
}

// Job represents a scheduled job.
type Job struct {
	ID       string        `json:"id"`
	Schedule Schedule      `json:"schedule"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	State    JobState      `json:"state"`

	run         JobFunc
	cronEntryID cron.EntryID
}

// Scheduler manages scheduled jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*Job
	logger zerolog.Logger

	mu      sync.RWMutex
	running bool
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		jobs:   make(map[string]*Job),
		logger: logger.With().Str("component", "cron").Logger(),
	}
}

// AddJob registers a job. Job ids are unique.
func (s *Scheduler) AddJob(id string, schedule Schedule, timeout time.Duration, run JobFunc) error {
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if run == nil {
		return fmt.Errorf("job %s: run function is required", id)
	}
	spec, err := schedule.spec()
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %s already exists", id)
	}

	job := &Job{ID: id, Schedule: schedule, Timeout: timeout, run: run}
	entryID, err := s.cron.AddFunc(spec, func() { s.execJob(id) })
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	job.cronEntryID = entryID
	if next := s.cron.Entry(entryID).Next; !next.IsZero() {
		job.State.NextRunAt = next
	}
	s.jobs[id] = job

	s.logger.Debug().Str("job", id).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// RemoveJob unschedules a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	s.cron.Remove(job.cronEntryID)
	delete(s.jobs, id)
	return nil
}

// execJob calls the job and updates its state.
func (s *Scheduler) execJob(id string) {
	s.mu.RLock()
	job, exists := s.jobs[id]
	var run JobFunc
	var timeout time.Duration
	if exists {
		run = job.run
		timeout = job.Timeout
	}
	s.mu.RUnlock()

	if !exists {
		return
	}

	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	job.State.LastRunAt = start
	job.State.LastDuration = duration
	job.State.Runs++
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		s.logger.Error().Err(err).Str("job", id).Msg("Job execution failed")
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	if next := s.cron.Entry(job.cronEntryID).Next; !next.IsZero() {
		job.State.NextRunAt = next
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RunJobNow triggers a job immediately, in the background.
func (s *Scheduler) RunJobNow(id string) error {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}

	go s.execJob(id)
	return nil
}

// Jobs returns snapshots of all jobs sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	list := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, Job{ID: j.ID, Schedule: j.Schedule, Timeout: j.Timeout, State: j.State})
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, k int) bool { return list[i].ID < list[k].ID })
	return list
}

// GetJob returns a snapshot of one job.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return Job{ID: j.ID, Schedule: j.Schedule, Timeout: j.Timeout, State: j.State}, true
}
