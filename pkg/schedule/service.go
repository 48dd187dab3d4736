// Package schedule runs stored jobs that submit prompts into sessions on a
// timer: one-shot "at" jobs, fixed-interval "every" jobs, and cron
// expressions. Jobs persist as JSON so they survive daemon restarts.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/irwin/switchboard/internal/observability"
)

// ServiceOptions configures the scheduler.
type ServiceOptions struct {
	StorePath string // Path to jobs.json

	// RunTurn submits the job's prompt into its session and blocks until
	// the turn settles. Required.
	RunTurn func(ctx context.Context, job *Job) error

	// OnEvent receives job lifecycle events. Optional.
	OnEvent func(evt Event)
}

// Service manages job scheduling and execution.
type Service struct {
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	options ServiceOptions
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService loads the job registry and schedules all enabled jobs.
func NewService(opts ServiceOptions) (*Service, error) {
	observability.EnsureRegistered()

	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.RunTurn == nil {
		return nil, fmt.Errorf("run turn callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		options: opts,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadJobs(); err != nil {
		log.Warn().Err(err).Msg("failed to load jobs, starting with empty registry")
	}

	s.scheduleAll()

	log.Info().Int("job_count", len(s.jobs)).Msg("scheduler initialized")
	return s, nil
}

// AddJob creates a new job.
func (s *Service) AddJob(params AddParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("scheduler is stopped")
	}
	if params.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if params.SessionKey == "" {
		return nil, fmt.Errorf("session key is required")
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	nextRunAtMs, err := NextRun(params.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	now := Now()
	job := &Job{
		ID:             uuid.New().String(),
		Name:           params.Name,
		Description:    params.Description,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       params.Schedule,
		SessionKey:     params.SessionKey,
		Prompt:         params.Prompt,
		Model:          params.Model,
		State: JobState{
			NextRunAtMs: Int64Ptr(nextRunAtMs),
		},
	}

	s.jobs[job.ID] = job
	if err := s.persist(); err != nil {
		delete(s.jobs, job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if job.Enabled {
		s.scheduleJobLocked(job)
	}

	log.Info().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Str("session_key", job.SessionKey).
		Bool("enabled", job.Enabled).
		Msg("job created")

	s.emit(Event{Action: EventActionAdded, JobID: job.ID})
	return job, nil
}

// UpdateJob applies a patch to an existing job.
func (s *Service) UpdateJob(id string, patch JobPatch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("scheduler is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}

	scheduleChanged := false
	enabledChanged := false
	oldEnabled := job.Enabled

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
		enabledChanged = oldEnabled != job.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.SessionKey != nil {
		job.SessionKey = *patch.SessionKey
	}
	if patch.Prompt != nil {
		job.Prompt = *patch.Prompt
	}
	if patch.Model != nil {
		job.Model = *patch.Model
	}

	job.UpdatedAtMs = Now()

	if scheduleChanged {
		nextRunAtMs, err := NextRun(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
		job.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
	}

	if err := s.persist(); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if scheduleChanged || enabledChanged {
		s.cancelJobLocked(id)
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}

	log.Info().
		Str("job_id", id).
		Str("name", job.Name).
		Bool("schedule_changed", scheduleChanged).
		Msg("job updated")

	s.emit(Event{Action: EventActionUpdated, JobID: id})
	return job, nil
}

// RemoveJob deletes a job.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	s.cancelJobLocked(id)
	delete(s.jobs, id)

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	log.Info().Str("job_id", id).Str("name", job.Name).Msg("job removed")
	s.emit(Event{Action: EventActionDeleted, JobID: id})
	return nil
}

// RunJob manually executes a job. RunModeDue skips disabled jobs,
// RunModeForce runs regardless.
func (s *Service) RunJob(id string, mode RunMode) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	if mode == RunModeDue && !job.Enabled {
		log.Debug().Str("job_id", id).Msg("skipping disabled job in 'due' mode")
		return nil
	}

	go s.executeJob(job)
	return nil
}

// ListJobs returns all jobs sorted by creation time, optionally filtered by
// session key or enabled state.
func (s *Service) ListJobs(sessionKey *string, enabled *bool) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if sessionKey != nil && job.SessionKey != *sessionKey {
			continue
		}
		if enabled != nil && job.Enabled != *enabled {
			continue
		}
		jobs = append(jobs, job)
	}

	for i := 0; i < len(jobs)-1; i++ {
		for j := i + 1; j < len(jobs); j++ {
			if jobs[j].CreatedAtMs < jobs[i].CreatedAtMs {
				jobs[i], jobs[j] = jobs[j], jobs[i]
			}
		}
	}
	return jobs
}

// GetJob returns a specific job, or nil.
func (s *Service) GetJob(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// Stop cancels all timers and persists final state.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	s.stopped = true
	s.cancel()

	for id := range s.timers {
		s.cancelJobLocked(id)
	}

	if err := s.persist(); err != nil {
		log.Error().Err(err).Msg("failed to persist job state on shutdown")
		return err
	}

	log.Info().Msg("scheduler stopped")
	return nil
}

func (s *Service) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}
}

// scheduleJobLocked arms the job's timer. Caller holds the lock.
func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRunAtMs == nil {
		log.Warn().Str("job_id", job.ID).Msg("cannot schedule job without next run time")
		return
	}

	delay := *job.State.NextRunAtMs - Now()
	if delay < 0 {
		delay = 0
	}

	s.timers[job.ID] = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		s.executeJob(job)
	})

	log.Debug().
		Str("job_id", job.ID).
		Int64("delay_ms", delay).
		Msg("job scheduled")
}

// cancelJobLocked stops the job's timer. Caller holds the lock.
func (s *Service) cancelJobLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) executeJob(job *Job) {
	s.mu.Lock()

	currentJob, exists := s.jobs[job.ID]
	if !exists {
		s.mu.Unlock()
		log.Debug().Str("job_id", job.ID).Msg("job no longer exists, skipping execution")
		return
	}
	if currentJob.State.RunningAtMs != nil {
		s.mu.Unlock()
		log.Debug().Str("job_id", job.ID).Msg("job already running, skipping execution")
		observability.RecordJobRun("skipped")
		return
	}

	startMs := Now()
	currentJob.State.RunningAtMs = Int64Ptr(startMs)
	s.mu.Unlock()

	log.Info().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Str("session_key", job.SessionKey).
		Msg("executing job")

	err := s.options.RunTurn(s.ctx, currentJob)

	s.mu.Lock()
	defer s.mu.Unlock()

	durationMs := Now() - startMs
	currentJob.State.RunningAtMs = nil
	currentJob.State.LastRunAtMs = Int64Ptr(startMs)
	currentJob.State.LastDurationMs = Int64Ptr(durationMs)

	if err != nil {
		currentJob.State.LastStatus = "error"
		currentJob.State.LastError = err.Error()
		currentJob.State.ConsecutiveErrors++
		observability.RecordJobRun("error")

		log.Error().
			Str("job_id", job.ID).
			Err(err).
			Int("consecutive_errors", currentJob.State.ConsecutiveErrors).
			Msg("job execution failed")
	} else {
		currentJob.State.LastStatus = "ok"
		currentJob.State.LastError = ""
		currentJob.State.ConsecutiveErrors = 0
		observability.RecordJobRun("ok")

		log.Info().
			Str("job_id", job.ID).
			Int64("duration_ms", durationMs).
			Msg("job execution completed")
	}

	nextRunAtMs, calcErr := NextRun(currentJob.Schedule)
	if calcErr != nil {
		log.Error().Str("job_id", job.ID).Err(calcErr).Msg("failed to calculate next run")
	} else {
		currentJob.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
	}

	if persistErr := s.persist(); persistErr != nil {
		log.Error().Err(persistErr).Msg("failed to persist job state")
	}

	s.emit(Event{
		Action:      EventActionFinished,
		JobID:       job.ID,
		Status:      currentJob.State.LastStatus,
		Error:       currentJob.State.LastError,
		DurationMs:  Int64Ptr(durationMs),
		NextRunAtMs: currentJob.State.NextRunAtMs,
	})

	if currentJob.DeleteAfterRun && err == nil {
		log.Info().Str("job_id", job.ID).Msg("deleting job after successful run")
		s.cancelJobLocked(job.ID)
		delete(s.jobs, job.ID)
		if persistErr := s.persist(); persistErr != nil {
			log.Error().Err(persistErr).Msg("failed to persist after delete")
		}
		s.emit(Event{Action: EventActionDeleted, JobID: job.ID})
		return
	}

	// One-shot "at" jobs must not rearm for the same instant.
	if currentJob.Schedule.Kind == KindAt {
		return
	}
	if currentJob.Enabled && calcErr == nil && !s.stopped {
		s.scheduleJobLocked(currentJob)
	}
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}

func (s *Service) loadJobs() error {
	if _, err := os.Stat(s.options.StorePath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(s.options.StorePath)
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	s.jobs = make(map[string]*Job)
	for _, job := range jobs {
		// Stale running markers from a crashed daemon would block reruns.
		job.State.RunningAtMs = nil
		s.jobs[job.ID] = job
	}

	log.Info().Int("count", len(jobs)).Msg("loaded jobs from registry")
	return nil
}

func (s *Service) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.options.StorePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
