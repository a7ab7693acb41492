package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/cronclaw/internal/store"
)

const (
	storeVersion = 1

	// stopDrainTimeout bounds how long Stop waits for an in-flight run.
	stopDrainTimeout = 10 * time.Second

	// stuckRunAge is how long a persisted "running" marker may be before a
	// restart treats it as a crashed run even when the marker looks fresh.
	stuckRunAge = 2 * time.Hour
)

// Deps are the injected collaborators of the scheduler. NowMS and Recorder
// may be nil; Backend is required. OnEvent is delivered synchronously, in
// some cases under the service lock: handlers must not call back into the
// service.
type Deps struct {
	NowMS    func() int64
	Backend  store.Backend
	Recorder RunRecorder
	OnEvent  func(Event)
}

// Options are the static knobs, typically filled from config.
type Options struct {
	Enabled          bool
	DefaultTimezone  string
	MaxJobsPerTenant int
	MaxRunMS         int64
	DefaultPolicy    Policy
}

// Service schedules and executes persisted jobs. All job state lives behind
// one mutex; the executor runs on the dispatcher goroutine outside it.
type Service struct {
	mu   sync.Mutex
	deps Deps
	opts Options

	jobs     map[string]*Job
	timers   map[string]*timerHandle
	timerGen uint64

	queue    []RunRequest
	queued   map[string]bool
	inFlight map[string]bool
	retrying map[string]bool

	executor Executor
	running  bool
	loaded   bool
	stopCh   chan struct{}
	wakeCh   chan struct{}
	doneCh   chan struct{}
}

// NewService creates a scheduler. Call SetExecutor and Start before jobs fire.
func NewService(deps Deps, opts Options) *Service {
	if deps.NowMS == nil {
		deps.NowMS = func() int64 { return time.Now().UnixMilli() }
	}
	if opts.MaxJobsPerTenant <= 0 {
		opts.MaxJobsPerTenant = 25
	}
	if opts.MaxRunMS <= 0 {
		opts.MaxRunMS = 10 * 60 * 1000
	}
	return &Service{
		deps:     deps,
		opts:     opts,
		jobs:     make(map[string]*Job),
		timers:   make(map[string]*timerHandle),
		queued:   make(map[string]bool),
		inFlight: make(map[string]bool),
		retrying: make(map[string]bool),
	}
}

func (s *Service) nowMS() int64 { return s.deps.NowMS() }

// SetExecutor installs the run callback. Safe to call before or after Start.
func (s *Service) SetExecutor(exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = exec
}

// IsEnabled reports whether the scheduler was configured to run.
func (s *Service) IsEnabled() bool { return s.opts.Enabled }

// DefaultTimezone returns the zone applied to cron schedules without one.
func (s *Service) DefaultTimezone() string { return s.opts.DefaultTimezone }

// Hydrate loads the persisted snapshot without starting timers or the
// dispatcher. One-off mutations (CLI add/remove/toggle) use this so they see
// and preserve existing jobs. Start hydrates implicitly.
func (s *Service) Hydrate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
}

// Start loads the persisted snapshot, recovers interrupted runs, catches up
// missed fires, arms timers, and begins dispatching.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.opts.Enabled {
		slog.Info("cron disabled, not starting")
		return nil
	}

	s.loadLocked(ctx)

	now := s.nowMS()
	s.recoverInterruptedLocked(now)
	s.catchUpLocked(now)

	for id, job := range s.jobs {
		if job.Enabled && job.State.NextRunAtMS > 0 && !s.queued[id] {
			s.armTimerLocked(id, job.State.NextRunAtMS)
		}
	}
	s.persistLocked()

	s.stopCh = make(chan struct{})
	s.wakeCh = make(chan struct{}, 1)
	s.doneCh = make(chan struct{})
	s.running = true
	go s.dispatchLoop(s.stopCh, s.wakeCh, s.doneCh)

	slog.Info("cron service started", "jobs", len(s.jobs), "queued", len(s.queue))
	return nil
}

// Stop halts dispatching and waits up to 10s for an in-flight run to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopAllTimersLocked()
	s.queue = nil
	s.queued = make(map[string]bool)
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		slog.Warn("cron stop timed out waiting for in-flight run")
	}
	slog.Info("cron service stopped")
}

// loadLocked reads the snapshot from the backend. Any failure starts fresh:
// a scheduler that cannot read its file still serves new jobs.
func (s *Service) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	data, ok, err := s.deps.Backend.Load(ctx)
	if err != nil {
		slog.Warn("cron: failed to load store, starting fresh", "error", err)
		return
	}
	if !ok {
		return
	}
	var file StoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("cron: store unreadable, starting fresh", "error", err)
		return
	}
	for i := range file.Jobs {
		job := file.Jobs[i]
		if job.ID == "" {
			slog.Warn("cron: dropping job record without id")
			continue
		}
		if err := validateSchedule(job.Schedule); err != nil {
			slog.Warn("cron: disabling job with invalid schedule", "id", job.ID, "error", err)
			job.Enabled = false
			job.State.NextRunAtMS = 0
			job.State.LastStatus = StatusError
			job.State.LastError = err.Error()
		}
		s.jobs[job.ID] = &job
	}
	slog.Debug("cron store loaded", "jobs", len(s.jobs))
}

// recoverInterruptedLocked clears running markers left by a crashed process
// and records the run as failed.
func (s *Service) recoverInterruptedLocked(now int64) {
	for _, job := range s.jobs {
		if job.State.RunningRunID == "" {
			continue
		}
		slog.Warn("cron: recovering interrupted run", "job", job.ID, "run", job.State.RunningRunID)
		startedAt := now
		if job.State.RunningAtMS != nil {
			startedAt = *job.State.RunningAtMS
		}
		if s.deps.Recorder != nil {
			s.deps.Recorder.Record(RunEntry{
				RunID:       job.State.RunningRunID,
				JobID:       job.ID,
				Tenant:      job.Tenant,
				Source:      SourceCatchup,
				Status:      StatusError,
				Error:       "previous process exited during run",
				StartedAtMS: startedAt,
			})
		}
		job.State.RunningRunID = ""
		job.State.RunningAtMS = nil
		job.State.LastStatus = StatusError
		job.State.LastError = "previous process exited during run"
		job.State.ConsecutiveFailures++
	}
}

// catchUpLocked handles fires that came due while the process was down.
// One-shots fire when still inside their lateness window and count as missed
// beyond it. Intervals fire once and resume their cadence. Cron jobs never
// replay missed ticks; they just re-arm at the next wall-clock instant.
func (s *Service) catchUpLocked(now int64) {
	for id, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.State.NextRunAtMS == 0 {
			next, err := nextRunAtMS(job.Schedule, now, true)
			if err != nil {
				slog.Warn("cron: disabling job, schedule no longer computable", "id", id, "error", err)
				job.Enabled = false
				continue
			}
			job.State.NextRunAtMS = next
		}
		due := job.State.NextRunAtMS
		if due == 0 || due > now {
			continue
		}

		switch job.Schedule.Kind {
		case ScheduleAt:
			if now-due <= job.Policy.MaxLatenessMS {
				s.enqueueLocked(RunRequest{JobID: id, Source: SourceCatchup, ScheduledAtMS: due})
				continue
			}
			slog.Warn("cron: one-shot missed its window", "id", id, "lateMs", now-due)
			job.Enabled = false
			job.State.NextRunAtMS = 0
			job.State.LastStatus = StatusMissed
			job.State.LastError = ""

		case ScheduleEvery:
			s.enqueueLocked(RunRequest{JobID: id, Source: SourceCatchup, ScheduledAtMS: due})

		case ScheduleCron:
			next, err := nextRunAtMS(job.Schedule, now, false)
			if err != nil {
				job.Enabled = false
				job.State.NextRunAtMS = 0
				job.State.LastStatus = StatusError
				job.State.LastError = err.Error()
				continue
			}
			job.State.NextRunAtMS = next
		}
	}
}

// persistLocked writes the full snapshot through the backend. Failures are
// logged, not fatal: in-memory state stays authoritative until the next save.
func (s *Service) persistLocked() {
	now := s.nowMS()
	file := StoreFile{Version: storeVersion, UpdatedAtMS: now}
	file.Jobs = make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		file.Jobs = append(file.Jobs, *copyJob(job))
	}
	sort.Slice(file.Jobs, func(i, j int) bool {
		if file.Jobs[i].CreatedAtMS != file.Jobs[j].CreatedAtMS {
			return file.Jobs[i].CreatedAtMS < file.Jobs[j].CreatedAtMS
		}
		return file.Jobs[i].ID < file.Jobs[j].ID
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		slog.Error("cron: failed to marshal store", "error", err)
		return
	}
	if err := s.deps.Backend.Save(context.Background(), data); err != nil {
		slog.Error("cron: failed to persist store", "error", err)
	}
}

func (s *Service) emit(ev Event) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(ev)
	}
}

// copyJob deep-copies a job so callers never alias serialized state.
func copyJob(j *Job) *Job {
	out := *j
	out.State.RunningAtMS = copyInt64(j.State.RunningAtMS)
	out.State.LastRunAtMS = copyInt64(j.State.LastRunAtMS)
	out.State.LastDurationMS = copyInt64(j.State.LastDurationMS)
	return &out
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
