package cron

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Create validates input, normalizes it into a job, persists, and arms its
// first fire. Schedules whose first instant is already due fire immediately.
func (s *Service) Create(input JobCreate) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Tenant == input.Tenant {
			count++
		}
	}
	if count >= s.opts.MaxJobsPerTenant {
		return nil, fmt.Errorf("%w: %d jobs (max %d)", ErrQuotaExceeded, count, s.opts.MaxJobsPerTenant)
	}

	now := s.nowMS()
	exists := func(id string) bool { _, ok := s.jobs[id]; return ok }
	job, err := buildJob(now, input, s.opts.DefaultPolicy, s.opts.DefaultTimezone, exists)
	if err != nil {
		return nil, err
	}

	s.jobs[job.ID] = &job
	s.persistLocked()
	s.emit(Event{JobID: job.ID, Action: "added", NextRunAtMS: job.State.NextRunAtMS})
	slog.Info("cron job added", "id", job.ID, "tenant", job.Tenant, "kind", job.Schedule.Kind, "name", job.Name)

	if s.running && job.Enabled && job.State.NextRunAtMS > 0 {
		s.armTimerLocked(job.ID, job.State.NextRunAtMS)
	}
	return copyJob(&job), nil
}

// Remove deletes a job. A run already in flight finishes; its finalize step
// notices the deletion and discards the reschedule.
func (s *Service) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	s.stopTimerLocked(jobID)
	delete(s.jobs, jobID)
	delete(s.retrying, jobID)
	s.persistLocked()
	s.emit(Event{JobID: jobID, Action: "removed"})
	slog.Info("cron job removed", "id", jobID)
	return nil
}

// SetEnabled toggles a job. Enabling recomputes the next fire from now;
// disabling cancels the armed timer and clears the next fire.
func (s *Service) SetEnabled(jobID string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if job.Enabled == enabled {
		return copyJob(job), nil
	}

	now := s.nowMS()
	job.Enabled = enabled
	job.UpdatedAtMS = now
	delete(s.retrying, jobID)
	if enabled {
		next, err := nextRunAtMS(job.Schedule, now, true)
		if err != nil {
			job.Enabled = false
			return nil, err
		}
		job.State.NextRunAtMS = next
		job.State.ConsecutiveFailures = 0
		if s.running && next > 0 {
			s.armTimerLocked(jobID, next)
		}
	} else {
		s.stopTimerLocked(jobID)
		job.State.NextRunAtMS = 0
	}

	s.persistLocked()
	s.emit(Event{JobID: jobID, Action: "updated", NextRunAtMS: job.State.NextRunAtMS})
	slog.Info("cron job toggled", "id", jobID, "enabled", enabled)
	return copyJob(job), nil
}

// Rename sets a job's display name, applying the same normalization as
// Create. An empty result keeps the old name.
func (s *Service) Rename(jobID, name string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	normalized := normalizeName(name)
	if normalized == "" {
		return nil, fmt.Errorf("name empty after normalization")
	}
	job.Name = normalized
	job.UpdatedAtMS = s.nowMS()
	s.persistLocked()
	s.emit(Event{JobID: jobID, Action: "updated"})
	return copyJob(job), nil
}

// RunNow queues a manual run. With force the job runs even while disabled;
// without it a disabled job reports why it did not run.
func (s *Service) RunNow(jobID string, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return "", ErrNotStarted
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("job %s not found", jobID)
	}
	if !job.Enabled && !force {
		return "job disabled", nil
	}
	if s.inFlight[jobID] {
		return "already running", nil
	}
	if s.queued[jobID] {
		return "already queued", nil
	}
	s.enqueueLocked(RunRequest{JobID: jobID, Source: SourceManual, ScheduledAtMS: s.nowMS(), Force: force})
	return "queued", nil
}

// List returns deep copies of jobs, optionally filtered to one tenant.
// Order: enabled first, then soonest next fire (none sorts last), then oldest.
func (s *Service) List(tenant *int64) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if tenant != nil && job.Tenant != *tenant {
			continue
		}
		out = append(out, *copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Enabled != b.Enabled {
			return a.Enabled
		}
		an, bn := a.State.NextRunAtMS, b.State.NextRunAtMS
		if an != bn {
			if an == 0 {
				return false
			}
			if bn == 0 {
				return true
			}
			return an < bn
		}
		if a.CreatedAtMS != b.CreatedAtMS {
			return a.CreatedAtMS < b.CreatedAtMS
		}
		return a.ID < b.ID
	})
	return out
}

// Get returns a deep copy of one job.
func (s *Service) Get(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return copyJob(job), true
}

// Find resolves a job by id prefix or exact name for CLI convenience.
// Ambiguous prefixes are an error.
func (s *Service) Find(ref string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[ref]; ok {
		return copyJob(job), nil
	}
	var match *Job
	for _, job := range s.jobs {
		if strings.HasPrefix(job.ID, ref) || job.Name == ref {
			if match != nil {
				return nil, fmt.Errorf("ambiguous job reference %q", ref)
			}
			match = job
		}
	}
	if match == nil {
		return nil, fmt.Errorf("job %s not found", ref)
	}
	return copyJob(match), nil
}

// Status summarizes the scheduler, optionally scoped to one tenant.
func (s *Service) Status(tenant *int64) ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ServiceStatus{Enabled: s.running}
	for id, job := range s.jobs {
		if tenant != nil && job.Tenant != *tenant {
			continue
		}
		st.TotalJobs++
		if job.Enabled {
			st.EnabledJobs++
		}
		if s.inFlight[id] {
			st.RunningJobs++
		}
		if s.queued[id] {
			st.QueuedJobs++
		}
		if next := job.State.NextRunAtMS; job.Enabled && next > 0 {
			if st.NextRunAtMS == 0 || next < st.NextRunAtMS {
				st.NextRunAtMS = next
			}
		}
	}
	return st
}
