package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// minRunTimeoutMS floors the per-run deadline so a misconfigured MaxRunMS
// cannot make every run time out instantly.
const minRunTimeoutMS = int64(5000)

var errNotRunnable = errors.New("job not runnable")

// enqueueLocked appends a run request unless the job is already queued or in
// flight. Caller holds s.mu.
func (s *Service) enqueueLocked(req RunRequest) {
	if s.queued[req.JobID] || s.inFlight[req.JobID] {
		return
	}
	s.queue = append(s.queue, req)
	s.queued[req.JobID] = true
	s.wakeLocked()
}

func (s *Service) wakeLocked() {
	if s.wakeCh == nil {
		return
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// dispatchLoop drains the run queue one request at a time. Runs execute
// sequentially, which makes "at most one run per job" a property of the whole
// scheduler rather than per-job bookkeeping.
func (s *Service) dispatchLoop(stopCh, wakeCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		if req, ok := s.dequeue(); ok {
			s.runOne(req)
			continue
		}
		select {
		case <-stopCh:
			return
		case <-wakeCh:
		}
	}
}

func (s *Service) dequeue() (RunRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return RunRequest{}, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, req.JobID)
	return req, true
}

// runOne executes one queued request: claim under the lock, execute outside
// it, finalize under the lock.
func (s *Service) runOne(req RunRequest) {
	run, exec, err := s.claim(req)
	if err != nil {
		if !errors.Is(err, errNotRunnable) {
			slog.Warn("cron: run not started", "job", req.JobID, "error", err)
		}
		return
	}

	slog.Info("cron run starting", "job", run.Job.ID, "run", run.RunID, "source", run.Source)
	startedWall := time.Now()
	summary, execErr, abandoned := s.execute(exec, run)
	durationMS := time.Since(startedWall).Milliseconds()

	s.finalize(run, summary, execErr, durationMS, abandoned)
}

// claim marks the job running and snapshots it for the executor. The running
// marker is persisted before execution so a crash mid-run is detectable on
// the next start.
func (s *Service) claim(req RunRequest) (ExecContext, Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[req.JobID]
	if !ok {
		return ExecContext{}, nil, errNotRunnable
	}
	if !job.Enabled && !req.Force {
		return ExecContext{}, nil, errNotRunnable
	}
	if s.executor == nil {
		return ExecContext{}, nil, fmt.Errorf("no executor configured")
	}
	if job.State.RunningRunID != "" {
		// A marker with no in-flight run is an orphan (the owning process
		// died or the executor leaked). Old ones are cleared so the job is
		// not wedged forever.
		age := int64(0)
		if job.State.RunningAtMS != nil {
			age = s.nowMS() - *job.State.RunningAtMS
		}
		if s.inFlight[req.JobID] || age < stuckRunAge.Milliseconds() {
			return ExecContext{}, nil, errNotRunnable
		}
		slog.Warn("cron: clearing stale running marker", "job", job.ID, "run", job.State.RunningRunID, "ageMs", age)
	}

	now := s.nowMS()
	runID := newRunID()
	job.State.RunningRunID = runID
	job.State.RunningAtMS = &now
	job.UpdatedAtMS = now
	s.inFlight[req.JobID] = true
	s.stopTimerLocked(req.JobID)
	s.persistLocked()
	s.emit(Event{JobID: job.ID, Action: "started", RunID: runID})

	return ExecContext{
		Job:           *copyJob(job),
		RunID:         runID,
		Source:        req.Source,
		ScheduledAtMS: req.ScheduledAtMS,
	}, s.executor, nil
}

// execute races the executor against the run deadline on its own goroutine.
// Panics are folded into the returned error. When the deadline wins, the
// timeout error is returned at expiry and abandoned is true: the job's
// in-flight slot stays held until the executor goroutine actually returns, so
// a non-cooperative executor cannot stall the dispatcher or overlap itself.
func (s *Service) execute(exec Executor, run ExecContext) (summary string, err error, abandoned bool) {
	timeoutMS := s.opts.MaxRunMS
	if timeoutMS < minRunTimeoutMS {
		timeoutMS = minRunTimeoutMS
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMS)*time.Millisecond)

	type result struct {
		summary string
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, execErr := exec(ctx, run)
		resCh <- result{summary: out, err: execErr}
	}()

	select {
	case res := <-resCh:
		cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("run timeout (>%ds)", timeoutMS/1000), false
		}
		return res.summary, res.err, false
	case <-ctx.Done():
		go func() {
			<-resCh
			cancel()
			slog.Warn("cron: executor returned after run timeout", "job", run.Job.ID, "run", run.RunID)
			s.releaseOverdue(run.Job.ID)
		}()
		return "", fmt.Errorf("run timeout (>%ds)", timeoutMS/1000), true
	}
}

// releaseOverdue frees a job's in-flight slot once a timed-out executor has
// returned, and re-queues the job if a fire came due while the slot was held
// (timer fires are dropped for in-flight jobs).
func (s *Service) releaseOverdue(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, jobID)

	job, ok := s.jobs[jobID]
	if !ok || !s.running || !job.Enabled || job.State.NextRunAtMS == 0 {
		return
	}
	if job.State.NextRunAtMS > s.nowMS() {
		return
	}
	source := SourceTimer
	switch {
	case s.retrying[jobID]:
		source = SourceRetry
	case job.Schedule.Kind == ScheduleCron:
		source = SourceCron
	}
	s.enqueueLocked(RunRequest{JobID: jobID, Source: source, ScheduledAtMS: job.State.NextRunAtMS})
}

// finalize records the outcome and schedules what comes next. One-shot jobs
// retire or retry with exponential backoff; interval and cron jobs always
// move to their next instant, with failures reflected in state only.
func (s *Service) finalize(run ExecContext, summary string, execErr error, durationMS int64, abandoned bool) {
	s.mu.Lock()
	if !abandoned {
		delete(s.inFlight, run.Job.ID)
	}

	now := s.nowMS()
	entry := RunEntry{
		RunID:       run.RunID,
		JobID:       run.Job.ID,
		Tenant:      run.Job.Tenant,
		Source:      run.Source,
		Status:      StatusOK,
		Summary:     summary,
		StartedAtMS: now - durationMS,
		DurationMS:  durationMS,
	}
	if execErr != nil {
		entry.Status = StatusError
		entry.Error = execErr.Error()
		entry.Summary = ""
	}

	job, ok := s.jobs[run.Job.ID]
	if !ok {
		// Removed while running; nothing left to reschedule.
		s.mu.Unlock()
		s.record(entry)
		return
	}
	if job.State.RunningRunID != run.RunID {
		// The running marker is no longer ours: a restart's recovery or a
		// newer claim took the job over while this run was in flight. Record
		// the outcome but leave the job's state to its current owner.
		s.mu.Unlock()
		s.record(entry)
		return
	}

	job.State.RunningRunID = ""
	job.State.RunningAtMS = nil
	job.State.LastRunAtMS = &entry.StartedAtMS
	job.State.LastDurationMS = &durationMS
	job.UpdatedAtMS = now
	delete(s.retrying, job.ID)

	if execErr != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = execErr.Error()
		job.State.ConsecutiveFailures++
		slog.Error("cron run failed", "job", job.ID, "run", run.RunID, "failures", job.State.ConsecutiveFailures, "error", execErr)
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
		job.State.ConsecutiveFailures = 0
		slog.Info("cron run completed", "job", job.ID, "run", run.RunID, "durationMs", durationMS)
	}

	s.rescheduleLocked(job, execErr, now)

	next := job.State.NextRunAtMS
	s.persistLocked()
	s.mu.Unlock()

	s.record(entry)
	s.emit(Event{
		JobID:       run.Job.ID,
		Action:      "finished",
		RunID:       run.RunID,
		Status:      entry.Status,
		Error:       entry.Error,
		DurationMS:  durationMS,
		NextRunAtMS: next,
	})
}

// rescheduleLocked decides the job's next fire after a run. Caller holds s.mu.
func (s *Service) rescheduleLocked(job *Job, execErr error, now int64) {
	if execErr == nil && job.Policy.DeleteAfterRun {
		s.stopTimerLocked(job.ID)
		delete(s.jobs, job.ID)
		s.emit(Event{JobID: job.ID, Action: "removed"})
		slog.Info("cron job retired after run", "id", job.ID)
		return
	}

	switch job.Schedule.Kind {
	case ScheduleAt:
		if execErr == nil {
			job.Enabled = false
			job.State.NextRunAtMS = 0
			return
		}
		failures := job.State.ConsecutiveFailures
		if failures > job.Policy.RetryMax {
			job.Enabled = false
			job.State.NextRunAtMS = 0
			slog.Warn("cron job disabled after retries exhausted", "id", job.ID, "failures", failures)
			return
		}
		job.State.NextRunAtMS = now + retryBackoffMS(job.Policy.RetryBackoffMS, failures)
		s.retrying[job.ID] = true

	case ScheduleEvery, ScheduleCron:
		next, err := nextRunAtMS(job.Schedule, now, false)
		if err != nil {
			job.Enabled = false
			job.State.NextRunAtMS = 0
			job.State.LastStatus = StatusError
			job.State.LastError = err.Error()
			slog.Error("cron: disabling job, next fire not computable", "id", job.ID, "error", err)
			return
		}
		job.State.NextRunAtMS = next
	}

	if s.running && job.Enabled && job.State.NextRunAtMS > 0 {
		s.armTimerLocked(job.ID, job.State.NextRunAtMS)
	}
}

// retryBackoffMS is base doubled per prior failure: base, 2x, 4x, ...
func retryBackoffMS(base int64, failures int) int64 {
	if base <= 0 {
		base = 2000
	}
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}
	return base << shift
}

func (s *Service) record(entry RunEntry) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.Record(entry)
	}
}
