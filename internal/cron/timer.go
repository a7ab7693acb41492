package cron

import "time"

const (
	// maxTimerSliceMS caps how far ahead a timer is armed. Long waits are
	// covered by re-arming when the slice expires, which keeps monotonic
	// timer drift over multi-day sleeps bounded to one slice.
	maxTimerSliceMS = int64(24 * time.Hour / time.Millisecond)

	// fireSlackMS is how early a timer fire may still count as "due".
	// Fires earlier than this re-arm instead of dispatching.
	fireSlackMS = int64(1000)
)

// timerHandle is one armed wake-up for a job. gen invalidates fires from
// timers that were superseded while their callback was in flight.
type timerHandle struct {
	timer *time.Timer
	gen   uint64
}

// armTimerLocked schedules the next wake-up for a job at targetMS, replacing
// any previously armed timer. Caller holds s.mu.
func (s *Service) armTimerLocked(jobID string, targetMS int64) {
	s.stopTimerLocked(jobID)
	s.timerGen++
	gen := s.timerGen

	delay := targetMS - s.nowMS()
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerSliceMS {
		delay = maxTimerSliceMS
	}
	s.timers[jobID] = &timerHandle{
		gen: gen,
		timer: time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			s.onTimerFire(jobID, gen)
		}),
	}
}

// stopTimerLocked cancels the armed timer for a job, if any. Caller holds s.mu.
func (s *Service) stopTimerLocked(jobID string) {
	if h, ok := s.timers[jobID]; ok {
		h.timer.Stop()
		delete(s.timers, jobID)
	}
}

// stopAllTimersLocked cancels every armed timer. Caller holds s.mu.
func (s *Service) stopAllTimersLocked() {
	for id, h := range s.timers {
		h.timer.Stop()
		delete(s.timers, id)
	}
}

// onTimerFire runs on the timer goroutine when a job's wake-up elapses. Stale
// generations are dropped; early fires (24h slice, clock skew) re-arm.
func (s *Service) onTimerFire(jobID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.timers[jobID]
	if !ok || h.gen != gen {
		return
	}
	delete(s.timers, jobID)

	job, ok := s.jobs[jobID]
	if !ok || !job.Enabled || job.State.NextRunAtMS <= 0 {
		return
	}
	target := job.State.NextRunAtMS
	if target-s.nowMS() > fireSlackMS {
		s.armTimerLocked(jobID, target)
		return
	}

	source := SourceTimer
	switch {
	case s.retrying[jobID]:
		source = SourceRetry
	case job.Schedule.Kind == ScheduleCron:
		source = SourceCron
	}
	s.enqueueLocked(RunRequest{JobID: jobID, Source: source, ScheduledAtMS: target})
}
