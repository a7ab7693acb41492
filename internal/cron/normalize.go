package cron

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	maxNameGlyphs      = 48
	nameFromPromptRuns = 24

	// maxSafeTenant bounds tenant ids to what every downstream chat transport
	// can represent without loss.
	maxSafeTenant = int64(1)<<53 - 1
)

// buildJob validates a create input and produces a normalized job record.
// defaults supplies the service default policy; defaultTZ fills cron schedules
// with no timezone. idExists reports job id collisions.
func buildJob(nowMS int64, input JobCreate, defaults Policy, defaultTZ string, idExists func(string) bool) (Job, error) {
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return Job{}, ErrEmptyPrompt
	}
	if input.Tenant == 0 || input.Tenant > maxSafeTenant || input.Tenant < -maxSafeTenant {
		return Job{}, fmt.Errorf("invalid tenant id: %d", input.Tenant)
	}

	schedule := input.Schedule
	if schedule.Kind == ScheduleEvery && schedule.AnchorMS <= 0 {
		schedule.AnchorMS = nowMS
	}
	if schedule.Kind == ScheduleCron && strings.TrimSpace(schedule.TZ) == "" {
		schedule.TZ = defaultTZ
	}
	if err := validateSchedule(schedule); err != nil {
		return Job{}, err
	}

	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	id := newJobID(idExists)
	name := normalizeName(input.Name)
	if name == "" {
		name = normalizeName(truncateGlyphs(prompt, nameFromPromptRuns))
	}
	if name == "" {
		name = "job-" + id
	}

	job := Job{
		ID:          id,
		Tenant:      input.Tenant,
		Name:        name,
		Prompt:      prompt,
		Enabled:     enabled,
		CreatedAtMS: nowMS,
		UpdatedAtMS: nowMS,
		Schedule:    schedule,
		Policy:      clampPolicy(input.Policy, defaults),
	}
	if enabled {
		next, err := nextRunAtMS(schedule, nowMS, true)
		if err != nil {
			return Job{}, err
		}
		job.State.NextRunAtMS = next
	}
	return job, nil
}

// clampPolicy fills a partial policy, snapping out-of-range fields back to the
// service defaults.
func clampPolicy(p *Policy, defaults Policy) Policy {
	out := defaults
	if p == nil {
		return out
	}
	if p.MaxLatenessMS >= 0 {
		out.MaxLatenessMS = p.MaxLatenessMS
	}
	if p.RetryMax >= 0 {
		out.RetryMax = p.RetryMax
	}
	if p.RetryBackoffMS >= minEveryMS {
		out.RetryBackoffMS = p.RetryBackoffMS
	}
	out.DeleteAfterRun = p.DeleteAfterRun
	return out
}

// normalizeName collapses whitespace and control characters to single spaces
// and truncates to the display limit.
func normalizeName(raw string) string {
	var b strings.Builder
	space := false
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return truncateGlyphs(b.String(), maxNameGlyphs)
}

// truncateGlyphs limits a string to max runes, appending an ellipsis when cut.
func truncateGlyphs(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
