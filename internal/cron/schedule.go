package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// minEveryMS is the smallest accepted interval for "every" schedules.
const minEveryMS = 1000

// validateSchedule checks a schedule at create/update time. Defaults
// (anchor, timezone) must already be applied.
func validateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMS <= 0 {
			return fmt.Errorf("at schedule requires positive atMs")
		}
	case ScheduleEvery:
		if s.EveryMS < minEveryMS {
			return fmt.Errorf("every schedule requires everyMs >= %d", minEveryMS)
		}
		if s.AnchorMS <= 0 {
			return fmt.Errorf("every schedule requires positive anchorMs")
		}
	case ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		gx := gronx.New()
		if !gx.IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression: %s", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone: %s", s.TZ)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// nextRunAtMS computes the next fire instant for a schedule, or 0 when the
// schedule has no future instant. For "every", inclusive selects whether an
// instant equal to now qualifies (create and catch-up use inclusive; post-run
// rescheduling does not, so the run just finished is never re-fired).
func nextRunAtMS(s Schedule, nowMS int64, inclusive bool) (int64, error) {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMS <= 0 {
			return 0, nil
		}
		return s.AtMS, nil

	case ScheduleEvery:
		every := s.EveryMS
		if every < 1 {
			return 0, nil
		}
		anchor := s.AnchorMS
		if anchor <= 0 {
			anchor = nowMS
		}
		if nowMS < anchor {
			return anchor, nil
		}
		elapsed := nowMS - anchor
		var steps int64
		if inclusive {
			steps = (elapsed + every - 1) / every // smallest k with anchor+k*every >= now
		} else {
			steps = elapsed/every + 1 // smallest k with anchor+k*every > now
		}
		return anchor + steps*every, nil

	case ScheduleCron:
		return nextCronTickMS(s.Expr, s.TZ, nowMS)

	default:
		return 0, nil
	}
}

// nextCronTickMS evaluates a cron expression in its timezone and returns the
// next fire instant strictly after nowMS.
func nextCronTickMS(expr, tz string, nowMS int64) (int64, error) {
	location := time.Local
	if strings.TrimSpace(tz) != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone: %s", tz)
		}
		location = loc
	}
	next, err := gronx.NextTickAfter(expr, time.UnixMilli(nowMS).In(location), false)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return next.UnixMilli(), nil
}
