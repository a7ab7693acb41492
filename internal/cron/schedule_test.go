package cron

import (
	"strings"
	"testing"
	"time"
)

func TestValidateSchedule_At(t *testing.T) {
	if err := validateSchedule(Schedule{Kind: ScheduleAt, AtMS: 1000}); err != nil {
		t.Errorf("valid at schedule rejected: %v", err)
	}
	if err := validateSchedule(Schedule{Kind: ScheduleAt}); err == nil {
		t.Error("at schedule without atMs should be rejected")
	}
}

func TestValidateSchedule_EveryBoundary(t *testing.T) {
	if err := validateSchedule(Schedule{Kind: ScheduleEvery, EveryMS: 1000, AnchorMS: 1}); err != nil {
		t.Errorf("everyMs=1000 should be accepted: %v", err)
	}
	if err := validateSchedule(Schedule{Kind: ScheduleEvery, EveryMS: 999, AnchorMS: 1}); err == nil {
		t.Error("everyMs=999 should be rejected")
	}
}

func TestValidateSchedule_Cron(t *testing.T) {
	if err := validateSchedule(Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"}); err != nil {
		t.Errorf("valid cron expr rejected: %v", err)
	}
	if err := validateSchedule(Schedule{Kind: ScheduleCron, Expr: "not a cron"}); err == nil {
		t.Error("garbage cron expr should be rejected")
	}
	if err := validateSchedule(Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "Mars/Olympus"}); err == nil {
		t.Error("unknown timezone should be rejected")
	}
	if err := validateSchedule(Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "Asia/Ho_Chi_Minh"}); err != nil {
		t.Errorf("valid timezone rejected: %v", err)
	}
}

func TestValidateSchedule_UnknownKind(t *testing.T) {
	if err := validateSchedule(Schedule{Kind: "hourly"}); err == nil {
		t.Error("unknown kind should be rejected")
	}
}

func TestNextRunAt_At(t *testing.T) {
	next, err := nextRunAtMS(Schedule{Kind: ScheduleAt, AtMS: 5000}, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	if next != 5000 {
		t.Errorf("next = %d, want 5000", next)
	}

	// Past instants still return the instant; lateness policy decides what
	// happens to them.
	next, _ = nextRunAtMS(Schedule{Kind: ScheduleAt, AtMS: 5000}, 9000, true)
	if next != 5000 {
		t.Errorf("past at: next = %d, want 5000", next)
	}
}

func TestNextRunAt_EveryAnchorInFuture(t *testing.T) {
	s := Schedule{Kind: ScheduleEvery, EveryMS: 1000, AnchorMS: 10_000}
	next, _ := nextRunAtMS(s, 4000, true)
	if next != 10_000 {
		t.Errorf("next = %d, want anchor 10000", next)
	}
}

func TestNextRunAt_EveryInclusive(t *testing.T) {
	s := Schedule{Kind: ScheduleEvery, EveryMS: 1000, AnchorMS: 10_000}

	// Exactly on a cadence instant: inclusive keeps it.
	next, _ := nextRunAtMS(s, 12_000, true)
	if next != 12_000 {
		t.Errorf("inclusive on-instant: next = %d, want 12000", next)
	}

	// Between instants: both modes pick the next one.
	next, _ = nextRunAtMS(s, 12_400, true)
	if next != 13_000 {
		t.Errorf("inclusive mid-interval: next = %d, want 13000", next)
	}
}

func TestNextRunAt_EveryExclusive(t *testing.T) {
	s := Schedule{Kind: ScheduleEvery, EveryMS: 1000, AnchorMS: 10_000}

	// On a cadence instant, exclusive skips to the following one so a run
	// that just finished is not immediately re-fired.
	next, _ := nextRunAtMS(s, 12_000, false)
	if next != 13_000 {
		t.Errorf("exclusive on-instant: next = %d, want 13000", next)
	}

	next, _ = nextRunAtMS(s, 12_999, false)
	if next != 13_000 {
		t.Errorf("exclusive mid-interval: next = %d, want 13000", next)
	}
}

func TestNextRunAt_EveryAnchorFarPast(t *testing.T) {
	// Anchor days in the past: next instant stays on the anchor cadence,
	// not now+interval.
	s := Schedule{Kind: ScheduleEvery, EveryMS: 60_000, AnchorMS: 0}
	anchor := int64(1_000)
	s.AnchorMS = anchor
	now := anchor + 72*60*60*1000 + 12_345 // 72h and a bit later
	next, _ := nextRunAtMS(s, now, true)
	if (next-anchor)%60_000 != 0 {
		t.Errorf("next %d is off the anchor cadence", next)
	}
	if next < now || next-now >= 60_000 {
		t.Errorf("next = %d, want within one interval at or after now %d", next, now)
	}
}

func TestNextRunAt_CronAdvances(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC).UnixMilli()
	s := Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "UTC"}
	next, err := nextRunAtMS(s, now, true)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).UnixMilli()
	if next != want {
		t.Errorf("next = %d (%s), want %d", next, time.UnixMilli(next).UTC(), want)
	}
}

func TestNextRunAt_CronTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC).UnixMilli() // 08:00 in ICT
	s := Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "Asia/Ho_Chi_Minh"}
	next, err := nextRunAtMS(s, now, true)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, loc).UnixMilli()
	if next != want {
		t.Errorf("next = %s, want 09:00 ICT", time.UnixMilli(next).In(loc))
	}
}

func TestNextCronTick_InvalidTZ(t *testing.T) {
	_, err := nextCronTickMS("0 9 * * *", "Nope/Nowhere", 0)
	if err == nil || !strings.Contains(err.Error(), "timezone") {
		t.Errorf("want timezone error, got %v", err)
	}
}
