package cron

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/cronclaw/internal/store/file"
)

func testService(t *testing.T, opts Options, nowMS func() int64) *Service {
	t.Helper()
	if opts.MaxJobsPerTenant == 0 {
		opts.MaxJobsPerTenant = 25
	}
	if opts.DefaultPolicy == (Policy{}) {
		opts.DefaultPolicy = testDefaults
	}
	opts.Enabled = true
	backend := file.New(t.TempDir(), "testbot")
	return NewService(Deps{NowMS: nowMS, Backend: backend}, opts)
}

func TestService_EveryJobRuns(t *testing.T) {
	svc := testService(t, Options{}, nil)
	var runs atomic.Int32
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		runs.Add(1)
		return "done", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	_, err := svc.Create(JobCreate{
		Tenant:   1,
		Prompt:   "tick",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Anchor at creation: fires immediately, then each second.
	time.Sleep(2500 * time.Millisecond)
	if n := runs.Load(); n < 2 {
		t.Errorf("runs = %d, want >= 2", n)
	}
}

func TestService_AtMostOneRunPerJob(t *testing.T) {
	svc := testService(t, Options{}, nil)
	var active, maxActive atomic.Int32
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		cur := active.Add(1)
		for {
			old := maxActive.Load()
			if cur <= old || maxActive.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		active.Add(-1)
		return "", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	job, err := svc.Create(JobCreate{
		Tenant:   1,
		Prompt:   "slow",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Pile manual triggers on top of the schedule; they must coalesce.
	for i := 0; i < 5; i++ {
		svc.RunNow(job.ID, true)
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(600 * time.Millisecond)

	if m := maxActive.Load(); m > 1 {
		t.Errorf("max concurrent runs = %d, want 1", m)
	}
}

func TestService_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	backend := file.New(dir, "testbot")

	svc := NewService(Deps{Backend: backend}, Options{Enabled: true, DefaultPolicy: testDefaults})
	job, err := svc.Create(JobCreate{
		Tenant:   9,
		Name:     "reload me",
		Prompt:   "persisted prompt",
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "UTC"},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc2 := NewService(Deps{Backend: file.New(dir, "testbot")}, Options{Enabled: true, DefaultPolicy: testDefaults})
	svc2.Hydrate(context.Background())
	got, ok := svc2.Get(job.ID)
	if !ok {
		t.Fatal("job not found after reload")
	}
	if got.Name != "reload me" || got.Prompt != "persisted prompt" || got.Tenant != 9 {
		t.Errorf("reloaded job mismatch: %+v", got)
	}
}

func TestService_RecoveryMarksInterrupted(t *testing.T) {
	dir := t.TempDir()
	backend := file.New(dir, "testbot")

	runningAt := int64(1000)
	snapshot := StoreFile{Version: 1, Jobs: []Job{{
		ID:       "abc123def0",
		Tenant:   5,
		Name:     "crashed",
		Prompt:   "p",
		Enabled:  false,
		Schedule: Schedule{Kind: ScheduleAt, AtMS: 1000},
		Policy:   testDefaults,
		State:    JobState{RunningRunID: "run-dead", RunningAtMS: &runningAt},
	}}}
	data, _ := json.Marshal(snapshot)
	if err := backend.Save(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	svc := NewService(Deps{Backend: backend}, Options{Enabled: true, DefaultPolicy: testDefaults})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	job, ok := svc.Get("abc123def0")
	if !ok {
		t.Fatal("job missing")
	}
	if job.State.RunningRunID != "" {
		t.Error("running marker should be cleared")
	}
	if job.State.LastStatus != StatusError {
		t.Errorf("lastStatus = %q, want error", job.State.LastStatus)
	}
	if job.State.LastError != "previous process exited during run" {
		t.Errorf("lastError = %q", job.State.LastError)
	}
	if job.State.ConsecutiveFailures != 1 {
		t.Errorf("consecutiveFailures = %d, want 1", job.State.ConsecutiveFailures)
	}
}

func TestService_CatchupWithinWindow(t *testing.T) {
	dir := t.TempDir()
	now := int64(100_000_000)

	due := now - 60_000 // one minute late, well inside the 1h window
	snapshot := StoreFile{Version: 1, Jobs: []Job{{
		ID:       "catchup0x1",
		Tenant:   5,
		Name:     "late",
		Prompt:   "p",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMS: due},
		Policy:   testDefaults,
		State:    JobState{NextRunAtMS: due},
	}}}
	data, _ := json.Marshal(snapshot)
	backend := file.New(dir, "testbot")
	if err := backend.Save(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	sources := make(chan string, 1)
	svc := NewService(
		Deps{NowMS: func() int64 { return now }, Backend: backend},
		Options{Enabled: true, DefaultPolicy: testDefaults},
	)
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		sources <- run.Source
		return "", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	select {
	case src := <-sources:
		if src != SourceCatchup {
			t.Errorf("source = %q, want %q", src, SourceCatchup)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up run never fired")
	}
}

func TestService_MissedBeyondWindow(t *testing.T) {
	dir := t.TempDir()
	now := int64(100_000_000)

	due := now - 2*3_600_000 // two hours late, window is one hour
	snapshot := StoreFile{Version: 1, Jobs: []Job{{
		ID:       "missed0x01",
		Tenant:   5,
		Name:     "too late",
		Prompt:   "p",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, AtMS: due},
		Policy:   testDefaults,
		State:    JobState{NextRunAtMS: due},
	}}}
	data, _ := json.Marshal(snapshot)
	backend := file.New(dir, "testbot")
	if err := backend.Save(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Bool
	svc := NewService(
		Deps{NowMS: func() int64 { return now }, Backend: backend},
		Options{Enabled: true, DefaultPolicy: testDefaults},
	)
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		fired.Store(true)
		return "", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	time.Sleep(300 * time.Millisecond)
	if fired.Load() {
		t.Error("missed job should not execute")
	}
	job, _ := svc.Get("missed0x01")
	if job.Enabled {
		t.Error("missed one-shot should be disabled")
	}
	if job.State.LastStatus != StatusMissed {
		t.Errorf("lastStatus = %q, want missed", job.State.LastStatus)
	}
}

func TestService_OverdueIntervalFiresOnceAndResumes(t *testing.T) {
	dir := t.TempDir()
	now := int64(100_000_000)

	due := now - 2*3_600_000 // far past any lateness window
	anchor := due
	snapshot := StoreFile{Version: 1, Jobs: []Job{{
		ID:       "overdue0x2",
		Tenant:   5,
		Name:     "interval",
		Prompt:   "p",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 600_000, AnchorMS: anchor},
		Policy:   testDefaults,
		State:    JobState{NextRunAtMS: due},
	}}}
	data, _ := json.Marshal(snapshot)
	backend := file.New(dir, "testbot")
	if err := backend.Save(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	fired := make(chan string, 1)
	svc := NewService(
		Deps{NowMS: func() int64 { return now }, Backend: backend},
		Options{Enabled: true, DefaultPolicy: testDefaults},
	)
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		fired <- run.Source
		return "", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	// Intervals have no lateness cutoff: exactly one catch-up fire.
	select {
	case src := <-fired:
		if src != SourceCatchup {
			t.Errorf("source = %q, want %q", src, SourceCatchup)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overdue interval never fired")
	}
	time.Sleep(200 * time.Millisecond)

	job, _ := svc.Get("overdue0x2")
	if !job.Enabled {
		t.Error("interval job should stay enabled")
	}
	if job.State.NextRunAtMS <= now {
		t.Errorf("nextRun = %d, want future of %d", job.State.NextRunAtMS, now)
	}
	if (job.State.NextRunAtMS-anchor)%600_000 != 0 {
		t.Errorf("nextRun %d is off the anchor cadence", job.State.NextRunAtMS)
	}
}

func TestService_StaleCronRearmsWithoutReplay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	due := now - 3*3_600_000 // 09:00 tick the process slept through
	snapshot := StoreFile{Version: 1, Jobs: []Job{{
		ID:       "cronstale1",
		Tenant:   5,
		Name:     "digest",
		Prompt:   "p",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "UTC"},
		Policy:   testDefaults,
		State:    JobState{NextRunAtMS: due},
	}}}
	data, _ := json.Marshal(snapshot)
	backend := file.New(dir, "testbot")
	if err := backend.Save(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Bool
	svc := NewService(
		Deps{NowMS: func() int64 { return now }, Backend: backend},
		Options{Enabled: true, DefaultPolicy: testDefaults},
	)
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		fired.Store(true)
		return "", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	time.Sleep(300 * time.Millisecond)
	if fired.Load() {
		t.Error("missed cron tick should not be replayed")
	}
	job, _ := svc.Get("cronstale1")
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC).UnixMilli()
	if job.State.NextRunAtMS != want {
		t.Errorf("nextRun = %s, want next 09:00 UTC",
			time.UnixMilli(job.State.NextRunAtMS).UTC())
	}
}

func TestService_QuotaPerTenant(t *testing.T) {
	svc := testService(t, Options{MaxJobsPerTenant: 2}, nil)

	for i := 0; i < 2; i++ {
		_, err := svc.Create(JobCreate{
			Tenant:   1,
			Prompt:   "p",
			Schedule: Schedule{Kind: ScheduleAt, AtMS: time.Now().UnixMilli() + 3_600_000},
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err := svc.Create(JobCreate{
		Tenant:   1,
		Prompt:   "p",
		Schedule: Schedule{Kind: ScheduleAt, AtMS: time.Now().UnixMilli() + 3_600_000},
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("want ErrQuotaExceeded, got %v", err)
	}

	// Other tenants have their own budget.
	if _, err := svc.Create(JobCreate{
		Tenant:   2,
		Prompt:   "p",
		Schedule: Schedule{Kind: ScheduleAt, AtMS: time.Now().UnixMilli() + 3_600_000},
	}); err != nil {
		t.Errorf("other tenant blocked: %v", err)
	}
}

func TestService_RunNow(t *testing.T) {
	svc := testService(t, Options{}, nil)
	ran := make(chan string, 2)
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		ran <- run.Source
		return "", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	off := false
	job, err := svc.Create(JobCreate{
		Tenant:   1,
		Prompt:   "p",
		Enabled:  &off,
		Schedule: Schedule{Kind: ScheduleAt, AtMS: time.Now().UnixMilli() + 3_600_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Disabled without force: reported, not queued.
	state, err := svc.RunNow(job.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if state != "job disabled" {
		t.Errorf("state = %q, want 'job disabled'", state)
	}

	state, err = svc.RunNow(job.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if state != "queued" {
		t.Errorf("state = %q, want queued", state)
	}
	select {
	case src := <-ran:
		if src != SourceManual {
			t.Errorf("source = %q, want manual", src)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forced run never executed")
	}
}

func TestService_StopDrainsInFlight(t *testing.T) {
	svc := testService(t, Options{}, nil)
	var finished atomic.Bool
	started := make(chan struct{})
	svc.SetExecutor(func(_ context.Context, run ExecContext) (string, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return "", nil
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	job, err := svc.Create(JobCreate{
		Tenant:   1,
		Prompt:   "p",
		Schedule: Schedule{Kind: ScheduleAt, AtMS: time.Now().UnixMilli() + 3_600_000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunNow(job.ID, true); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}

	svc.Stop()
	if !finished.Load() {
		t.Error("Stop returned before the in-flight run finished")
	}
}

func TestService_ListOrder(t *testing.T) {
	now := time.Now().UnixMilli()
	svc := testService(t, Options{}, nil)

	soon, _ := svc.Create(JobCreate{Tenant: 1, Prompt: "soon",
		Schedule: Schedule{Kind: ScheduleAt, AtMS: now + 60_000}})
	later, _ := svc.Create(JobCreate{Tenant: 1, Prompt: "later",
		Schedule: Schedule{Kind: ScheduleAt, AtMS: now + 600_000}})
	off := false
	disabled, _ := svc.Create(JobCreate{Tenant: 1, Prompt: "off", Enabled: &off,
		Schedule: Schedule{Kind: ScheduleAt, AtMS: now + 1000}})

	jobs := svc.List(nil)
	if len(jobs) != 3 {
		t.Fatalf("len = %d, want 3", len(jobs))
	}
	if jobs[0].ID != soon.ID || jobs[1].ID != later.ID || jobs[2].ID != disabled.ID {
		t.Errorf("order = [%s %s %s], want [%s %s %s]",
			jobs[0].ID, jobs[1].ID, jobs[2].ID, soon.ID, later.ID, disabled.ID)
	}

	other := int64(99)
	if got := svc.List(&other); len(got) != 0 {
		t.Errorf("tenant filter returned %d jobs, want 0", len(got))
	}
}
