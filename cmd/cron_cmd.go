package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cronclaw/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
		Long: "Manage scheduled jobs.\n\n" +
			"add/delete/toggle edit the persisted snapshot directly. A running\n" +
			"serve daemon keeps its own in-memory state and writes it back on its\n" +
			"next change, so restart the daemon for edits made here to take effect.",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronDeleteCmd())
	cmd.AddCommand(cronToggleCmd())
	cmd.AddCommand(cronRunCmd())
	cmd.AddCommand(cronRunsCmd())
	cmd.AddCommand(cronStatusCmd())
	return cmd
}

// newIdleService builds a service over the configured backend without
// starting timers, for one-off CLI mutations against the snapshot. The
// snapshot is the only coordination point: a serve daemon that is already
// running holds its own in-memory state and overwrites the file on its next
// persist, so mutations made this way need a daemon restart to stick.
func newIdleService() (*cron.Service, func()) {
	cfg := loadConfig()
	setupLogging("warn")
	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		fatal(err)
	}
	svc := cron.NewService(cron.Deps{Backend: backend}, cronOptions(cfg))
	svc.Hydrate(context.Background())
	return svc, closeBackend
}

func cronListCmd() *cobra.Command {
	var jsonOutput bool
	var tenant int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			svc, done := newIdleService()
			defer done()
			jobs := svc.List(tenantFilter(cmd, tenant))
			printJobs(jobs, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().Int64Var(&tenant, "tenant", 0, "only jobs for this chat id")
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		tenant   int64
		name     string
		at       string
		every    time.Duration
		cronExpr string
		tz       string
		disabled bool
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "add [prompt]",
		Short: "Create a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			schedule, err := parseScheduleFlags(at, every, cronExpr, tz)
			if err != nil {
				fatal(err)
			}
			svc, done := newIdleService()
			defer done()

			enabled := !disabled
			input := cron.JobCreate{
				Tenant:   tenant,
				Name:     name,
				Prompt:   args[0],
				Enabled:  &enabled,
				Schedule: schedule,
			}
			if once {
				input.Policy = &cron.Policy{MaxLatenessMS: -1, RetryMax: -1, RetryBackoffMS: -1, DeleteAfterRun: true}
			}
			job, err := svc.Create(input)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("Created job %s (%s), next run %s\n", job.ID, job.Name, formatMS(job.State.NextRunAtMS))
		},
	}
	cmd.Flags().Int64Var(&tenant, "tenant", 0, "chat id the job belongs to (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (derived from prompt when empty)")
	cmd.Flags().StringVar(&at, "at", "", "one-shot fire time (RFC3339 or epoch ms)")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval, e.g. 90s, 15m, 6h")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "5-field cron expression")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for --cron")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	cmd.Flags().BoolVar(&once, "delete-after-run", false, "remove the job after a successful run")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func cronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [jobId]",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, done := newIdleService()
			defer done()
			job, err := svc.Find(args[0])
			if err != nil {
				fatal(err)
			}
			if err := svc.Remove(job.ID); err != nil {
				fatal(err)
			}
			fmt.Printf("Deleted job %s\n", job.ID)
		},
	}
}

func cronToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [jobId] [true|false]",
		Short: "Enable or disable a scheduled job",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			enabled := args[1] == "true" || args[1] == "1" || args[1] == "on"
			svc, done := newIdleService()
			defer done()
			job, err := svc.Find(args[0])
			if err != nil {
				fatal(err)
			}
			if _, err := svc.SetEnabled(job.ID, enabled); err != nil {
				fatal(err)
			}
			fmt.Printf("Job %s enabled=%v\n", job.ID, enabled)
		},
	}
}

func cronRunCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run [jobId]",
		Short: "Fire a job immediately using the configured executor",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			setupLogging(cfg.Log.Level)
			backend, closeBackend, err := openBackend(cfg)
			if err != nil {
				fatal(err)
			}
			defer closeBackend()
			rl, err := openRunLog(cfg)
			if err != nil {
				fatal(err)
			}
			if rl != nil {
				defer rl.Close()
			}

			var recorder cron.RunRecorder
			if rl != nil {
				recorder = rl
			}
			finished := make(chan cron.Event, 1)
			opts := cronOptions(cfg)
			opts.Enabled = true
			svc := cron.NewService(cron.Deps{
				Backend:  backend,
				Recorder: recorder,
				OnEvent: func(ev cron.Event) {
					if ev.Action == "finished" {
						select {
						case finished <- ev:
						default:
						}
					}
				},
			}, opts)
			svc.SetExecutor(buildExecutor(cfg))
			if err := svc.Start(context.Background()); err != nil {
				fatal(err)
			}
			defer svc.Stop()

			job, err := svc.Find(args[0])
			if err != nil {
				fatal(err)
			}
			state, err := svc.RunNow(job.ID, force)
			if err != nil {
				fatal(err)
			}
			if state != "queued" {
				fmt.Println(state)
				return
			}

			wait := time.Duration(cfg.Cron.MaxRunMS)*time.Millisecond + 30*time.Second
			select {
			case ev := <-finished:
				if ev.Status == cron.StatusOK {
					fmt.Printf("Run %s completed in %dms\n", ev.RunID, ev.DurationMS)
				} else {
					fatal(fmt.Errorf("run %s failed: %s", ev.RunID, ev.Error))
				}
			case <-time.After(wait):
				fatal(fmt.Errorf("timed out waiting for run to finish"))
			}
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even when the job is disabled")
	return cmd
}

func cronRunsCmd() *cobra.Command {
	var jsonOutput bool
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [jobId]",
		Short: "Show recent run history",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			setupLogging("warn")
			rl, err := openRunLog(cfg)
			if err != nil {
				fatal(err)
			}
			if rl == nil {
				fatal(fmt.Errorf("run log disabled (runLogPath empty)"))
			}
			defer rl.Close()

			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			}
			entries, err := rl.List(jobID, limit)
			if err != nil {
				fatal(err)
			}
			printRuns(entries, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries to show")
	return cmd
}

func cronStatusCmd() *cobra.Command {
	var tenant int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Run: func(cmd *cobra.Command, args []string) {
			svc, done := newIdleService()
			defer done()
			st := svc.Status(tenantFilter(cmd, tenant))
			fmt.Printf("jobs: %d (%d enabled)\nnext run: %s\n",
				st.TotalJobs, st.EnabledJobs, formatMS(st.NextRunAtMS))
		},
	}
	cmd.Flags().Int64Var(&tenant, "tenant", 0, "only jobs for this chat id")
	return cmd
}

// --- Shared helpers ---

func tenantFilter(cmd *cobra.Command, tenant int64) *int64 {
	if !cmd.Flags().Changed("tenant") {
		return nil
	}
	return &tenant
}

func parseScheduleFlags(at string, every time.Duration, cronExpr, tz string) (cron.Schedule, error) {
	switch {
	case at != "":
		atMS, err := parseWhen(at)
		if err != nil {
			return cron.Schedule{}, err
		}
		return cron.Schedule{Kind: cron.ScheduleAt, AtMS: atMS}, nil
	case every > 0:
		return cron.Schedule{Kind: cron.ScheduleEvery, EveryMS: every.Milliseconds()}, nil
	case cronExpr != "":
		return cron.Schedule{Kind: cron.ScheduleCron, Expr: cronExpr, TZ: tz}, nil
	default:
		return cron.Schedule{}, fmt.Errorf("one of --at, --every, --cron is required")
	}
}

func parseWhen(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want RFC3339 or epoch ms)", s)
	}
	return t.UnixMilli(), nil
}

func formatMS(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}

func printJobs(jobs []cron.Job, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs configured.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTENANT\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS\n")
	for _, j := range jobs {
		schedule := j.Schedule.Kind
		switch j.Schedule.Kind {
		case cron.ScheduleEvery:
			schedule = "every " + (time.Duration(j.Schedule.EveryMS) * time.Millisecond).String()
		case cron.ScheduleCron:
			schedule = j.Schedule.Expr
		case cron.ScheduleAt:
			schedule = "at " + formatMS(j.Schedule.AtMS)
		}
		status := j.State.LastStatus
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%v\t%s\t%s\t%s\n",
			j.ID, j.Tenant, j.Name, j.Enabled, schedule, formatMS(j.State.NextRunAtMS), status)
	}
	tw.Flush()
}

func printRuns(entries []cron.RunEntry, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(entries) == 0 {
		fmt.Println("No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "STARTED\tJOB\tSOURCE\tSTATUS\tDURATION\tDETAIL\n")
	for _, e := range entries {
		detail := e.Summary
		if e.Status != cron.StatusOK {
			detail = e.Error
		}
		if len(detail) > 60 {
			detail = detail[:60] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\n",
			formatMS(e.StartedAtMS), e.JobID, e.Source, e.Status, e.DurationMS, detail)
	}
	tw.Flush()
}
