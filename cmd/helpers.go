package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/cronclaw/internal/config"
	"github.com/nextlevelbuilder/cronclaw/internal/cron"
	"github.com/nextlevelbuilder/cronclaw/internal/runlog"
	"github.com/nextlevelbuilder/cronclaw/internal/store"
	"github.com/nextlevelbuilder/cronclaw/internal/store/file"
	"github.com/nextlevelbuilder/cronclaw/internal/store/pg"
)

const maxSummaryChars = 2000

// openBackend builds the snapshot backend selected by the config. The
// returned closer is a no-op for the file backend.
func openBackend(cfg *config.Config) (store.Backend, func(), error) {
	bot := config.NormalizeBotName(cfg.BotName)
	switch cfg.Store.Backend {
	case "postgres":
		b, err := pg.New(context.Background(), cfg.Store.PostgresDSN, bot)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return file.New(config.ExpandHome(cfg.Store.Path), bot), func() {}, nil
	}
}

// openRunLog opens the run history database, or returns nil when disabled.
func openRunLog(cfg *config.Config) (*runlog.Store, error) {
	if strings.TrimSpace(cfg.RunLogPath) == "" {
		return nil, nil
	}
	return runlog.Open(config.ExpandHome(cfg.RunLogPath))
}

func cronOptions(cfg *config.Config) cron.Options {
	d := cfg.Cron.Defaults
	return cron.Options{
		Enabled:          cfg.Cron.Enabled,
		DefaultTimezone:  cfg.Cron.DefaultTimezone,
		MaxJobsPerTenant: cfg.Cron.MaxJobsPerChat,
		MaxRunMS:         cfg.Cron.MaxRunMS,
		DefaultPolicy: cron.Policy{
			MaxLatenessMS:  d.MaxLatenessMS,
			RetryMax:       d.RetryMax,
			RetryBackoffMS: d.RetryBackoffMS,
			DeleteAfterRun: d.DeleteAfterRun,
		},
	}
}

// buildExecutor returns the configured agent executor. With no command
// configured, prompts are logged and succeed immediately, which keeps the
// scheduler usable for dry runs.
func buildExecutor(cfg *config.Config) cron.Executor {
	command := strings.TrimSpace(cfg.Executor.Command)
	if command == "" {
		return func(_ context.Context, run cron.ExecContext) (string, error) {
			slog.Info("job fired (no executor configured)",
				"job", run.Job.ID, "tenant", run.Job.Tenant, "prompt", run.Job.Prompt)
			return "", nil
		}
	}
	args := cfg.Executor.Args
	return func(ctx context.Context, run cron.ExecContext) (string, error) {
		c := exec.CommandContext(ctx, command, args...)
		c.Stdin = strings.NewReader(run.Job.Prompt)
		var out, errOut bytes.Buffer
		c.Stdout = &out
		c.Stderr = &errOut
		if err := c.Run(); err != nil {
			if msg := strings.TrimSpace(errOut.String()); msg != "" {
				return "", fmt.Errorf("%w: %s", err, truncateSummary(msg))
			}
			return "", err
		}
		return truncateSummary(strings.TrimSpace(out.String())), nil
	}
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryChars {
		return s
	}
	return string(runes[:maxSummaryChars]) + "…"
}
