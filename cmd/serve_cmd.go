package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/cronclaw/internal/config"
	"github.com/nextlevelbuilder/cronclaw/internal/cron"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	rl, err := openRunLog(cfg)
	if err != nil {
		return err
	}
	var recorder cron.RunRecorder
	if rl != nil {
		recorder = rl
		defer rl.Close()
	}

	svc := cron.NewService(cron.Deps{
		Backend:  backend,
		Recorder: recorder,
	}, cronOptions(cfg))
	svc.SetExecutor(buildExecutor(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	// Executor and log level follow the config file live; schedule knobs
	// (backend, quotas) need a restart.
	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		watcher.OnChange(func(newCfg *config.Config) {
			setupLogging(newCfg.Log.Level)
			svc.SetExecutor(buildExecutor(newCfg))
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config watcher not started", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("cronclaw serving", "bot", config.NormalizeBotName(cfg.BotName), "backend", cfg.Store.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown requested")
		svc.Stop()
		return nil
	})
	return g.Wait()
}
