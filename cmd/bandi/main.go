package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"bandi/internal/auth"
	"bandi/internal/config"
	"bandi/internal/logger"
	"bandi/internal/scheduler"
	"bandi/internal/server"
)

var (
	configPath string
	envPath    string
)

func main() {
	root := &cobra.Command{
		Use:           "bandi",
		Short:         "Discovery, scheduling and matching of funding announcements",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to config file")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "dotenv file loaded before the config")
	root.AddCommand(serveCmd(), ingestCmd(), reembedCmd(), statusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration, builds the logger and wires the application.
func bootstrap(ctx context.Context) (*app, error) {
	if err := config.LoadEnvFile(envPath); err != nil {
		return nil, err
	}
	cfg, created, err := config.LoadOrInit(configPath)
	if err != nil {
		return nil, err
	}
	if created {
		return nil, fmt.Errorf("created default config at %s: edit it (especially admin_secret and sources), then rerun", configPath)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := a.seedConfigs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			defer func() { _ = a.log.Sync() }()

			guard, err := auth.New(a.cfg.AdminSecret, a.cfg.AdminBindCIDRs)
			if err != nil {
				return fmt.Errorf("init auth: %w", err)
			}
			if err := a.registerJobs(ctx); err != nil {
				return err
			}
			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}

			gin.SetMode(gin.ReleaseMode)
			api := server.New(a.cfg, server.Deps{
				Store:        a.store,
				Scheduler:    a.scheduler,
				Matcher:      a.matcher,
				Progress:     a.pipeline,
				Guard:        guard,
				Metrics:      a.metrics,
				KnownSources: a.registry.Known(),
				Log:          a.log.With(logger.String("component", "http")),
			})
			httpServer := api.HTTPServer()

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("starting bandi", logger.String("addr", a.cfg.ListenAddress))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}

			a.log.Info("shutting down")
			grace := time.Duration(a.cfg.Scheduler.ShutdownGraceSec) * time.Second
			shCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shCtx); err != nil {
				a.log.Warn("http shutdown", logger.Error(err))
			}
			if err := a.scheduler.Stop(shCtx); err != nil {
				a.log.Warn("scheduler shutdown", logger.Error(err))
			}
			return serveErr
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <config>",
		Short: "Run one ingestion of an active source config and print its run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.scheduler.RunAndWait(ctx, scheduler.IngestPrefix+args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, run); err != nil {
				return err
			}
			if run.Error != "" {
				return errors.New(run.Error)
			}
			return nil
		},
	}
}

func reembedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reembed",
		Short: "Recompute every announcement embedding with the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			stats, err := a.matcher.Refresh(ctx, true)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the schedule state of every source config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.scheduler.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report.Configs)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
