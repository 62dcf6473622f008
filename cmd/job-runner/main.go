package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/app"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/jobs"
	"github.com/hackgods/medication-adherence/internal/logger"
	"github.com/hackgods/medication-adherence/internal/metrics"
	"github.com/hackgods/medication-adherence/internal/tracing"
)

var jobHelp = map[string]string{
	jobs.JobArchive:        "Archive closed local days into daily summaries",
	jobs.JobPatterns:       "Detect adherence patterns and record new ones",
	jobs.JobWeeklySummary:  "Build and send last week's adherence report",
	jobs.JobMonthlySummary: "Build and send last month's adherence report",
	jobs.JobDoseMonitor:    "Mark doses past their grace window as missed",
	jobs.JobReminders:      "Record and queue due dose reminders",
	jobs.JobDispatch:       "Deliver queued notifications",
}

// loopJobs run on every tick of the loop command.
var loopJobs = []string{jobs.JobDoseMonitor, jobs.JobReminders, jobs.JobDispatch}

func main() {
	rootCmd := &cobra.Command{
		Use:          "job-runner",
		Short:        "Scheduled jobs of the medication adherence engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Bool("force", false, "Send periodic summaries regardless of weekday")

	for _, name := range jobs.Names() {
		rootCmd.AddCommand(jobCmd(name))
	}
	rootCmd.AddCommand(loopCmd())
	rootCmd.AddCommand(runsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads config, builds the service graph and calls fn with a
// signal-aware context.
func withApp(service string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.With(zap.String("service", service), zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	a, err := app.New(ctx, cfg, zl, metrics.NewCollector("meds_jobs"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func jobCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: jobHelp[name],
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withApp("job-runner", func(ctx context.Context, a *app.App) error {
				run, err := a.Jobs.Run(ctx, name, force)
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
}

// loopCmd drives the short-interval jobs on WORKER_INTERVAL until stopped.
func loopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Run dose-monitor, reminders and dispatch on every worker interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp("job-worker", func(ctx context.Context, a *app.App) error {
				a.Logger.Info("job loop starting", zap.Duration("interval", a.Config.WorkerInterval))

				// Run once at startup
				tick(ctx, a)

				ticker := time.NewTicker(a.Config.WorkerInterval)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						a.Logger.Info("shutdown signal received, stopping job loop")
						return nil
					case <-ticker.C:
						tick(ctx, a)
					}
				}
			})
		},
	}
}

func tick(ctx context.Context, a *app.App) {
	for _, name := range loopJobs {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.Jobs.Run(ctx, name, false); err != nil {
			a.Logger.Error("job run error", zap.String("job", name), zap.Error(err))
		}
	}
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent job runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, _ := cmd.Flags().GetString("job")
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp("job-runner", func(ctx context.Context, a *app.App) error {
				runs, err := a.Jobs.ListRuns(ctx, job, limit)
				if err != nil {
					return err
				}
				return printJSON(runs)
			})
		},
	}
	cmd.Flags().String("job", "", "Only show runs of this job")
	cmd.Flags().Int("limit", 20, "Maximum runs to show")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
