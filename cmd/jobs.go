package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-mpesa/app/service"
	"github.com/vibast-solutions/ms-go-mpesa/config"
)

var (
	workerMode bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Poll the gateway for payment requests still pending after the staleness window",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"reconcile",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(j *service.Jobs, ctx context.Context) error {
				return j.RunReconcileBatch(ctx)
			},
		)
	},
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Run order finalization commands",
}

var finalizeDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver resolved payment requests to the order service",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"finalize_dispatch",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.FinalizeDispatchInterval },
			func(j *service.Jobs, ctx context.Context) error {
				return j.RunFinalizeBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(finalizeCmd)
	finalizeCmd.AddCommand(finalizeDispatchCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(j *service.Jobs, ctx context.Context) error,
) {
	app, cleanup := mustCreateApplication()
	defer cleanup()

	if workerMode {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		interval := intervalResolver(app.cfg)
		if interval <= 0 {
			logrus.WithField("job", name).Fatal("invalid worker interval")
		}
		runTicker(ctx, name, interval, func(ctx context.Context) error { return fn(app.jobs, ctx) })
		logrus.WithField("job", name).Info("Worker shutdown requested")
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return fn(app.jobs, ctx) })
}

// runTicker runs fn immediately and then on every tick until ctx is done.
func runTicker(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		logrus.WithField("job", name).Warn("Worker interval is not positive, worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runJob(name, func() error { return fn(ctx) })
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
