package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/crm"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
	"github.com/teranos/crmpulse/pulse/schedule"
	"github.com/teranos/crmpulse/pulse/transport/amqp"
	"github.com/teranos/crmpulse/sym"
)

// PulseCmd represents the pulse command - the scheduler daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the Pulse scheduler daemon",
	Long: sym.Pulse + ` Pulse daemon - the single scheduler of every CRM job.

The daemon:
- Registers the CRM job kinds and creates their permanent system jobs
- Admits waiting jobs, at most max_jobs_per_owner running per owner
- Wakes periodic jobs when their next wakeup comes due
- Listens for start/refresh signals (local or AMQP)
- Resumes the jobs of a crashed daemon on its first sweep
- Serves Prometheus metrics on metrics.addr

Example:
  crmpulse pulse start                    # Start daemon in foreground
  crmpulse pulse start --workers 8        # Start with 8 execution slots
  crmpulse pulse start --max-per-owner 2  # Let each owner run 2 jobs at once`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

Runs until interrupted (Ctrl+C or SIGTERM). Shutdown waits up to
scheduler.stop_timeout_seconds for running jobs; jobs still running after
that are left waiting and resumed by the next daemon.`,
	RunE: runPulseStart,
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Execution slots (default: scheduler.workers)")
	PulseStartCmd.Flags().Int("max-per-owner", 0, "Concurrent jobs per owner (default: scheduler.max_jobs_per_owner)")
	PulseCmd.AddCommand(PulseStartCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Scheduler.Workers = n
	}
	if n, _ := cmd.Flags().GetInt("max-per-owner"); n > 0 {
		cfg.Scheduler.MaxJobsPerOwner = n
	}
	log := logger.Logger.Named("pulse")

	fmt.Printf("%s Starting Pulse daemon with %d worker(s)...\n", sym.Pulse, cfg.Scheduler.Workers)

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	// The pool outlives the signal: Stop gives running jobs their grace period
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := async.NewStore(database)
	history := schedule.NewExecutionStore(database)
	registry := async.NewRegistry()
	if err := crm.Autodiscover(registry, crm.Deps{DB: database, Store: store, Config: cfg, History: history}); err != nil {
		return err
	}
	created, err := async.EnsurePeriodicJobs(ctx, registry, store)
	if err != nil {
		return errors.Wrap(err, "failed to create system jobs")
	}
	for _, job := range created {
		fmt.Printf("  %s system job %s created (%s)\n", sym.PulseOpen, job.TypeID, job.ID)
	}

	queue, closeQueue, err := startQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeQueue()

	pool := async.NewWorkerPool(ctx, store, async.WorkerPoolConfig{
		Workers:         cfg.Scheduler.Workers,
		MaxJobsPerOwner: cfg.Scheduler.MaxJobsPerOwner,
		StopTimeout:     cfg.Scheduler.StopTimeout(),
	}, log)
	scheduler := schedule.New(ctx, registry, store, pool, queue, schedule.Config{
		PollInterval: cfg.Scheduler.PollInterval(),
	}, log)

	metrics := schedule.NewMetrics()
	scheduler.SetMetrics(metrics)
	scheduler.SetHistory(history)
	metrics.RegisterPool(pool)
	srv := serveMetrics(cfg.Metrics.Addr, metrics, log)

	watcher := watchConfig(scheduler, log)

	scheduler.Start()

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Workers: %d\n", cfg.Scheduler.Workers)
	fmt.Printf("  Max jobs per owner: %d\n", cfg.Scheduler.MaxJobsPerOwner)
	fmt.Printf("  Poll interval: %v\n", cfg.Scheduler.PollInterval())
	fmt.Printf("  Queue: %s\n", cfg.Queue.Transport)
	fmt.Printf("  Job types: %v\n", registry.IDs())
	if srv != nil {
		fmt.Printf("  Metrics: http://%s/metrics\n", cfg.Metrics.Addr)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Stopping, waiting up to %v for running jobs...\n", sym.PulseClose, cfg.Scheduler.StopTimeout())

	// Reverse order of startup
	if watcher != nil {
		watcher.Stop()
	}
	scheduler.Stop()
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}
	cancel()

	stats := scheduler.Stats()
	fmt.Printf("%s Pulse daemon stopped after %d tick(s), %d job run(s)\n", sym.PulseClose, stats.TicksSinceStart, stats.JobsProcessed)
	return nil
}

// startQueue opens the configured signal transport. The AMQP consumer starts
// right away so signals published before the first sweep are kept.
func startQueue(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (async.Queue, func(), error) {
	if cfg.Queue.Transport != am.TransportAMQP {
		return async.NewLocalQueue(), func() {}, nil
	}

	q, err := amqp.Dial(cfg.Queue, log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to AMQP")
	}
	if err := q.Consume(ctx); err != nil {
		q.Close()
		return nil, nil, errors.Wrap(err, "failed to consume signals")
	}
	return q, func() { q.Close() }, nil
}
