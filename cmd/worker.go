package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AndreyAD1/telemetry-adapter/config"
	"github.com/AndreyAD1/telemetry-adapter/internal/api"
	"github.com/AndreyAD1/telemetry-adapter/internal/database"
	"github.com/AndreyAD1/telemetry-adapter/internal/messaging"
	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/repositories"
	"github.com/AndreyAD1/telemetry-adapter/internal/services"
	"github.com/AndreyAD1/telemetry-adapter/internal/streaming"
	"github.com/AndreyAD1/telemetry-adapter/internal/tracing"
	"github.com/AndreyAD1/telemetry-adapter/internal/worker"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var migrateOnStart bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the delivery worker",
	Long: `Start the worker loop that drains submissions from Azure Service Bus and
delivers their events to the event log, together with the health endpoint
and the stale claim reaper`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "run database migrations before starting")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metricsCollector := metrics.NewMetrics()

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Disabled()
	}
	defer tracer.Close()

	db, err := database.Connect(cfg.DB, cfg.Debug, metricsCollector)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if migrateOnStart {
		if err := database.Migrate(db); err != nil {
			return err
		}
	}

	sink, err := streaming.NewEventLog(cfg)
	if err != nil {
		return err
	}
	if closer, ok := sink.(io.Closer); ok {
		defer closer.Close()
	}

	source, err := messaging.NewServiceBusSource(cfg.Queue)
	if err != nil {
		return err
	}
	defer source.Close(context.Background())

	repo := repositories.NewSubmissionRepository(db)
	submissionService := services.NewSubmissionService(
		services.NewCoordinator(repo),
		services.NewPublisher(repo, sink, cfg.Sink.StreamName, metricsCollector),
		metricsCollector,
		tracer,
	)
	loop := worker.New(source, services.NewIntake(source), submissionService, worker.OptionsFromConfig(cfg), metricsCollector)
	server := api.NewServer(cfg, loop, metricsCollector, tracer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("queue", cfg.Queue.Name).Str("sink", cfg.Sink.Driver).Msg("Starting worker loop")
		return loop.Run(ctx)
	})

	g.Go(server.Start)

	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	g.Go(func() error {
		return runReaper(ctx, cfg.Reaper, services.NewReaper(repo, cfg.Reaper.StaleAfter, cfg.Reaper.BatchSize, metricsCollector))
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shut down gracefully")
	return nil
}

// runReaper schedules the stale claim sweep until ctx is cancelled
func runReaper(ctx context.Context, cfg config.ReaperConfig, reaper *services.Reaper) error {
	if cfg.Interval <= 0 {
		log.Info().Msg("Stale claim reaper disabled")
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() {
			if _, err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to release stale claims")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	log.Info().Dur("interval", cfg.Interval).Dur("stale_after", cfg.StaleAfter).Msg("Starting stale claim reaper")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
