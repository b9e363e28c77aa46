// Command stepflowd runs the workflow engine with its HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/bus"
	"github.com/sicko7947/stepflow/config"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/example/aiexecute"
	"github.com/sicko7947/stepflow/example/helloworld"
	"github.com/sicko7947/stepflow/server"
	"github.com/sicko7947/stepflow/store"
	"github.com/sicko7947/stepflow/store/redislease"
	"github.com/sicko7947/stepflow/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := cfg.Log.Logger()
	log.Logger = logger

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("stepflowd exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, records, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	registry := stepflow.NewRegistry()
	if err := registerWorkflows(registry, records); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithConfig(engine.EngineConfig{
			MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
			LeaseTTL:          cfg.Lease.TTL,
			SchedulerInterval: cfg.Engine.SchedulerInterval,
			RecoveryInterval:  cfg.Engine.RecoveryInterval,
			StaleAfter:        cfg.Engine.StaleAfter,
		}),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithTelemetrySinks(telemetry.NewLogSink(logger)),
	}
	if cfg.Lease.RedisAddr != "" {
		opts = append(opts, engine.WithLeaser(redislease.NewFromAddr(cfg.Lease.RedisAddr, "", 0)))
		logger.Info().Str("addr", cfg.Lease.RedisAddr).Msg("Using Redis run leases")
	}

	eng := engine.NewEngine(ledger, registry, opts...)
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Close()

	eventBus := bus.New(registry, eng, bus.WithLogger(logger))
	srv := server.New(eventBus, eng,
		server.WithLogger(logger),
		server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.Burst),
		server.WithMetricsGatherer(reg),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info().Msg("Server stopped")
	return nil
}

// openLedger builds the configured ledger and the record store used by
// the hello-world workflow
func openLedger(ctx context.Context, cfg config.LedgerConfig) (stepflow.Ledger, helloworld.RecordStore, func(), error) {
	switch cfg.Driver {
	case config.DriverDynamoDB:
		client, err := store.NewDynamoDBClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create DynamoDB client: %w", err)
		}
		return store.NewDynamoDBLedger(client, cfg.DynamoTable), helloworld.NewMemoryRecordStore(), func() {}, nil

	case config.DriverPostgres:
		ledger, err := store.NewPostgresLedger(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := ledger.Migrate(ctx); err != nil {
			ledger.Close()
			return nil, nil, nil, err
		}
		records := helloworld.NewSQLRecordStore(ledger.DB())
		if err := records.Migrate(ctx); err != nil {
			ledger.Close()
			return nil, nil, nil, err
		}
		return ledger, records, func() { ledger.Close() }, nil

	default:
		return store.NewMemoryLedger(), helloworld.NewMemoryRecordStore(), func() {}, nil
	}
}

func registerWorkflows(registry *stepflow.Registry, records helloworld.RecordStore) error {
	hello, err := helloworld.NewHelloWorldWorkflow(records)
	if err != nil {
		return err
	}
	ai, err := aiexecute.NewExecuteAIWorkflow(aiexecute.EchoClient{}, aiexecute.DefaultModels)
	if err != nil {
		return err
	}

	for _, wf := range []*stepflow.Workflow{hello, ai} {
		if err := registry.Register(wf); err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", wf.ID(), err)
		}
	}
	return nil
}
