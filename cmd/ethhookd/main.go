// Command ethhookd runs the ethhook delivery core: it loads configuration
// from the environment, starts the chain ingestors, matcher, delivery
// pool, and health supervisor, serves /healthz, /readyz, and /metrics, and
// drains cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/ethhook/ethhook/internal/config"
	"github.com/ethhook/ethhook/internal/delivery"
	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/pipeline"
	"github.com/ethhook/ethhook/internal/registry"
)

func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		configCheck = flag.Bool("config-check", false, "load and validate configuration, then exit 0")
	)
	flag.Parse()

	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "ethhookd").Logger()

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := config.LoadConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	chains, err := cfg.ParseChains()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid CHAINS configuration")
	}

	if *configCheck {
		fmt.Printf("configuration OK: %d chain(s) configured\n", len(chains))
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The registry reader and attempt sink are external, pluggable
	// collaborators per spec.md §6. This binary ships an in-memory
	// implementation of each for a runnable demo; production deployments
	// swap these for a relational-store reader and a persistent sink.
	regReader := registry.NewMemoryReader(nil)
	sink := delivery.NewMemorySink(10_000, logger)

	pl, err := pipeline.New(ctx, cfg, chains, regReader, sink, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct pipeline")
	}

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: pl.Supervisor().Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics/health server failed")
		}
	}()

	logger.Info().Msg("ethhookd started")
	pl.Run(ctx, cfg.ShutdownGrace())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("ethhookd exited cleanly")
}
