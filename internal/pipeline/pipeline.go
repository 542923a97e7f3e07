// Package pipeline wires the Chain Ingestors, Matcher, Delivery Pool, and
// Health Supervisor together over the bounded channels described in
// spec.md §2, and implements the Shutdown Coordinator from spec.md §4.6.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ethhook/ethhook/internal/chain"
	"github.com/ethhook/ethhook/internal/config"
	"github.com/ethhook/ethhook/internal/dedup"
	"github.com/ethhook/ethhook/internal/delivery"
	"github.com/ethhook/ethhook/internal/health"
	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/matcher"
	"github.com/ethhook/ethhook/internal/model"
	"github.com/ethhook/ethhook/internal/registry"
)

// Pipeline owns every long-lived task and the channels joining them.
type Pipeline struct {
	cfg    *config.Config
	logger zerolog.Logger

	dedupStore *dedup.Store
	registry   *registry.View

	ingestors []*chain.Ingestor
	rawCh     chan model.RawEvent

	matcher *matcher.Matcher
	pool    *delivery.Pool
	super   *health.Supervisor

	sink delivery.AttemptSink
}

// New constructs a Pipeline. regReader and sink are the pluggable external
// collaborators from spec.md §6 (registry reader, attempt sink); chains is
// the parsed CHAINS configuration.
func New(ctx context.Context, cfg *config.Config, chains []model.ChainConfig, regReader registry.Reader, sink delivery.AttemptSink, logger zerolog.Logger) (*Pipeline, error) {
	dedupStore := dedup.New(cfg.DedupTTL())

	view, err := registry.NewView(ctx, registry.Config{
		Reader:       regReader,
		RefreshEvery: cfg.RegistryRefreshInterval(),
		PollTimeout:  10 * time.Second,
		NatsURL:      cfg.NatsURL,
		Logger:       logger,
	})
	if err != nil {
		dedupStore.Stop()
		return nil, err
	}

	rawCh := make(chan model.RawEvent, cfg.RawChannelCapacity)

	pool := delivery.New(delivery.Config{
		Workers:                 cfg.DeliveryWorkers,
		CircuitBreakerThreshold: cfg.CBFailureThreshold,
		CircuitBreakerCooldown:  cfg.CBCooldown(),
		DefaultBaseRetry:        cfg.DefaultBaseRetry(),
		DefaultMaxRetry:         cfg.DefaultMaxRetry(),
		RetryHeapMaxSize:        cfg.RetryHeapMaxSize,
		Sink:                    sink,
		Logger:                  logger,
	}, cfg.DeliveryChannelCapacity)

	m := matcher.New(view, pool.JobsCh(), cfg.MatchBatchSize, cfg.MatchBatchTimeout(),
		cfg.DefaultMaxAttempts, 30*time.Second, logger)

	ingestors := make([]*chain.Ingestor, 0, len(chains))
	observers := make([]health.ChainObserver, 0, len(chains))
	for _, cc := range chains {
		ing := chain.New(cc, rawCh, dedupStore, logger)
		ingestors = append(ingestors, ing)
		observers = append(observers, ing)
	}

	super := health.New(health.Config{
		Chains:               observers,
		RawChannelDepth:      func() int { return len(rawCh) },
		RawChannelCapacity:   cfg.RawChannelCapacity,
		DeliveryChannelDepth: pool.Depth,
		DeliveryChannelCap:   cfg.DeliveryChannelCapacity,
		MatcherLastBatchAt:   m.LastBatchAt,
		WorkerLastActiveAt:   pool.LastActiveAt,
		Logger:               logger,
	})

	return &Pipeline{
		cfg:        cfg,
		logger:     logging.Component(logger, "pipeline"),
		dedupStore: dedupStore,
		registry:   view,
		ingestors:  ingestors,
		rawCh:      rawCh,
		matcher:    m,
		pool:       pool,
		super:      super,
		sink:       sink,
	}, nil
}

// Supervisor exposes the health supervisor for the CLI's HTTP surface.
func (p *Pipeline) Supervisor() *health.Supervisor { return p.super }

// Run drives every task until ctx is cancelled, then executes the Shutdown
// Coordinator sequence from spec.md §4.6, returning once delivery has
// drained (bounded by gracePeriod) and the attempt sink is flushed.
func (p *Pipeline) Run(ctx context.Context, gracePeriod time.Duration) {
	var ingestGroup errgroup.Group
	for _, ing := range p.ingestors {
		ing := ing
		ingestGroup.Go(func() error {
			// ing.Run already loops internally until ctx is cancelled, so
			// it only returns early if something inside it panics past its
			// own per-connection recovery. spec.md §4.1 "Safety rule": no
			// panic is ever allowed to take a chain off line for the rest
			// of the process, so an early return here gets restarted, not
			// just logged, until ctx is actually done.
			for {
				func() {
					defer logging.RecoverAndLog(p.logger, "chain_ingestor_supervisor")
					ing.Run(ctx)
				}()
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn().Msg("chain ingestor task exited unexpectedly, restarting")
			}
		})
	}

	// Step 1: ingestors stop accepting new messages and close upstream
	// sockets as soon as ctx is cancelled (chain.Ingestor.Run observes
	// ctx.Done() at its next suspension point). Step 2: once every
	// ingestor has exited, close the raw channel.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ingestGroup.Wait()
		close(p.rawCh)
	}()

	supCtx, supCancel := context.WithCancel(ctx)
	defer supCancel()
	go p.super.Run(supCtx)

	matcherDone := make(chan struct{})
	go func() {
		defer close(matcherDone)
		// Step 3: the matcher ignores ctx and drains rawCh to completion
		// so no event accepted before shutdown is lost.
		p.matcher.Run(p.rawCh)
		close(p.pool.JobsCh())
	}()

	// The pool's own Run must keep accepting from JobsCh/dueCh past ctx's
	// cancellation so it can drain what the matcher already emitted; it is
	// handed a separate grace context that only fires once the shutdown
	// grace period elapses, per spec.md §4.6 step 4.
	graceCtx, graceCancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		p.pool.Run(graceCtx)
	}()

	<-ctx.Done()
	p.logger.Info().Msg("shutdown signal received, draining pipeline")

	wg.Wait()
	<-matcherDone
	p.logger.Info().Msg("matcher drained, delivery channel closed")

	select {
	case <-poolDone:
	case <-time.After(gracePeriod):
		p.logger.Warn().Dur("grace_period", gracePeriod).Msg("shutdown grace period expired, forcing delivery workers to stop")
	}
	graceCancel()
	<-poolDone

	supCancel()
	p.registry.Stop()
	p.dedupStore.Stop()

	// Step 5: flush any buffered DeliveryAttempt records.
	if flusher, ok := p.sink.(interface{ Stop() }); ok {
		flusher.Stop()
	}
	p.logger.Info().Msg("shutdown complete")
}
