// Package health implements the Health Supervisor: a watchdog over task
// liveness, channel depth, and connection state that exposes a readiness
// predicate and a deadlock heuristic, grounded on the teacher's
// SystemMonitor/ResourceGuard sampling loop.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/chain"
	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/metrics"
	"github.com/ethhook/ethhook/internal/platform"
)

// ChainObserver is the subset of *chain.Ingestor the supervisor needs.
type ChainObserver interface {
	State() chain.State
	LastMessageAt() time.Time
}

// Config wires the supervisor to the rest of the pipeline. All functions
// must be safe for concurrent use; they are polled on a fixed interval.
type Config struct {
	Chains []ChainObserver

	RawChannelDepth      func() int
	RawChannelCapacity   int
	DeliveryChannelDepth func() int
	DeliveryChannelCap   int

	MatcherLastBatchAt   func() time.Time
	WorkerLastActiveAt   func() time.Time

	SampleInterval time.Duration // default 5s

	Logger zerolog.Logger
}

const (
	matcherStalePeriod = 30 * time.Second
	workerStalePeriod  = 30 * time.Second
	deadlockPeriod     = 60 * time.Second
)

// Supervisor implements spec.md §4.5.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	cpu *platform.CPUMonitor

	stuckSince atomic.Int64 // unix nano of first observed deadlock condition, 0 if none
	ready      atomic.Bool
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	logger := logging.Component(cfg.Logger, "health_supervisor")
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		cpu:    platform.NewCPUMonitor(logger),
	}
}

// Run drives the periodic sampling loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	defer logging.RecoverAndLog(s.logger, "health_supervisor")

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	memLimit, err := platform.MemoryLimit()
	if err == nil && memLimit > 0 {
		metrics.CgroupMemoryLimitBytes.Set(float64(memLimit))
	}

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) sample() {
	if pct, err := s.cpu.GetPercent(); err == nil {
		metrics.ProcessCPUPercent.Set(pct)
	}
	if rss, err := platform.ProcessMemoryUsage(); err == nil {
		metrics.ProcessMemoryBytes.Set(float64(rss))
	}

	rawDepth := 0
	if s.cfg.RawChannelDepth != nil {
		rawDepth = s.cfg.RawChannelDepth()
		metrics.RawChannelDepth.Set(float64(rawDepth))
	}
	deliveryDepth := 0
	if s.cfg.DeliveryChannelDepth != nil {
		deliveryDepth = s.cfg.DeliveryChannelDepth()
		metrics.DeliveryChannelDepth.Set(float64(deliveryDepth))
	}

	ready := s.computeReady()
	s.ready.Store(ready)
	if ready {
		metrics.ReadinessGauge.Set(1)
	} else {
		metrics.ReadinessGauge.Set(0)
	}

	s.checkDeadlock(rawDepth, deliveryDepth)
}

// computeReady implements the readiness predicate from spec.md §4.5: "ready
// iff all chains are in SUBSCRIBED/STREAMING (or configured-disabled), the
// matcher has made progress within the last 30s, and at least one delivery
// worker has made progress within the last 30s."
func (s *Supervisor) computeReady() bool {
	for _, c := range s.cfg.Chains {
		if !c.State().Ready() {
			return false
		}
	}

	if s.cfg.MatcherLastBatchAt != nil {
		last := s.cfg.MatcherLastBatchAt()
		if last.IsZero() || time.Since(last) > matcherStalePeriod {
			return false
		}
	}

	if s.cfg.WorkerLastActiveAt != nil {
		last := s.cfg.WorkerLastActiveAt()
		if last.IsZero() || time.Since(last) > workerStalePeriod {
			return false
		}
	}

	return true
}

// checkDeadlock implements spec.md §4.5's deadlock heuristic: "if both
// channels are full and no worker has advanced for > 60s, log ERROR, bump a
// 'stuck' counter, and continue." It does not auto-restart; operators
// decide.
func (s *Supervisor) checkDeadlock(rawDepth, deliveryDepth int) {
	rawFull := s.cfg.RawChannelCapacity > 0 && rawDepth >= s.cfg.RawChannelCapacity
	deliveryFull := s.cfg.DeliveryChannelCap > 0 && deliveryDepth >= s.cfg.DeliveryChannelCap

	workerStalled := true
	if s.cfg.WorkerLastActiveAt != nil {
		last := s.cfg.WorkerLastActiveAt()
		workerStalled = last.IsZero() || time.Since(last) > deadlockPeriod
	}

	if rawFull && deliveryFull && workerStalled {
		if s.stuckSince.Load() == 0 {
			s.stuckSince.Store(time.Now().UnixNano())
		}
		metrics.SupervisorStuckTotal.Inc()
		s.logger.Error().
			Int("raw_channel_depth", rawDepth).
			Int("delivery_channel_depth", deliveryDepth).
			Msg("deadlock heuristic tripped: both channels full and no delivery worker progress")
		return
	}
	s.stuckSince.Store(0)
}

// Ready reports the last-computed readiness value.
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// Handler returns an HTTP handler serving /healthz (liveness: always 200
// once the process is up) and /readyz (readiness, backed by Ready()).
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
