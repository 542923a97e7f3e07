// Package matcher drains the raw event channel in batches, evaluates each
// event against the current registry snapshot, and emits DeliveryJobs.
package matcher

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/metrics"
	"github.com/ethhook/ethhook/internal/model"
	"github.com/ethhook/ethhook/internal/registry"
)

// Matcher drains rawCh, groups events into batches of up to BatchSize events
// or BatchTimeout (whichever comes first), and emits zero or more
// DeliveryJob values per event to deliveryCh.
type Matcher struct {
	view         *registry.View
	deliveryCh   chan<- *model.DeliveryJob
	batchSize    int
	batchTimeout time.Duration
	logger       zerolog.Logger

	defaultMaxAttempts int
	defaultTimeout     time.Duration

	lastBatchAt atomic.Int64 // unix nano
}

// New constructs a Matcher. deliveryCh is shared with the Delivery Pool;
// sends block when it is full, propagating pressure back to the ingestors
// per spec.md §4.3 step 5.
func New(view *registry.View, deliveryCh chan<- *model.DeliveryJob, batchSize int, batchTimeout time.Duration, defaultMaxAttempts int, defaultTimeout time.Duration, logger zerolog.Logger) *Matcher {
	return &Matcher{
		view:               view,
		deliveryCh:         deliveryCh,
		batchSize:          batchSize,
		batchTimeout:       batchTimeout,
		defaultMaxAttempts: defaultMaxAttempts,
		defaultTimeout:     defaultTimeout,
		logger:             logging.Component(logger, "matcher"),
	}
}

// LastBatchAt reports when the matcher last finished processing a batch,
// consulted by the Health Supervisor's readiness predicate.
func (m *Matcher) LastBatchAt() time.Time {
	nanos := m.lastBatchAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Run drains rawCh until it is closed, batching events and emitting
// DeliveryJobs for each. It returns once rawCh is closed and the final
// batch has been flushed, per spec.md §4.6 step 3 — it does not stop early
// on context cancellation so shutdown can drain in-flight events.
func (m *Matcher) Run(rawCh <-chan model.RawEvent) {
	defer logging.RecoverAndLog(m.logger, "matcher")

	batch := make([]model.RawEvent, 0, m.batchSize)
	timer := time.NewTimer(m.batchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.processBatch(batch)
		batch = batch[:0]
		now := time.Now()
		m.lastBatchAt.Store(now.UnixNano())
		metrics.MatcherLastBatchUnixSeconds.Set(float64(now.Unix()))
	}

	for {
		select {
		case ev, ok := <-rawCh:
			if !ok {
				flush()
				m.logger.Info().Msg("raw channel closed, matcher draining complete")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= m.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(m.batchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(m.batchTimeout)
		}
	}
}

func (m *Matcher) processBatch(batch []model.RawEvent) {
	metrics.MatcherBatchSize.Observe(float64(len(batch)))
	snap := m.view.Snapshot()

	for _, ev := range batch {
		m.processEvent(snap, ev)
	}
}

// processEvent implements spec.md §4.3's per-event matching algorithm.
func (m *Matcher) processEvent(snap *registry.Snapshot, ev model.RawEvent) {
	candidates := snap.CandidateEndpoints(ev.ChainID, ev.Contract)
	if len(candidates) == 0 {
		metrics.UnmatchedTotal.Inc()
		return
	}

	var body []byte
	matched := 0

	for _, endpointID := range candidates {
		rule := m.evalCandidate(snap, endpointID, ev)
		if rule == nil {
			continue
		}

		if body == nil {
			var err error
			body, err = canonicalize(ev)
			if err != nil {
				m.logger.Error().Err(err).Str("tx_hash", ev.TransactionHash).Msg("failed to canonicalize event")
				return
			}
		}

		job := &model.DeliveryJob{
			DeliveryID: uuid.NewString(),
			Event:      ev,
			Endpoint:   *rule,
			Body:       body,
			Attempt:    1,
			NextDueAt:  time.Now(),
			Outcome:    model.OutcomePending,
		}
		if job.Endpoint.MaxAttempts <= 0 {
			job.Endpoint.MaxAttempts = m.defaultMaxAttempts
		}
		if job.Endpoint.Timeout <= 0 {
			job.Endpoint.Timeout = m.defaultTimeout
		}

		m.deliveryCh <- job
		matched++
	}

	if matched > 0 {
		metrics.MatchedTotal.Add(float64(matched))
	} else {
		metrics.UnmatchedTotal.Inc()
	}
}

// evalCandidate applies spec.md §4.3 step 3's predicate, recovering from any
// panic so one bad rule can never skip the remaining candidates.
func (m *Matcher) evalCandidate(snap *registry.Snapshot, endpointID string, ev model.RawEvent) (rule *model.EndpointRule) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MatcherPredicateErrorsTotal.WithLabelValues(endpointID).Inc()
			m.logger.Error().
				Interface("panic_value", r).
				Str("endpoint_id", endpointID).
				Msg("predicate evaluation panicked, skipping this endpoint only")
			rule = nil
		}
	}()

	r := snap.Rule(endpointID)
	if r == nil || !r.Active {
		return nil
	}
	if !r.MatchesContract(ev.Contract) {
		return nil
	}
	if !r.MatchesTopic0(ev.Topic0()) {
		return nil
	}
	return r
}
