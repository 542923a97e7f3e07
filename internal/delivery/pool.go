// Package delivery implements the Delivery Pool: a fixed-size worker pool
// that signs and POSTs DeliveryJobs to tenant endpoints with per-endpoint
// rate limiting, circuit breaking, and bounded exponential-backoff retries.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/metrics"
	"github.com/ethhook/ethhook/internal/model"
)

const bodyPrefixLimit = 4 << 10 // 4 KiB, per spec.md §3 DeliveryAttempt

// Config controls Pool construction.
type Config struct {
	Workers int

	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	RateLimitWaitBound time.Duration // default 100ms, spec.md §4.4 step 3

	DefaultBaseRetry time.Duration
	DefaultMaxRetry  time.Duration

	RetryHeapMaxSize int

	Sink AttemptSink

	Logger zerolog.Logger
}

// Pool is the fixed-size worker pool described in spec.md §4.4.
type Pool struct {
	cfg Config

	jobsCh chan *model.DeliveryJob // the spec's "delivery channel", cap 50k
	dueCh  chan *model.DeliveryJob // fed by the retry-heap scheduler

	breakers *Breakers
	limiters *RateLimiters
	heap     *RetryHeap

	httpClient *http.Client

	logger zerolog.Logger

	lastActive sync.Map // worker id (int) -> atomic unix nano (int64, via atomic.Value-free int64 box)

	wg sync.WaitGroup
}

// New constructs a Pool. deliveryChCap sizes the channel the matcher sends
// into; it is the "delivery channel, cap 50k" from spec.md §2.
func New(cfg Config, deliveryChCap int) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 50
	}
	if cfg.RateLimitWaitBound <= 0 {
		cfg.RateLimitWaitBound = 100 * time.Millisecond
	}
	if cfg.DefaultBaseRetry <= 0 {
		cfg.DefaultBaseRetry = time.Second
	}
	if cfg.DefaultMaxRetry <= 0 {
		cfg.DefaultMaxRetry = 60 * time.Second
	}

	logger := logging.Component(cfg.Logger, "delivery_pool")

	return &Pool{
		cfg:      cfg,
		jobsCh:   make(chan *model.DeliveryJob, deliveryChCap),
		dueCh:    make(chan *model.DeliveryJob, cfg.Workers*4),
		breakers: NewBreakers(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown),
		limiters: NewRateLimiters(10*time.Minute, cfg.Logger),
		heap:     NewRetryHeap(cfg.RetryHeapMaxSize, cfg.Logger),
		httpClient: &http.Client{
			// Per-request timeout is applied via context per job (the
			// endpoint rule's timeout); this is only a backstop.
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

// JobsCh is the channel the matcher sends DeliveryJobs into.
func (p *Pool) JobsCh() chan<- *model.DeliveryJob { return p.jobsCh }

// Depth reports the current delivery-channel queue depth, for metrics and
// the Health Supervisor's deadlock heuristic.
func (p *Pool) Depth() int { return len(p.jobsCh) }

// RetryHeapLen reports the current retry-heap size.
func (p *Pool) RetryHeapLen() int { return p.heap.Len() }

// LastActiveAt returns the most recent time any worker completed handling a
// job, consulted by the Health Supervisor's readiness predicate.
func (p *Pool) LastActiveAt() time.Time {
	var max int64
	p.lastActive.Range(func(_, v any) bool {
		if n := v.(int64); n > max {
			max = n
		}
		return true
	})
	if max == 0 {
		return time.Time{}
	}
	return time.Unix(0, max)
}

// Run starts the worker pool and the retry-heap scheduler. It blocks until
// every worker has exited: workers only stop once jobsCh is closed (by the
// matcher, per spec.md §4.6 step 3) and the ready queue (jobsCh + dueCh) has
// drained or ctx's shutdown grace period expires. The scheduler is stopped
// as soon as the last worker has exited.
func (p *Pool) Run(ctx context.Context) {
	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		p.schedulerLoop(schedCtx)
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	stopScheduler()
	<-schedulerDone
}

// schedulerLoop wakes on a timer, moves due retries from the heap into
// dueCh, and re-arms for the next earliest due time, per spec.md §4.4
// "Retry scheduling": "a single timer-driven wakeup moves due jobs ... into
// the ready channel".
func (p *Pool) schedulerLoop(ctx context.Context) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			for _, job := range p.heap.PopDue(time.Now()) {
				select {
				case p.dueCh <- job:
				case <-ctx.Done():
					return
				}
			}
			next := p.heap.NextDue()
			if next.IsZero() {
				timer.Reset(time.Second)
			} else if d := time.Until(next); d > 0 {
				timer.Reset(d)
			} else {
				timer.Reset(time.Millisecond)
			}
		}
	}
}

// worker is one delivery-pool worker task. It reads from both jobsCh
// (direct, first-attempt and freshly-matched jobs) and dueCh (retries
// released by the scheduler), recovering from any panic so a single bad
// job can never take the worker down.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker_id", id).Logger()
	idLabel := strconv.Itoa(id)

	jobs := p.jobsCh
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				jobs = nil // disable this case; keep draining dueCh
				if p.drained() {
					return
				}
				continue
			}
			p.handleSafely(ctx, job, logger)
			p.markActive(id, idLabel)
		case job := <-p.dueCh:
			p.handleSafely(ctx, job, logger)
			p.markActive(id, idLabel)
		case <-ctx.Done():
			if jobs == nil && p.drained() {
				return
			}
			// Grace period expired with work still outstanding; per
			// spec.md §4.6 step 4 we do not wait on the retry heap beyond
			// the grace period.
			return
		}
	}
}

func (p *Pool) drained() bool {
	return len(p.dueCh) == 0 && p.heap.Len() == 0
}

func (p *Pool) markActive(id int, idLabel string) {
	now := time.Now()
	p.lastActive.Store(id, now.UnixNano())
	metrics.WorkerLastActiveUnixSeconds.WithLabelValues(idLabel).Set(float64(now.Unix()))
}

func (p *Pool) handleSafely(ctx context.Context, job *model.DeliveryJob, logger zerolog.Logger) {
	defer logging.RecoverAndLog(logger, "delivery_worker")
	p.handle(ctx, job, logger)
}

// handle implements spec.md §4.4's per-request flow.
func (p *Pool) handle(ctx context.Context, job *model.DeliveryJob, logger zerolog.Logger) {
	endpointID := job.Endpoint.EndpointID

	allowed, isTrial := p.breakers.Allow(endpointID)
	if !allowed {
		job.Outcome = model.OutcomeCircuitOpenDrop
		metrics.DeliveryOutcomesTotal.WithLabelValues(string(model.OutcomeCircuitOpenDrop)).Inc()
		p.cfg.Sink.Append(model.DeliveryAttempt{
			JobKey:     job.Key(),
			EndpointID: endpointID,
			DeliveryID: job.DeliveryID,
			AttemptNum: job.Attempt,
			ErrorKind:  "circuit_open",
			Result:     model.AttemptTerminal,
			ObservedAt: time.Now(),
		})
		return
	}

	if !p.limiters.Wait(endpointID, job.Endpoint.RateLimitRPS, p.cfg.RateLimitWaitBound) {
		// No token within the bound: defer the job a short interval
		// rather than spinning, per spec.md §4.4 step 3.
		job.NextDueAt = time.Now().Add(50 * time.Millisecond)
		p.heap.Push(job)
		return
	}

	sig := hmac.New(sha256.New, job.Endpoint.Secret)
	sig.Write(job.Body)
	signature := hex.EncodeToString(sig.Sum(nil))

	timeout := job.Endpoint.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.Endpoint.URL, bytes.NewReader(job.Body))
	if err != nil {
		p.finalizeAttempt(job, 0, "bad_request_construction", model.AttemptTerminal, 0, nil, logger)
		p.finalize(job, model.OutcomeTerminalFailure, isTrial, logger)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EthHook-Signature", "sha256="+signature)
	req.Header.Set("X-EthHook-Chain-Id", fmt.Sprint(job.Event.ChainID))
	req.Header.Set("X-EthHook-Delivery-Id", job.DeliveryID)
	req.Header.Set("X-EthHook-Attempt", fmt.Sprint(job.Attempt))

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		p.finalizeAttempt(job, 0, errorKind(err), model.AttemptRetryable, latency, nil, logger)
		p.onResult(job, false, isTrial, model.AttemptRetryable, logger)
		return
	}
	defer resp.Body.Close()

	prefix, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPrefixLimit))
	io.Copy(io.Discard, resp.Body)

	result := classify(resp.StatusCode)
	p.finalizeAttempt(job, resp.StatusCode, "", result, latency, prefix, logger)
	p.onResult(job, result == model.AttemptSuccess, isTrial, result, logger)
}

// onResult updates the circuit breaker and drives the job to its next state
// (retry, exhausted, terminal, or success), per spec.md §4.4 steps 6-7.
func (p *Pool) onResult(job *model.DeliveryJob, success bool, isTrial bool, result model.AttemptResult, logger zerolog.Logger) {
	endpointID := job.Endpoint.EndpointID

	if success {
		p.breakers.RecordSuccess(endpointID)
		p.finalize(job, model.OutcomeSuccess, isTrial, logger)
		return
	}

	if result == model.AttemptTerminal {
		// Terminal 4xx: do not tally against the breaker the way a
		// transient failure would — the endpoint responded, it just
		// rejected this specific payload.
		p.finalize(job, model.OutcomeTerminalFailure, isTrial, logger)
		return
	}

	p.breakers.RecordFailure(endpointID)

	maxAttempts := job.Endpoint.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if job.Attempt >= maxAttempts {
		p.finalize(job, model.OutcomeExhaustedRetries, isTrial, logger)
		return
	}

	job.Attempt++
	delay := backoffDelay(p.cfg.DefaultBaseRetry, p.cfg.DefaultMaxRetry, job.Attempt-1)
	job.NextDueAt = time.Now().Add(delay)
	p.heap.Push(job)
}

func (p *Pool) finalize(job *model.DeliveryJob, outcome model.Outcome, isTrial bool, logger zerolog.Logger) {
	job.Outcome = outcome
	metrics.DeliveryOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	if outcome != model.OutcomeSuccess && outcome != model.OutcomeTerminalFailure {
		return
	}
	_ = isTrial // trial outcome already folded into breaker state transition
	logger.Debug().
		Str("endpoint_id", job.Endpoint.EndpointID).
		Str("delivery_id", job.DeliveryID).
		Int("attempt", job.Attempt).
		Str("outcome", string(outcome)).
		Msg("delivery job reached terminal outcome")
}

func (p *Pool) finalizeAttempt(job *model.DeliveryJob, status int, errKind string, result model.AttemptResult, latency time.Duration, bodyPrefix []byte, logger zerolog.Logger) {
	metrics.DeliveryAttemptsTotal.WithLabelValues(job.Endpoint.EndpointID, string(result)).Inc()
	metrics.DeliveryLatencySeconds.WithLabelValues(job.Endpoint.EndpointID).Observe(latency.Seconds())

	p.cfg.Sink.Append(model.DeliveryAttempt{
		JobKey:     job.Key(),
		EndpointID: job.Endpoint.EndpointID,
		DeliveryID: job.DeliveryID,
		AttemptNum: job.Attempt,
		StatusCode: status,
		ErrorKind:  errKind,
		LatencyMS:  latency.Milliseconds(),
		BodyPrefix: bodyPrefix,
		Result:     result,
		ObservedAt: time.Now(),
	})
}

// classify maps an HTTP status code to spec.md §4.4 step 6's outcome
// classes.
func classify(status int) model.AttemptResult {
	switch {
	case status >= 200 && status < 300:
		return model.AttemptSuccess
	case status == http.StatusRequestTimeout, // 408
		status == 425, // Too Early
		status == http.StatusTooManyRequests, // 429
		status >= 500:
		return model.AttemptRetryable
	default:
		return model.AttemptTerminal
	}
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "transport_error"
}

// backoffDelay computes min(base * 2^(attempt-1), max) * (1 +/- 25%), per
// spec.md §4.4 step 7.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := 1.0 + (rand.Float64()*2-1)*0.25
	return time.Duration(float64(d) * jitter)
}
