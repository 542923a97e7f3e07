package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/model"
)

func testLogger() zerolog.Logger {
	return logging.New(logging.Config{Level: "error", Format: "json"})
}

func newTestJob(t *testing.T, url string, maxAttempts int) *model.DeliveryJob {
	t.Helper()
	secret := []byte("topsecret")
	body := []byte(`{"id":"evt1"}`)
	return &model.DeliveryJob{
		DeliveryID: "dlv-1",
		Event:      model.RawEvent{ChainID: 1, TransactionHash: "0xbeef"},
		Endpoint: model.EndpointRule{
			EndpointID:   "e1",
			URL:          url,
			Secret:       secret,
			RateLimitRPS: 1000,
			MaxAttempts:  maxAttempts,
			Timeout:      2 * time.Second,
		},
		Body:      body,
		Attempt:   1,
		NextDueAt: time.Now(),
		Outcome:   model.OutcomePending,
	}
}

func sign(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// S1 — happy path: a 200 response finalizes the job as success with the
// correct HMAC signature header.
func TestPool_S1_HappyPathSuccess(t *testing.T) {
	var gotSig, gotDeliveryID, gotAttempt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-EthHook-Signature")
		gotDeliveryID = r.Header.Get("X-EthHook-Delivery-Id")
		gotAttempt = r.Header.Get("X-EthHook-Attempt")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := newTestJob(t, srv.URL, 5)
	sink := NewMemorySink(10, testLogger())
	defer sink.Stop()

	p := New(Config{Workers: 1, CircuitBreakerThreshold: 5, CircuitBreakerCooldown: time.Second, Sink: sink, Logger: testLogger()}, 10)
	p.handle(context.Background(), job, testLogger())

	assert.Equal(t, model.OutcomeSuccess, job.Outcome)
	assert.Equal(t, "sha256="+sign(job.Endpoint.Secret, job.Body), gotSig)
	assert.Equal(t, "dlv-1", gotDeliveryID)
	assert.Equal(t, "1", gotAttempt)

	attempts := sink.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptSuccess, attempts[0].Result)
	assert.Equal(t, 200, attempts[0].StatusCode)
}

// S4 — terminal 4xx: one POST, outcome=terminal-failure, one attempt, no
// retry scheduled.
func TestPool_S4_TerminalFailureDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	job := newTestJob(t, srv.URL, 5)
	sink := NewMemorySink(10, testLogger())
	defer sink.Stop()
	p := New(Config{Workers: 1, CircuitBreakerThreshold: 5, CircuitBreakerCooldown: time.Second, Sink: sink, Logger: testLogger()}, 10)
	p.handle(context.Background(), job, testLogger())

	assert.Equal(t, model.OutcomeTerminalFailure, job.Outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 0, p.RetryHeapLen())
}

// S3 — retry then succeed: 503, 503, 200 drives three attempts ending in
// success, with the retry heap used between attempts.
func TestPool_S3_RetryThenSucceed(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := newTestJob(t, srv.URL, 5)
	sink := NewMemorySink(10, testLogger())
	defer sink.Stop()
	p := New(Config{
		Workers:                 1,
		CircuitBreakerThreshold: 10,
		CircuitBreakerCooldown:  time.Second,
		DefaultBaseRetry:        5 * time.Millisecond,
		DefaultMaxRetry:         20 * time.Millisecond,
		Sink:                    sink,
		Logger:                  testLogger(),
	}, 10)

	ctx := context.Background()
	p.handle(ctx, job, testLogger())
	assert.Equal(t, model.OutcomePending, job.Outcome)
	assert.Equal(t, 1, p.RetryHeapLen())

	due := p.heap.PopDue(job.NextDueAt.Add(time.Millisecond))
	require.Len(t, due, 1)
	p.handle(ctx, due[0], testLogger())
	assert.Equal(t, model.OutcomePending, due[0].Outcome)

	due2 := p.heap.PopDue(due[0].NextDueAt.Add(time.Millisecond))
	require.Len(t, due2, 1)
	p.handle(ctx, due2[0], testLogger())

	assert.Equal(t, model.OutcomeSuccess, due2[0].Outcome)
	assert.Equal(t, 3, due2[0].Attempt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, sink.Attempts(), 3)
}

// S6 — circuit breaker: after the threshold is tripped, subsequent jobs for
// the same endpoint are dropped without an HTTP request, until the cooldown
// allows one trial.
func TestPool_S6_CircuitBreakerDropsWithinCooldown(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewMemorySink(100, testLogger())
	defer sink.Stop()
	p := New(Config{
		Workers:                 1,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  30 * time.Millisecond,
		DefaultBaseRetry:        time.Millisecond,
		DefaultMaxRetry:         2 * time.Millisecond,
		Sink:                    sink,
		Logger:                  testLogger(),
	}, 10)

	ctx := context.Background()

	// Exhaust retries for one job: maxAttempts=3 means 3 attempts, all
	// 500s, each a consecutive circuit-breaker failure.
	job := newTestJob(t, srv.URL, 3)
	p.handle(ctx, job, testLogger())
	for p.RetryHeapLen() > 0 {
		due := p.heap.PopDue(time.Now().Add(5 * time.Millisecond))
		for _, d := range due {
			p.handle(ctx, d, testLogger())
		}
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// The breaker should now be open: a fresh job for the same endpoint is
	// dropped without another HTTP call.
	job2 := newTestJob(t, srv.URL, 3)
	p.handle(ctx, job2, testLogger())
	assert.Equal(t, model.OutcomeCircuitOpenDrop, job2.Outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "no HTTP call while circuit is open")

	time.Sleep(35 * time.Millisecond)

	job3 := newTestJob(t, srv.URL, 3)
	p.handle(ctx, job3, testLogger())
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "cooldown elapsed, one trial request issued")
}
