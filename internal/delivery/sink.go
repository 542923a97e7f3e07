package delivery

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/model"
)

// AttemptSink is the pluggable, external attempt-persistence collaborator
// from spec.md §6: Append must be non-blocking, and persistence failures
// must never block delivery.
type AttemptSink interface {
	Append(model.DeliveryAttempt)
}

// MemorySink is a buffered, non-blocking in-memory AttemptSink for tests
// and for a runnable demo mode. Append never blocks: when the internal
// buffer is full, the attempt is dropped and logged rather than stalling
// the delivery worker that called it.
type MemorySink struct {
	ch     chan model.DeliveryAttempt
	mu     sync.Mutex
	stored []model.DeliveryAttempt
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMemorySink constructs a MemorySink with the given internal buffer
// capacity and starts its drain goroutine.
func NewMemorySink(bufferSize int, logger zerolog.Logger) *MemorySink {
	if bufferSize < 1 {
		bufferSize = 10_000
	}
	s := &MemorySink{
		ch:     make(chan model.DeliveryAttempt, bufferSize),
		logger: logging.Component(logger, "attempt_sink"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.drain()
	return s
}

// Append implements AttemptSink. Non-blocking: a full buffer drops the
// attempt with a warning rather than applying backpressure to the caller.
func (s *MemorySink) Append(a model.DeliveryAttempt) {
	select {
	case s.ch <- a:
	default:
		s.logger.Warn().Str("job_key", a.JobKey).Msg("attempt sink buffer full, dropping attempt record")
	}
}

func (s *MemorySink) drain() {
	defer close(s.doneCh)
	for {
		select {
		case a := <-s.ch:
			s.mu.Lock()
			s.stored = append(s.stored, a)
			s.mu.Unlock()
		case <-s.stopCh:
			// Flush whatever is already queued before exiting, per
			// spec.md §4.6 step 5 ("flush any buffered DeliveryAttempt
			// records").
			for {
				select {
				case a := <-s.ch:
					s.mu.Lock()
					s.stored = append(s.stored, a)
					s.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

// Attempts returns a copy of every recorded attempt, for tests and for the
// demo mode's diagnostics endpoint.
func (s *MemorySink) Attempts() []model.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DeliveryAttempt, len(s.stored))
	copy(out, s.stored)
	return out
}

// Stop flushes and halts the drain goroutine.
func (s *MemorySink) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
