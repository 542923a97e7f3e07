package delivery

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/logging"
	"github.com/ethhook/ethhook/internal/metrics"
	"github.com/ethhook/ethhook/internal/model"
)

// jobHeap is a container/heap.Interface over jobs ordered by NextDueAt.
type jobHeap []*model.DeliveryJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].NextDueAt.Before(h[j].NextDueAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(*model.DeliveryJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// RetryHeap is the delayed queue described in spec.md §4.4 "Retry
// scheduling": a min-heap by due time, bounded so a backlog of retries
// cannot grow without limit. On overflow the oldest retryable job is
// dropped (counted, WARN); terminal failures never enter the heap.
type RetryHeap struct {
	mu      sync.Mutex
	h       jobHeap
	maxSize int
	logger  zerolog.Logger
}

// NewRetryHeap constructs a bounded RetryHeap.
func NewRetryHeap(maxSize int, logger zerolog.Logger) *RetryHeap {
	if maxSize < 1 {
		maxSize = 200_000
	}
	rh := &RetryHeap{
		h:       make(jobHeap, 0, 1024),
		maxSize: maxSize,
		logger:  logging.Component(logger, "retry_heap"),
	}
	return rh
}

// Push schedules job for its NextDueAt. If the heap is at capacity, the
// single oldest-by-due-time entry is evicted first (spec.md §4.4
// "Backpressure & shedding").
func (rh *RetryHeap) Push(job *model.DeliveryJob) {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	if len(rh.h) >= rh.maxSize {
		oldest := heap.Pop(&rh.h).(*model.DeliveryJob)
		metrics.RetryHeapDroppedTotal.Inc()
		rh.logger.Warn().
			Str("endpoint_id", oldest.Endpoint.EndpointID).
			Str("delivery_id", oldest.DeliveryID).
			Msg("retry heap at capacity, dropping oldest retryable job")
	}
	heap.Push(&rh.h, job)
	metrics.RetryHeapSize.Set(float64(len(rh.h)))
}

// PopDue removes and returns every job whose NextDueAt is at or before now.
func (rh *RetryHeap) PopDue(now time.Time) []*model.DeliveryJob {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	var due []*model.DeliveryJob
	for len(rh.h) > 0 && !rh.h[0].NextDueAt.After(now) {
		due = append(due, heap.Pop(&rh.h).(*model.DeliveryJob))
	}
	metrics.RetryHeapSize.Set(float64(len(rh.h)))
	return due
}

// Len returns the current heap size.
func (rh *RetryHeap) Len() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return len(rh.h)
}

// NextDue returns the due time of the earliest-scheduled job, or the zero
// time if the heap is empty.
func (rh *RetryHeap) NextDue() time.Time {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if len(rh.h) == 0 {
		return time.Time{}
	}
	return rh.h[0].NextDueAt
}
