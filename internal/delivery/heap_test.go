package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/model"
)

func heapJob(id string, due time.Time) *model.DeliveryJob {
	return &model.DeliveryJob{
		DeliveryID: id,
		Endpoint:   model.EndpointRule{EndpointID: id},
		NextDueAt:  due,
	}
}

func TestRetryHeap_PopsDueInOrder(t *testing.T) {
	h := NewRetryHeap(10, testLogger())
	now := time.Now()
	h.Push(heapJob("b", now.Add(20*time.Millisecond)))
	h.Push(heapJob("a", now.Add(10*time.Millisecond)))
	h.Push(heapJob("c", now.Add(30*time.Millisecond)))

	due := h.PopDue(now.Add(25 * time.Millisecond))
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].DeliveryID)
	assert.Equal(t, "b", due[1].DeliveryID)
	assert.Equal(t, 1, h.Len())
}

func TestRetryHeap_OverflowDropsOldestByDueTime(t *testing.T) {
	h := NewRetryHeap(2, testLogger())
	now := time.Now()
	h.Push(heapJob("oldest", now.Add(1*time.Millisecond)))
	h.Push(heapJob("middle", now.Add(2*time.Millisecond)))
	h.Push(heapJob("newest", now.Add(3*time.Millisecond))) // triggers eviction of "oldest"

	due := h.PopDue(now.Add(time.Hour))
	require.Len(t, due, 2)
	ids := []string{due[0].DeliveryID, due[1].DeliveryID}
	assert.ElementsMatch(t, []string{"middle", "newest"}, ids)
}
