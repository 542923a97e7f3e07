package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethhook/ethhook/internal/model"
)

// Invariant 1: a dedup key is accepted at most once within the TTL window.
func TestStore_SeenOrInsert_DropsDuplicateWithinTTL(t *testing.T) {
	s := New(time.Minute)
	defer s.Stop()

	key := model.DedupKey{ChainID: 1, TxHash: "0xbeef", LogIdx: 0}

	assert.False(t, s.SeenOrInsert(key), "first insert is not a duplicate")
	assert.True(t, s.SeenOrInsert(key), "second insert of same key is a duplicate")
	assert.True(t, s.SeenOrInsert(key), "third insert is still a duplicate")
}

func TestStore_DistinctKeysDoNotCollide(t *testing.T) {
	s := New(time.Minute)
	defer s.Stop()

	k1 := model.DedupKey{ChainID: 1, TxHash: "0xbeef", LogIdx: 0}
	k2 := model.DedupKey{ChainID: 1, TxHash: "0xbeef", LogIdx: 1} // same tx, different log index
	k3 := model.DedupKey{ChainID: 2, TxHash: "0xbeef", LogIdx: 0} // same tx, different chain

	assert.False(t, s.SeenOrInsert(k1))
	assert.False(t, s.SeenOrInsert(k2))
	assert.False(t, s.SeenOrInsert(k3))
	assert.Equal(t, 3, s.Len())
}

func TestStore_RotationRetainsMembershipAcrossOneRotation(t *testing.T) {
	// ttl/2 rotation: a key inserted just before a rotation must still be
	// considered seen for at least one more rotation period (retired shard).
	s := New(40 * time.Millisecond) // rotates every 20ms
	defer s.Stop()

	key := model.DedupKey{ChainID: 1, TxHash: "0xbeef", LogIdx: 0}
	assert.False(t, s.SeenOrInsert(key))

	time.Sleep(25 * time.Millisecond) // one rotation: key moves active->retired
	assert.True(t, s.SeenOrInsert(key), "key should still be seen from the retired shard")
}
