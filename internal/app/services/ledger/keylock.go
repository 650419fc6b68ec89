package ledger

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes the read-compute-write span per (user, pointType)
// pair. Sharded so unrelated pairs rarely contend; two pairs hashing to the
// same shard serialize against each other, which is harmless.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

// lock acquires the shard for the pair and returns its unlock func.
func (k *keyedMutex) lock(userID, pointID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(pointID))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}
