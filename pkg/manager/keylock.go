package manager

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyLock serializes mutating operations per sandbox ID. Locks come
// from a fixed shard array indexed by key hash, so unrelated IDs that
// collide share a mutex; with 64 shards contention is negligible for a
// single-host container count.
type keyLock struct {
	shards [lockShards]sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{}
}

// Lock acquires the shard mutex for the key and returns the unlock
// function. Callers must release on all exit paths.
func (k *keyLock) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &k.shards[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}
