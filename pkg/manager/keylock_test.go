package manager

import (
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKeyLockSerializesSameKey tests mutual exclusion per key
func TestKeyLockSerializesSameKey(t *testing.T) {
	locks := newKeyLock()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("sbx-aaa111bbb222")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockShards
}

// TestKeyLockIndependentKeys tests that keys on different shards do not
// block each other
func TestKeyLockIndependentKeys(t *testing.T) {
	locks := newKeyLock()

	held := "sbx-000000000001"
	other := ""
	for i := 0; i < 1000; i++ {
		candidate := fmt.Sprintf("sbx-%012d", i)
		if shardFor(candidate) != shardFor(held) {
			other = candidate
			break
		}
	}
	require.NotEmpty(t, other)

	unlockA := locks.Lock(held)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock(other)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("locking an independent key blocked on a held lock")
	}
}

// TestKeyLockReentry tests that unlock releases the shard
func TestKeyLockReentry(t *testing.T) {
	locks := newKeyLock()

	unlock := locks.Lock("sbx-aaa111bbb222")
	unlock()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("sbx-aaa111bbb222")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}
