package replicator

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allOK reports success for every pk.
func allOK(pks []string) []bool {
	results := make([]bool, len(pks))
	for i := range results {
		results[i] = true
	}
	return results
}

func noSleep(w *Worker) *Worker {
	w.sleep = func(time.Duration) {}
	return w
}

func TestWorkerSinglePK(t *testing.T) {
	q := NewQueue("w", 10)
	var calls [][]string
	w := noSleep(NewWorker(q, func(pks []string) []bool {
		calls = append(calls, pks)
		return allOK(pks)
	}, WorkerOptions{}))

	q.Put("1")
	q.Put("2")
	w.iterate()

	// single mode hands pks to the callback one at a time
	assert.Equal(t, [][]string{{"1"}, {"2"}}, calls)
}

func TestWorkerMultiBatch(t *testing.T) {
	q := NewQueue("w", 10)
	var calls [][]string
	w := noSleep(NewWorker(q, func(pks []string) []bool {
		calls = append(calls, pks)
		return allOK(pks)
	}, WorkerOptions{Multi: true}))

	q.Put("1")
	q.Put("2")
	q.Put("1")
	w.iterate()

	// one batched call, duplicates collapsed
	assert.Equal(t, [][]string{{"1", "2"}}, calls)
}

func TestWorkerBatchBound(t *testing.T) {
	q := NewQueue("w", 2*MaxPKCount)
	var sizes []int
	w := noSleep(NewWorker(q, func(pks []string) []bool {
		sizes = append(sizes, len(pks))
		return allOK(pks)
	}, WorkerOptions{Multi: true}))

	for i := 0; i < MaxPKCount+10; i++ {
		q.Put(strconv.Itoa(i))
	}
	w.iterate()
	w.iterate()

	require.Len(t, sizes, 2)
	assert.Equal(t, MaxPKCount, sizes[0])
}

func TestWorkerRetryThenDrop(t *testing.T) {
	q := NewQueue("w", 10)
	attempts := 0
	w := noSleep(NewWorker(q, func(pks []string) []bool {
		attempts++
		return []bool{false}
	}, WorkerOptions{MaxRetryCount: 2}))

	q.Put("bad")

	// attempts 1 and 2 re-enqueue, attempt 3 exceeds the budget and drops
	w.iterate()
	assert.Equal(t, 1, q.Len())
	w.iterate()
	assert.Equal(t, 1, q.Len())
	w.iterate()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, attempts)
	assert.Empty(t, w.retryStats, "dropped pks leave no retry state")

	// the budget resets once dropped
	q.Put("bad")
	w.iterate()
	assert.Equal(t, 1, q.Len())
}

func TestWorkerSuccessResetsRetries(t *testing.T) {
	q := NewQueue("w", 10)
	fail := true
	w := noSleep(NewWorker(q, func(pks []string) []bool {
		return []bool{!fail}
	}, WorkerOptions{MaxRetryCount: 5}))

	q.Put("1")
	w.iterate()
	assert.Equal(t, 1, w.retryStats["1"])

	fail = false
	w.iterate()
	assert.Empty(t, w.retryStats)
	assert.Equal(t, 0, q.Len())
}

func TestWorkerNoRetry(t *testing.T) {
	q := NewQueue("w", 10)
	w := noSleep(NewWorker(q, func(pks []string) []bool {
		return []bool{false}
	}, WorkerOptions{NoRetry: true}))

	q.Put("1")
	w.iterate()
	assert.Equal(t, 0, q.Len(), "failures are not re-enqueued")
	assert.Empty(t, w.retryStats)
}

func TestWorkerBackoff(t *testing.T) {
	q := NewQueue("w", 10)
	var slept []time.Duration
	w := NewWorker(q, func(pks []string) []bool {
		return []bool{false, false}
	}, WorkerOptions{Multi: true, MaxRetryInterval: 5 * time.Second})
	w.sleep = func(d time.Duration) { slept = append(slept, d) }

	q.Put("1")
	q.Put("2")
	w.iterate()

	// 3s per failed pk, capped at MaxRetryInterval
	require.Len(t, slept, 1)
	assert.Equal(t, 5*time.Second, slept[0])
}

func TestWorkerPanicCooldown(t *testing.T) {
	q := NewQueue("w", 10)
	var slept []time.Duration
	w := NewWorker(q, func(pks []string) []bool {
		panic("downstream broken")
	}, WorkerOptions{})
	w.sleep = func(d time.Duration) { slept = append(slept, d) }

	q.Put("1")
	assert.NotPanics(t, func() { w.iterate() })
	require.Len(t, slept, 1)
	assert.Equal(t, 10*time.Second, slept[0])
}

func TestWorkerDedupPass(t *testing.T) {
	q := NewQueue("w", 20)
	var calls [][]string
	w := noSleep(NewWorker(q, func(pks []string) []bool {
		calls = append(calls, pks)
		return allOK(pks)
	}, WorkerOptions{Multi: true, QueueLimit: 3}))

	for _, pk := range []string{"1", "1", "2", "2", "3", "3"} {
		q.Put(pk)
	}
	w.iterate()

	assert.Equal(t, [][]string{{"1", "2", "3"}}, calls)
}

func TestWorkerLifecycle(t *testing.T) {
	q := NewQueue("w", 10)

	var mu sync.Mutex
	var got []string
	w := NewWorker(q, func(pks []string) []bool {
		mu.Lock()
		got = append(got, pks...)
		mu.Unlock()
		return allOK(pks)
	}, WorkerOptions{})

	w.Start()
	assert.True(t, w.Alive())

	q.Put("1")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	w.Terminate()
	assert.False(t, w.Alive())
	w.Terminate()
}
