// Package replicator consumes a fan-out transport and dispatches primary
// keys to user callbacks: pks are sharded by a consistent hash ring onto
// per-worker queues, and a supervised worker pool drains them with retry,
// deduplication, and backoff.
package replicator

import (
	"time"
)

// Queue is the bounded pk queue between the receiver and one worker. It is
// single-producer single-consumer by construction: the replicator's
// receive loop puts, the queue's worker gets.
type Queue struct {
	name string
	ch   chan string
}

// NewQueue creates a queue. name doubles as the queue's shard id on the
// hash ring. capacity bounds the queue; the producer blocks at the bound,
// applying backpressure to the receive loop.
func NewQueue(name string, capacity int) *Queue {
	return &Queue{name: name, ch: make(chan string, capacity)}
}

// Name returns the queue's shard id.
func (q *Queue) Name() string { return q.name }

// Put enqueues pk, blocking while the queue is full.
func (q *Queue) Put(pk string) { q.ch <- pk }

// TryGet dequeues without blocking.
func (q *Queue) TryGet() (string, bool) {
	select {
	case pk := <-q.ch:
		return pk, true
	default:
		return "", false
	}
}

// GetWait dequeues, waiting up to d for a pk to arrive.
func (q *Queue) GetWait(d time.Duration) (string, bool) {
	select {
	case pk := <-q.ch:
		return pk, true
	case <-time.After(d):
		return "", false
	}
}

// Len probes the queue depth. The probe is advisory: the producer and
// consumer move concurrently.
func (q *Queue) Len() int { return len(q.ch) }

// dedup drains up to max pks, discards duplicates, and re-enqueues the
// unique remainder.
func (q *Queue) dedup(max int) {
	seen := make(map[string]struct{})
	order := make([]string, 0)
	for i := 0; i < max; i++ {
		pk, ok := q.TryGet()
		if !ok {
			break
		}
		if _, dup := seen[pk]; !dup {
			seen[pk] = struct{}{}
			order = append(order, pk)
		}
	}
	for _, pk := range order {
		q.ch <- pk
	}
}
