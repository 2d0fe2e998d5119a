// Package ring implements a ketama-style consistent hash ring used to pin
// primary keys to worker queues. Each shard occupies a configurable number
// of virtual points on the ring; a key routes to the shard owning the first
// virtual point at or after the key's hash, wrapping past the end.
//
// The hash is MD5 of the UTF-8 key read as a big integer. It only needs to
// be well-distributed and deterministic across hosts.
package ring

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"
)

// DefaultReplicas is the number of virtual points per shard.
const DefaultReplicas = 100

// Ring maps keys to shards. It is built once at registration time and must
// not be mutated while lookups are in flight.
type Ring struct {
	replicas int
	keys     []*big.Int          // sorted virtual points
	shards   map[string]string   // virtual point (decimal) -> shard
	points   map[string][]string // shard -> its virtual points, for Remove
}

// New creates an empty ring with the given number of virtual points per
// shard; replicas <= 0 selects DefaultReplicas.
func New(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Ring{
		replicas: replicas,
		shards:   make(map[string]string),
		points:   make(map[string][]string),
	}
}

func hash(key string) *big.Int {
	sum := md5.Sum([]byte(key))
	return new(big.Int).SetBytes(sum[:])
}

// Add inserts shard into the ring. It fails if any virtual point collides
// with an existing entry, leaving the ring unchanged.
func (r *Ring) Add(shard string) error {
	points := make([]*big.Int, 0, r.replicas)
	for i := 0; i < r.replicas; i++ {
		h := hash(fmt.Sprintf("%s:%d", shard, i))
		if _, ok := r.shards[h.String()]; ok {
			return fmt.Errorf("ring: virtual point collision for shard %s", shard)
		}
		points = append(points, h)
	}

	for _, h := range points {
		r.shards[h.String()] = shard
		r.points[shard] = append(r.points[shard], h.String())
		idx := sort.Search(len(r.keys), func(i int) bool {
			return r.keys[i].Cmp(h) >= 0
		})
		r.keys = append(r.keys, nil)
		copy(r.keys[idx+1:], r.keys[idx:])
		r.keys[idx] = h
	}
	return nil
}

// Remove deletes all of shard's virtual points.
func (r *Ring) Remove(shard string) {
	points := r.points[shard]
	if points == nil {
		return
	}
	drop := make(map[string]struct{}, len(points))
	for _, p := range points {
		delete(r.shards, p)
		drop[p] = struct{}{}
	}
	keys := r.keys[:0]
	for _, h := range r.keys {
		if _, ok := drop[h.String()]; !ok {
			keys = append(keys, h)
		}
	}
	r.keys = keys
	delete(r.points, shard)
}

// Get returns the shard owning key, or false on an empty ring.
func (r *Ring) Get(key string) (string, bool) {
	if len(r.keys) == 0 {
		return "", false
	}
	h := hash(key)
	idx := sort.Search(len(r.keys), func(i int) bool {
		return r.keys[i].Cmp(h) >= 0
	})
	if idx == len(r.keys) {
		idx = 0
	}
	return r.shards[r.keys[idx].String()], true
}

// Len returns the number of virtual points on the ring.
func (r *Ring) Len() int { return len(r.keys) }
