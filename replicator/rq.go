package replicator

import (
	"context"
	"sort"
	"sync"

	"github.com/samsarahq/meepo/logger"
	"github.com/samsarahq/meepo/transport"
)

// JobFunc hands a batch of pks to an external task system. An error keeps
// the batch in the replicator's error set for re-delivery.
type JobFunc func(pks []string) error

// RqReplicator forwards pk batches to external job queues. Unlike
// QueueReplicator there are no local workers: the callback only enqueues,
// so it runs inline on the receive loop. Per topic, pks whose callback
// errored accumulate and are re-delivered before the next frame until the
// callback accepts them.
type RqReplicator struct {
	options Options
	sub     transport.Sub
	logger  logger.Logger

	mu         sync.Mutex
	topicFuncs map[string]JobFunc
	errorPks   map[string]map[string]struct{}
}

func NewRqReplicator(sub transport.Sub, options Options) *RqReplicator {
	return &RqReplicator{
		options:    options,
		sub:        sub,
		logger:     logger.Prefixed(options.Logger, "meepo.replicator.rq"),
		topicFuncs: make(map[string]JobFunc),
		errorPks:   make(map[string]map[string]struct{}),
	}
}

// Event registers cb for the given topics.
func (r *RqReplicator) Event(cb JobFunc, topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range topics {
		r.topicFuncs[topic] = cb
		r.sub.Subscribe(topic)
	}
}

// doJob invokes the topic callback, moving pks in and out of the error
// set according to the outcome.
func (r *RqReplicator) doJob(topic string, pks []string) {
	cb := r.topicFuncs[topic]
	if cb == nil {
		r.logger.Warn("unregistered topic", "topic", topic)
		return
	}
	if err := cb(pks); err != nil {
		r.logger.Error("job failed", "topic", topic, "error", err)
		set, ok := r.errorPks[topic]
		if !ok {
			set = make(map[string]struct{})
			r.errorPks[topic] = set
		}
		for _, pk := range pks {
			set[pk] = struct{}{}
		}
		return
	}
	if set, ok := r.errorPks[topic]; ok {
		for _, pk := range pks {
			delete(set, pk)
		}
		if len(set) == 0 {
			delete(r.errorPks, topic)
		}
	}
}

// retryErrors re-delivers every accumulated error batch.
func (r *RqReplicator) retryErrors() {
	for topic, set := range r.errorPks {
		pks := make([]string, 0, len(set))
		for pk := range set {
			pks = append(pks, pk)
		}
		sort.Strings(pks)
		r.logger.Warn("retrying error pks", "topic", topic, "pks", pks)
		r.doJob(topic, pks)
	}
}

// Run connects the transport and forwards frames until the transport
// fails or ctx is canceled.
func (r *RqReplicator) Run(ctx context.Context) error {
	if err := r.sub.Connect(r.options.Listen...); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		r.sub.Close()
	}()

	for {
		r.retryErrors()

		msg, err := r.sub.Recv()
		if err != nil {
			if err == transport.ErrClosed || ctx.Err() != nil {
				return nil
			}
			r.logger.Error("transport failed", "error", err)
			return err
		}

		topic, pks, ok := transport.ParseFrame(msg)
		if !ok {
			r.logger.Error("msg corrupt", "msg", msg)
			continue
		}

		r.logger.Info("dispatching", "topic", topic, "pks", pks)
		r.doJob(topic, pks)
	}
}
