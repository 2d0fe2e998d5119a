package replicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samsarahq/go/oops"

	"github.com/samsarahq/meepo/logger"
	"github.com/samsarahq/meepo/ring"
	"github.com/samsarahq/meepo/transport"
)

// Options configures a replicator.
type Options struct {
	// Listen holds the publisher addresses Run connects to.
	Listen []string

	Logger  logger.Logger
	Metrics *Collector
}

// EventOptions configures one Event registration.
type EventOptions struct {
	// Topics the callback handles.
	Topics []string

	// Workers is the number of queues and workers per topic; default 1.
	Workers int

	// Replicas is the virtual node count of the topic's hash ring;
	// default ring.DefaultReplicas.
	Replicas int

	// Multi, NoRetry, QueueLimit, MaxRetryCount, and MaxRetryInterval are
	// passed through to the workers; see WorkerOptions.
	Multi            bool
	NoRetry          bool
	QueueLimit       int
	MaxRetryCount    int
	MaxRetryInterval time.Duration
}

// topicGroup is the dispatch state of one topic: its ring of queue shards
// and its worker pool.
type topicGroup struct {
	ring   *ring.Ring
	queues map[string]*Queue
	pool   *WorkerPool
}

// QueueReplicator subscribes to a fan-out transport and dispatches
// incoming pks to per-topic worker pools. Each pk is pinned to one queue
// by the topic's consistent hash ring, preserving per-pk arrival order.
type QueueReplicator struct {
	options Options
	sub     transport.Sub
	logger  logger.Logger

	mu     sync.Mutex
	groups map[string]*topicGroup
}

func NewQueueReplicator(sub transport.Sub, options Options) *QueueReplicator {
	return &QueueReplicator{
		options: options,
		sub:     sub,
		logger:  logger.Prefixed(options.Logger, "meepo.replicator"),
		groups:  make(map[string]*topicGroup),
	}
}

// Event registers cb for the given topics. Every topic gets its own set of
// worker queues and a ring sharding pks across them.
func (r *QueueReplicator) Event(cb Callback, options EventOptions) error {
	if len(options.Topics) == 0 {
		return oops.Errorf("no topics given")
	}
	workers := options.Workers
	if workers <= 0 {
		workers = 1
	}
	queueLimit := options.QueueLimit
	if queueLimit == 0 {
		queueLimit = 10000
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range options.Topics {
		if _, ok := r.groups[topic]; ok {
			return oops.Errorf("topic %s registered twice", topic)
		}

		group := &topicGroup{
			ring:   ring.New(options.Replicas),
			queues: make(map[string]*Queue, workers),
		}
		queues := make([]*Queue, 0, workers)
		for i := 0; i < workers; i++ {
			name := fmt.Sprintf("%s.%d", topic, i)
			// headroom above the dedup threshold so retry re-enqueues
			// cannot deadlock the producer
			q := NewQueue(name, 2*queueLimit+MaxPKCount)
			if err := group.ring.Add(name); err != nil {
				return err
			}
			group.queues[name] = q
			queues = append(queues, q)
		}

		group.pool = NewWorkerPool(topic, queues, cb, WorkerOptions{
			Multi:            options.Multi,
			NoRetry:          options.NoRetry,
			QueueLimit:       queueLimit,
			MaxRetryCount:    options.MaxRetryCount,
			MaxRetryInterval: options.MaxRetryInterval,
			Logger:           r.options.Logger,
			Metrics:          r.options.Metrics,
		})

		r.groups[topic] = group
		r.sub.Subscribe(topic)
	}
	return nil
}

// Run starts the worker pools, connects the transport, and dispatches
// frames until the transport fails or ctx is canceled. Termination stops
// the pools and joins them.
func (r *QueueReplicator) Run(ctx context.Context) error {
	r.mu.Lock()
	groups := make([]*topicGroup, 0, len(r.groups))
	for _, group := range r.groups {
		groups = append(groups, group)
	}
	r.mu.Unlock()

	for _, group := range groups {
		group.pool.Start()
	}
	defer func() {
		for _, group := range groups {
			group.pool.Terminate()
		}
	}()

	if err := r.sub.Connect(r.options.Listen...); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		r.sub.Close()
	}()

	for {
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

		r.mu.Lock()
		group := r.groups[topic]
		r.mu.Unlock()
		if group == nil {
			r.logger.Warn("unregistered topic", "topic", topic)
			continue
		}

		r.logger.Debug("dispatching", "topic", topic, "pks", pks)
		for _, pk := range pks {
			shard, ok := group.ring.Get(pk)
			if !ok {
				continue
			}
			group.queues[shard].Put(pk)
		}
	}
}
