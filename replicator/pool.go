package replicator

import (
	"time"

	"github.com/samsarahq/meepo/logger"
)

// WorkerPool supervises one worker per queue: a sentinel goroutine
// heartbeats the workers and respawns any that died on their original
// queue, so no enqueued pk is lost beyond the batch the dead worker held.
type WorkerPool struct {
	topic   string
	queues  []*Queue
	cb      Callback
	options WorkerOptions

	// WaitingTime is the sentinel heartbeat interval; default 10s.
	WaitingTime time.Duration

	logger  logger.Logger
	metrics *Collector

	stop chan struct{}
	done chan struct{}
}

func NewWorkerPool(topic string, queues []*Queue, cb Callback, options WorkerOptions) *WorkerPool {
	return &WorkerPool{
		topic:       topic,
		queues:      queues,
		cb:          cb,
		options:     options,
		WaitingTime: 10 * time.Second,
		logger:      logger.Prefixed(options.Logger, "meepo.replicator.sentinel."+topic),
		metrics:     options.Metrics,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (p *WorkerPool) makeWorker(q *Queue) *Worker {
	options := p.options
	options.Name = q.Name()
	return NewWorker(q, p.cb, options)
}

// Start launches the sentinel, which spawns the workers.
func (p *WorkerPool) Start() {
	go p.sentinel()
}

// Terminate interrupts the sentinel, which terminates every worker, and
// waits for the join.
func (p *WorkerPool) Terminate() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *WorkerPool) sentinel() {
	defer close(p.done)

	workers := make(map[*Queue]*Worker, len(p.queues))
	for _, q := range p.queues {
		workers[q] = p.makeWorker(q)
		workers[q].Start()
	}
	p.logger.Info("starting sentinel")

	defer func() {
		for _, w := range workers {
			w.Terminate()
		}
	}()

	ticker := time.NewTicker(p.WaitingTime)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		dead, depth := 0, 0
		for q, w := range workers {
			depth += q.Len()
			p.metrics.setQueueDepth(q.Name(), q.Len())

			if !w.Alive() {
				dead++
				p.logger.Warn("worker dead, recreating", "worker", q.Name())
				// sticky queue: the replacement inherits the dead
				// worker's queue
				workers[q] = p.makeWorker(q)
				workers[q].Start()
			}
		}

		p.logger.Info("heartbeat",
			"topic", p.topic,
			"qsize", depth,
			"alive", len(workers)-dead,
			"dead", dead)
	}
}
