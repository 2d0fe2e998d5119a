package replicator

import (
	"fmt"
	"time"

	"github.com/samsarahq/meepo/logger"
)

// MaxPKCount bounds how many pks one callback invocation may receive.
const MaxPKCount = 256

// Callback processes a batch of pks and reports per-pk success, aligned
// with the input. Callbacks must tolerate duplicate delivery: the pipeline
// is at-least-once.
type Callback func(pks []string) []bool

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Name string

	// Multi passes whole batches to the callback; otherwise pks are passed
	// one at a time.
	Multi bool

	// NoRetry disables failure bookkeeping: callback results are ignored
	// and nothing is re-enqueued.
	NoRetry bool

	// QueueLimit triggers a deduplication pass when the queue grows past
	// it. Default 10000.
	QueueLimit int

	// MaxRetryCount drops a pk, with an error log, after this many failed
	// attempts. Default 10.
	MaxRetryCount int

	// MaxRetryInterval caps the failure backoff sleep. Default 60s.
	MaxRetryInterval time.Duration

	Logger  logger.Logger
	Metrics *Collector
}

func (o *WorkerOptions) fillDefaults() {
	if o.QueueLimit == 0 {
		o.QueueLimit = 10000
	}
	if o.MaxRetryCount == 0 {
		o.MaxRetryCount = 10
	}
	if o.MaxRetryInterval == 0 {
		o.MaxRetryInterval = 60 * time.Second
	}
}

// Worker drains one queue and invokes the user callback, retrying failed
// pks with backoff until MaxRetryCount.
type Worker struct {
	name    string
	queue   *Queue
	cb      Callback
	options WorkerOptions
	logger  logger.Logger
	metrics *Collector

	retryStats map[string]int

	stop chan struct{}
	done chan struct{}

	// sleep is swapped out by tests
	sleep func(time.Duration)
}

func NewWorker(queue *Queue, cb Callback, options WorkerOptions) *Worker {
	options.fillDefaults()
	name := options.Name
	if name == "" {
		name = queue.Name()
	}
	w := &Worker{
		name:       name,
		queue:      queue,
		cb:         cb,
		options:    options,
		logger:     logger.Prefixed(options.Logger, "meepo.replicator.worker."+name),
		metrics:    options.Metrics,
		retryStats: make(map[string]int),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.sleep = w.interruptibleSleep
	return w
}

// Start launches the worker loop.
func (w *Worker) Start() {
	go w.run()
}

// Alive reports whether the worker loop is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Terminate stops the worker after the current iteration and waits for it
// to exit.
func (w *Worker) Terminate() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

func (w *Worker) interruptibleSleep(d time.Duration) {
	select {
	case <-w.stop:
	case <-time.After(d):
	}
}

func (w *Worker) run() {
	defer close(w.done)
	w.logger.Debug("worker running")
	for {
		select {
		case <-w.stop:
			w.logger.Debug("worker stopped")
			return
		default:
		}
		w.iterate()
	}
}

// iterate performs one loop pass. Panics out of the callback are caught,
// logged, and followed by a cooldown so a broken downstream cannot spin
// the worker hot.
func (w *Worker) iterate() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("callback panicked", "panic", fmt.Sprint(r))
			w.sleep(10 * time.Second)
		}
	}()

	if depth := w.queue.Len(); depth > w.options.QueueLimit {
		w.logger.Info("deduplicating", "depth", depth)
		w.queue.dedup(depth)
	}

	pks := w.drainBatch()
	if len(pks) == 0 {
		w.sleep(time.Second)
		return
	}

	w.logger.Info("processing", "pks", pks, "qsize", w.queue.Len())

	var results []bool
	if w.options.Multi {
		results = w.cb(pks)
	} else {
		results = make([]bool, 0, len(pks))
		for _, pk := range pks {
			r := w.cb([]string{pk})
			results = append(results, len(r) > 0 && r[0])
		}
	}

	if w.options.NoRetry {
		w.metrics.addProcessed(w.name, len(pks))
		return
	}

	failures := 0
	for i, pk := range pks {
		if i < len(results) && results[i] {
			w.onSuccess(pk)
		} else {
			w.onFail(pk)
			failures++
		}
	}

	if failures > 0 {
		w.sleep(minDuration(time.Duration(3*failures)*time.Second, w.options.MaxRetryInterval))
	}
}

// drainBatch pulls up to MaxPKCount distinct pks off the queue without
// waiting for more.
func (w *Worker) drainBatch() []string {
	seen := make(map[string]struct{})
	var pks []string
	for len(pks) < MaxPKCount {
		pk, ok := w.queue.TryGet()
		if !ok {
			break
		}
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}
		pks = append(pks, pk)
	}
	return pks
}

func (w *Worker) onSuccess(pk string) {
	delete(w.retryStats, pk)
	w.metrics.addProcessed(w.name, 1)
}

// onFail re-enqueues pk for another attempt, dropping it with an error log
// once it exceeds the retry budget.
func (w *Worker) onFail(pk string) {
	w.retryStats[pk]++
	if w.retryStats[pk] > w.options.MaxRetryCount {
		delete(w.retryStats, pk)
		w.metrics.addDropped(w.name, 1)
		w.logger.Error("callback on pk failed, dropping", "pk", pk)
		return
	}
	w.queue.Put(pk)
	w.metrics.addRetried(w.name, 1)
	w.logger.Warn("callback on pk failed, retrying", "pk", pk, "attempts", w.retryStats[pk])
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
