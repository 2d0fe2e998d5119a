package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the replicator's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	processed  *prometheus.CounterVec
	retried    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them on reg; nil reg uses
// the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meepo_worker_processed_total",
				Help: "Number of pks handled successfully per worker",
			},
			[]string{"worker"},
		),
		retried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meepo_worker_retried_total",
				Help: "Number of pk retries per worker",
			},
			[]string{"worker"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meepo_worker_dropped_total",
				Help: "Number of pks dropped past the retry budget per worker",
			},
			[]string{"worker"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meepo_queue_depth",
				Help: "Advisory queue depth per worker queue",
			},
			[]string{"queue"},
		),
	}
	reg.MustRegister(c.processed, c.retried, c.dropped, c.queueDepth)
	return c
}

func (c *Collector) addProcessed(worker string, n int) {
	if c == nil {
		return
	}
	c.processed.WithLabelValues(worker).Add(float64(n))
}

func (c *Collector) addRetried(worker string, n int) {
	if c == nil {
		return
	}
	c.retried.WithLabelValues(worker).Add(float64(n))
}

func (c *Collector) addDropped(worker string, n int) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(worker).Add(float64(n))
}

func (c *Collector) setQueueDepth(queue string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
