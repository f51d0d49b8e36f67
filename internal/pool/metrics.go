package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tao"

// Collector exports pool counters as prometheus metrics
type Collector struct {
	pool      *Pool
	size      *prometheus.Desc
	active    *prometheus.Desc
	queued    *prometheus.Desc
	completed *prometheus.Desc
	rejected  *prometheus.Desc
}

func (p *Pool) Collector() *Collector {
	labels := prometheus.Labels{"pool": p.name}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", name),
			help,
			nil,
			labels,
		)
	}
	return &Collector{
		pool:      p,
		size:      desc("size", "Number of pool workers"),
		active:    desc("active", "Number of tasks being executed"),
		queued:    desc("queued", "Number of tasks waiting for a worker"),
		completed: desc("completed_total", "Number of finished tasks"),
		rejected:  desc("rejected_total", "Number of rejected tasks"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.active
	ch <- c.queued
	ch <- c.completed
	ch <- c.rejected
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.Queued))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.Completed))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.Rejected))
}
