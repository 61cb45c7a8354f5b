// Package metrics exposes swarm activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is safe to use as a nil pointer; every method is then a no-op.
type Collector struct {
	reg *prometheus.Registry

	tasksAdded      *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	watchdogFired   *prometheus.CounterVec
	contention      *prometheus.CounterVec
	gossipDropped   *prometheus.CounterVec
	resultsRecorded prometheus.Counter
	bestScore       prometheus.Gauge
	agentsRunning   prometheus.Gauge
}

func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		tasksAdded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_added_total",
			Help:      "Tasks accepted into the queue",
		}, []string{"type"}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a final status",
		}, []string{"type", "status"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_cycles_total",
			Help:      "Agent cycles by role and outcome",
		}, []string{"role", "outcome"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_cycle_duration_seconds",
			Help:      "Wall clock time of an agent's unit of work",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"role"}),
		watchdogFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_timeouts_total",
			Help:      "Units of work abandoned after exceeding their budget",
		}, []string{"role"}),
		contention: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that timed out",
		}, []string{"resource"}),
		gossipDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_dropped_total",
			Help:      "Neighbor messages discarded because an inbox was full",
		}, []string{"role"}),
		resultsRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_recorded_total",
			Help:      "Entries appended to the shared result store",
		}),
		bestScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_score",
			Help:      "Highest score in the shared result store",
		}),
		agentsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_running",
			Help:      "Supervisors currently running",
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) TaskAdded(taskType string) {
	if c == nil {
		return
	}
	c.tasksAdded.WithLabelValues(taskType).Inc()
}

func (c *Collector) TaskFinished(taskType, status string) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(taskType, status).Inc()
}

func (c *Collector) Cycle(role, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(role, outcome).Inc()
	c.cycleDuration.WithLabelValues(role).Observe(d.Seconds())
}

func (c *Collector) WatchdogFired(role string) {
	if c == nil {
		return
	}
	c.watchdogFired.WithLabelValues(role).Inc()
}

func (c *Collector) Contention(resource string) {
	if c == nil {
		return
	}
	c.contention.WithLabelValues(resource).Inc()
}

func (c *Collector) GossipDropped(role string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.gossipDropped.WithLabelValues(role).Add(float64(n))
}

func (c *Collector) ResultRecorded(best float64) {
	if c == nil {
		return
	}
	c.resultsRecorded.Inc()
	c.bestScore.Set(best)
}

func (c *Collector) AgentStarted() {
	if c == nil {
		return
	}
	c.agentsRunning.Inc()
}

func (c *Collector) AgentStopped() {
	if c == nil {
		return
	}
	c.agentsRunning.Dec()
}
