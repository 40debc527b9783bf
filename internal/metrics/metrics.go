// Package metrics holds the Prometheus collector for the client core:
// datasource pool gauges, retry/reconnect counters and statement-cache
// effectiveness.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the client.
type Collector struct {
	Registry *prometheus.Registry

	poolIdle     *prometheus.GaugeVec
	poolBorrowed *prometheus.GaugeVec
	poolWaiters  *prometheus.GaugeVec

	borrowDuration *prometheus.HistogramVec
	borrowTimeouts *prometheus.CounterVec

	reconnects      *prometheus.CounterVec
	hostReachable   *prometheus.GaugeVec
	retriesTotal    *prometheus.CounterVec
	stmtPoolLookups *prometheus.CounterVec
	slowQueries     *prometheus.CounterVec
}

// New creates and registers all metrics on a private registry. Safe to call
// multiple times; each call yields an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gocci_datasource_idle",
				Help: "Idle connections per datasource",
			},
			[]string{"datasource"},
		),
		poolBorrowed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gocci_datasource_borrowed",
				Help: "Borrowed connections per datasource",
			},
			[]string{"datasource"},
		),
		poolWaiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gocci_datasource_waiters",
				Help: "Goroutines blocked in borrow per datasource",
			},
			[]string{"datasource"},
		),
		borrowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gocci_datasource_borrow_duration_seconds",
				Help:    "Time spent waiting in borrow",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"datasource"},
		),
		borrowTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocci_datasource_borrow_timeouts_total",
				Help: "Borrow attempts that timed out waiting for a connection",
			},
			[]string{"datasource"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocci_reconnects_total",
				Help: "Reconnect attempts by host and outcome",
			},
			[]string{"host", "outcome"},
		),
		hostReachable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gocci_host_reachable",
				Help: "Host reachability verdict (1=reachable, 0=unreachable)",
			},
			[]string{"host"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocci_retries_total",
				Help: "Operation replays by trigger (reconnect or stmt_pooling)",
			},
			[]string{"trigger"},
		),
		stmtPoolLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocci_statement_pool_lookups_total",
				Help: "Statement pool lookups by result",
			},
			[]string{"result"},
		),
		slowQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocci_slow_queries_total",
				Help: "Executions that exceeded the slow-query threshold",
			},
			[]string{"datasource"},
		),
	}

	reg.MustRegister(
		c.poolIdle,
		c.poolBorrowed,
		c.poolWaiters,
		c.borrowDuration,
		c.borrowTimeouts,
		c.reconnects,
		c.hostReachable,
		c.retriesTotal,
		c.stmtPoolLookups,
		c.slowQueries,
	)
	return c
}

// UpdatePool refreshes the pool gauges for one datasource.
func (c *Collector) UpdatePool(ds string, idle, borrowed, waiters int) {
	c.poolIdle.WithLabelValues(ds).Set(float64(idle))
	c.poolBorrowed.WithLabelValues(ds).Set(float64(borrowed))
	c.poolWaiters.WithLabelValues(ds).Set(float64(waiters))
}

// BorrowObserved records one completed borrow wait.
func (c *Collector) BorrowObserved(ds string, d time.Duration) {
	c.borrowDuration.WithLabelValues(ds).Observe(d.Seconds())
}

// BorrowTimeout counts one borrow timeout.
func (c *Collector) BorrowTimeout(ds string) {
	c.borrowTimeouts.WithLabelValues(ds).Inc()
}

// Reconnect records one reconnect attempt result for a host.
func (c *Collector) Reconnect(host string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.reconnects.WithLabelValues(host, outcome).Inc()
}

// SetHostReachable sets the reachability gauge for a host.
func (c *Collector) SetHostReachable(host string, reachable bool) {
	v := 0.0
	if reachable {
		v = 1.0
	}
	c.hostReachable.WithLabelValues(host).Set(v)
}

// Retry counts one operation replay by trigger.
func (c *Collector) Retry(trigger string) {
	c.retriesTotal.WithLabelValues(trigger).Inc()
}

// StmtPoolLookup counts a statement pool hit or miss.
func (c *Collector) StmtPoolLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.stmtPoolLookups.WithLabelValues(result).Inc()
}

// SlowQuery counts one execution over the slow-query threshold.
func (c *Collector) SlowQuery(ds string) {
	c.slowQueries.WithLabelValues(ds).Inc()
}
