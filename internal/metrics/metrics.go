// Package metrics exposes pgvoyage's Prometheus metrics, one gauge/counter
// family per (database, user) pool rather than per tenant.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgvoyage.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	preparedCacheEvictions *prometheus.CounterVec
	clientsRejected        *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgvoyage_connections_active",
				Help: "Number of active server connections per pool",
			},
			[]string{"database", "user"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgvoyage_connections_idle",
				Help: "Number of idle server connections per pool",
			},
			[]string{"database", "user"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgvoyage_connections_total",
				Help: "Total number of server connections per pool",
			},
			[]string{"database", "user"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgvoyage_connections_waiting",
				Help: "Number of client sessions waiting for a server connection per pool",
			},
			[]string{"database", "user"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvoyage_pool_exhausted_total",
				Help: "Total number of times a pool had to queue a waiter because it was at max_size",
			},
			[]string{"database", "user"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvoyage_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"database", "user"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgvoyage_transaction_duration_seconds",
				Help:    "Duration from backend acquire to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database", "user"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgvoyage_acquire_duration_seconds",
				Help:    "Time waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database", "user"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvoyage_session_pins_total",
				Help: "Session pin events in transaction-mode pooling (listen, prepared statements, advisory locks)",
			},
			[]string{"database", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvoyage_backend_resets_total",
				Help: "Results of the cleanup query (RESET ALL / DEALLOCATE ALL / CLOSE ALL) issued when returning a dirty server connection",
			},
			[]string{"database", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvoyage_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring a server-side ROLLBACK",
			},
			[]string{"database"},
		),
		preparedCacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvoyage_prepared_cache_evictions_total",
				Help: "Server-side prepared statement cache evictions",
			},
			[]string{"database"},
		),
		clientsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvoyage_clients_rejected_total",
				Help: "Client connections rejected at admission (over max_client_conn)",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.preparedCacheEvictions,
		c.clientsRejected,
	)

	return c
}

// PoolExhausted increments the pool exhaustion counter.
func (c *Collector) PoolExhausted(database, user string) {
	c.poolExhausted.WithLabelValues(database, user).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from a stats snapshot.
func (c *Collector) UpdatePoolStats(database, user string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(database, user).Set(float64(active))
	c.connectionsIdle.WithLabelValues(database, user).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(database, user).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(database, user).Set(float64(waiting))
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(database, user string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database, user).Inc()
	c.transactionDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(database, user string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database, user).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(database, reason string) {
	c.sessionPinsTotal.WithLabelValues(database, reason).Inc()
}

// BackendReset records the result of a returned connection's cleanup query
// (success or failure).
func (c *Collector) BackendReset(database string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(database, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(database string) {
	c.dirtyDisconnects.WithLabelValues(database).Inc()
}

// PreparedCacheEviction increments the prepared statement cache eviction counter.
func (c *Collector) PreparedCacheEviction(database string) {
	c.preparedCacheEvictions.WithLabelValues(database).Inc()
}

// ClientRejected increments the admission-rejection counter.
func (c *Collector) ClientRejected(reason string) {
	c.clientsRejected.WithLabelValues(reason).Inc()
}

// RemovePool removes all metrics for a (database, user) pool.
func (c *Collector) RemovePool(database, user string) {
	c.connectionsActive.DeleteLabelValues(database, user)
	c.connectionsIdle.DeleteLabelValues(database, user)
	c.connectionsTotal.DeleteLabelValues(database, user)
	c.connectionsWaiting.DeleteLabelValues(database, user)
	c.poolExhausted.DeleteLabelValues(database, user)
	c.transactionsTotal.DeleteLabelValues(database, user)
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"database": database, "user": user})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"database": database, "user": user})
}
