// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_runs_total",
			Help: "Account sync cycles by provider and outcome",
		},
		[]string{"provider", "result"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Duration of one account sync cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	messagesSyncedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_synced_total",
			Help: "Messages upserted by sync",
		},
		[]string{"provider"},
	)

	cursorResyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_cursor_resyncs_total",
			Help: "Full listings performed because a stored cursor was rejected",
		},
		[]string{"provider"},
	)

	persistenceFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_persistence_failures_total",
			Help: "Upsert chunks that failed to persist",
		},
	)

	bulkAffectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_bulk_affected_total",
			Help: "Messages affected by bulk mutations",
		},
		[]string{"action"},
	)

	outboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_outbox_events_total",
			Help: "Outbox events dispatched to the bus by outcome",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveSync records one finished account sync.
func ObserveSync(provider, result string, took time.Duration, upserted int, resynced bool) {
	syncRunsTotal.WithLabelValues(provider, result).Inc()
	syncDuration.WithLabelValues(provider).Observe(took.Seconds())
	if upserted > 0 {
		messagesSyncedTotal.WithLabelValues(provider).Add(float64(upserted))
	}
	if resynced {
		cursorResyncsTotal.WithLabelValues(provider).Inc()
	}
}

func PersistenceFailure() {
	persistenceFailuresTotal.Inc()
}

func BulkAffected(action string, n int) {
	if n > 0 {
		bulkAffectedTotal.WithLabelValues(action).Add(float64(n))
	}
}

func OutboxDispatched(ok bool) {
	if ok {
		outboxPublishedTotal.WithLabelValues("published").Inc()
		return
	}
	outboxPublishedTotal.WithLabelValues("retry").Inc()
}

// Middleware is a gin middleware that records HTTP request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
