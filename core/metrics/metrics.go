package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "incident_desk_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_desk_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incident_desk_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incident_desk_rate_limited_total",
		Help: "Requests rejected by the process-wide or login limiter.",
	})

	IncidentsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incident_desk_incidents_created_total",
		Help: "Incidents reported.",
	})

	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_desk_status_transitions_total",
			Help: "Incident status transitions by target status.",
		},
		[]string{"status"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_desk_notifications_total",
			Help: "Email notifications by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incident_desk_audit_write_failures_total",
		Help: "Audit records that could not be persisted.",
	})

	RetentionPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incident_desk_retention_purged_total",
			Help: "Rows removed by scheduled retention jobs.",
		},
		[]string{"job"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry once per process.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPInFlight, HTTPRequestsTotal, HTTPRequestDuration, RateLimited,
			IncidentsCreated, StatusTransitions, Notifications, AuditWriteFailures, RetentionPurged,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
