// Package metrics registers the service's prometheus collectors and provides
// the HTTP instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Logins counts login attempts by outcome: success, invalid_email,
	// invalid_password, locked_out, banned, error.
	Logins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"result"},
	)

	// Lockouts counts identities that crossed the failure threshold.
	Lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_lockouts_total",
		Help: "Login lockouts triggered.",
	})

	// Bans counts ban engine actions: ban, unban.
	Bans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_bans_total",
			Help: "Ban engine actions.",
		},
		[]string{"action"},
	)

	// Revocations counts access tokens placed on the blacklist.
	Revocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_token_revocations_total",
		Help: "Access tokens revoked before natural expiry.",
	})

	// AuthzChecks counts authorization cache decisions: allowed, denied, error.
	AuthzChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_authz_checks_total",
			Help: "Authorization cache decisions.",
		},
		[]string{"result"},
	)

	// SweepUpdates counts durable ban records flipped inactive by the sweeper.
	SweepUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_ban_sweep_updates_total",
		Help: "Expired ban records reconciled to inactive.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeep_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all collectors with the default registry.
func Init() {
	prometheus.MustRegister(
		Logins,
		Lockouts,
		Bans,
		Revocations,
		AuthzChecks,
		SweepUpdates,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an http.Handler with request counting and latency
// observation.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
