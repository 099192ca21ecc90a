// Package metrics holds the Prometheus collectors for nestwatch.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestwatch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestwatch_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	// Sessions
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestwatch_sessions_started_total",
			Help: "Monitoring sessions admitted",
		},
	)

	SessionsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestwatch_sessions_refused_total",
			Help: "Session starts and ends refused, by reason",
		},
		[]string{"reason"}, // privacy_blocked, already_active, end_not_allowed
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestwatch_sessions_ended_total",
			Help: "Monitoring sessions closed, by final status and actor",
		},
		[]string{"status", "ended_by"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestwatch_session_duration_seconds",
			Help:    "Length of closed monitoring sessions",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
	)

	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestwatch_open_sessions",
			Help: "Monitoring sessions currently open in this process",
		},
	)

	// Privacy
	PrivacyWindowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestwatch_privacy_windows_active",
			Help: "Devices currently in privacy mode",
		},
	)

	PrivacyWindowsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestwatch_privacy_windows_expired_total",
			Help: "Privacy windows that ran out on their own",
		},
	)

	// Alerts
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestwatch_alerts_sent_total",
			Help: "Alerts delivered, by notifier and result",
		},
		[]string{"notifier", "result"}, // ok, error
	)

	AlertsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestwatch_alerts_dropped_total",
			Help: "Alerts dropped because the queue was full",
		},
	)
)

// Middleware records request counts and latencies. Routes are labelled by
// their registered pattern so path parameters do not explode cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ActiveRequests.Inc()
		defer ActiveRequests.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// TrackRefusal increments the refusal counter for reason.
func TrackRefusal(reason string) {
	SessionsRefused.WithLabelValues(reason).Inc()
}

// TrackSessionEnd records a closed session.
func TrackSessionEnd(status, endedBy string, durationSeconds int) {
	SessionsEnded.WithLabelValues(status, endedBy).Inc()
	SessionDuration.Observe(float64(durationSeconds))
	OpenSessions.Dec()
}

// TrackAlert records one notifier delivery attempt.
func TrackAlert(notifier string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	AlertsSent.WithLabelValues(notifier, result).Inc()
}
