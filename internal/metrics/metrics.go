// Package metrics holds the Prometheus collectors exported on /metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pump actuation outcomes
const (
	ResultSuccess     = "success"
	ResultFailed      = "failed"
	ResultTimeout     = "timeout"
	ResultBreakerOpen = "breaker_open"
	ResultCanceled    = "canceled"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	PumpActuations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "pump_actuations_total",
		Help:      "Pump controller invocations by pump and result.",
	}, []string{"pump", "result"})

	PumpRunSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Name:      "pump_run_seconds",
		Help:      "Wall time of pump controller invocations.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"pump"})

	PumpBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pulse",
		Name:      "pump_busy",
		Help:      "1 while the controller is running for the pump.",
	}, []string{"pump"})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "scheduled_waterings_total",
		Help:      "Cron-triggered waterings by plant and result.",
	}, []string{"plant", "result"})
)
