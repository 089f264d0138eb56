package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_requests_total",
			Help: "Total number of completion requests processed",
		},
		[]string{"model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kirogateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_tokens_total",
			Help: "Total number of tokens reported by the upstream, or estimated when it reports none",
		},
		[]string{"model", "type"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_token_refreshes_total",
			Help: "Total number of upstream token refresh attempts",
		},
		[]string{"outcome"},
	)

	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kirogateway_upstream_retries_total",
			Help: "Total number of upstream request retries",
		},
		[]string{"reason"},
	)

	ParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kirogateway_parse_errors_total",
			Help: "Total number of malformed upstream frames",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kirogateway_active_streams",
			Help: "Number of upstream streams currently open",
		},
	)
)
