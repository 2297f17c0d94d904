package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CompletionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_completion_requests_total",
		Help: "Total completion requests by provider and outcome",
	}, []string{"provider", "status"})
	CompletionLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_completion_latency_seconds",
		Help:    "Latency of upstream completion calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tokens_total",
		Help: "Tokens billed by provider and direction",
	}, []string{"provider", "direction"})
	FailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_failovers_total",
		Help: "Requests served by a non-first candidate provider",
	})
	RateLimitBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_blocked_total",
		Help: "Admission rejections by provider",
	}, []string{"provider"})
	ProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_provider_errors_total",
		Help: "Upstream call failures by provider",
	}, []string{"provider"})
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_usage_alerts_total",
		Help: "Budget alerts raised by type",
	}, []string{"type"})
)
