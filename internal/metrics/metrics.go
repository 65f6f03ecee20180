package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pricing service metrics
var (
	// Pipeline metrics
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_recommendations_total",
			Help: "Total number of recommendations produced",
		},
		[]string{"status", "risk_level"}, // status: pending/rejected
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_pricing_pipeline_duration_seconds",
			Help:    "End-to-end recommendation pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
	)

	// Guardrail metrics
	InputRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_input_rejections_total",
			Help: "Total number of requests rejected by the input guardrail",
		},
		[]string{"rule"},
	)

	GuardrailViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_guardrail_violations_total",
			Help: "Total number of safety guardrail firings",
		},
		[]string{"rule", "kind"},
	)

	RevenueRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_revenue_rejections_total",
			Help: "Total number of candidates rejected for projected revenue loss",
		},
	)

	// Oracle metrics
	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_oracle_requests_total",
			Help: "Total number of price oracle requests",
		},
		[]string{"provider", "status"}, // status: success/error/fallback
	)

	OracleRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_pricing_oracle_request_duration_seconds",
			Help:    "Price oracle request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"provider"},
	)

	// Approval metrics
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_approvals_total",
			Help: "Total number of approval attempts",
		},
		[]string{"decision", "result"}, // result: success/forbidden/not_pending/not_found/invalid
	)

	PendingRecommendations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_pricing_pending_recommendations",
			Help: "Recommendations awaiting approval",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_pricing_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_pricing_websocket_clients",
			Help: "Connected approval event stream clients",
		},
	)

	// Tool metrics
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_pricing_tool_calls_total",
			Help: "Total number of agent tool calls",
		},
		[]string{"tool", "result"}, // result: success/invalid/failed/unavailable
	)
)
