package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LaneSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paylane_lane_selections_total",
			Help: "Lane selection outcomes per transfer attempt",
		},
		[]string{"lane"},
	)

	QuotesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paylane_quotes_total",
		Help: "Paymaster fee quotes issued",
	})

	QuoteRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paylane_quote_rejections_total",
			Help: "Quotes rejected before lane commitment",
		},
		[]string{"reason"},
	)

	TransferAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paylane_transfer_attempts_total",
			Help: "Transfer attempts by terminal outcome",
		},
		[]string{"outcome"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paylane_transfer_duration_seconds",
			Help:    "End-to-end transfer attempt duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90, 180},
		},
		[]string{"lane"},
	)

	BundlerPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paylane_bundler_receipt_polls_total",
		Help: "Bundler receipt poll requests",
	})

	StipendRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paylane_stipend_rounds_total",
			Help: "Stipend coordinator rounds by outcome",
		},
		[]string{"outcome"},
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paylane_reconciliations_total",
			Help: "Receipt reconciliations by resulting status",
		},
		[]string{"status"},
	)

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paylane_rate_limited_requests_total",
		Help: "Requests rejected by the rate limiter",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paylane_websocket_clients",
		Help: "Connected receipt stream clients",
	})
)
