package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "bookings_created_total", Help: "Bookings created, by mode"},
		[]string{"mode"},
	)
	AcceptWins = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "accept_wins_total", Help: "Acceptance attempts that won the booking"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "accept_conflicts_total", Help: "Acceptance attempts that lost the race"})

	DispatchRoundsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cab_dispatch", Name: "dispatch_rounds_open", Help: "Dispatch rounds currently in flight"})
	RoundTimeouts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "dispatch_round_timeouts_total", Help: "Rounds that expired with no winner"})

	HoldsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "payment_holds_total", Help: "Payment holds created"})
	Captures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "payment_captures_total", Help: "Payment captures, by kind"},
		[]string{"kind"}, // final | penalty
	)
	HoldsReleased = promauto.NewCounter(prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "payment_releases_total", Help: "Payment holds released"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "cab_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cab_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cab_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
