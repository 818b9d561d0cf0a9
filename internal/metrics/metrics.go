package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelbeat_polls_total",
		Help: "Completed poll attempts, labelled by carrier and outcome.",
	}, []string{"carrier", "outcome"})

	PollSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelbeat_poll_skips_total",
		Help: "Polls skipped before any carrier call, labelled by reason.",
	}, []string{"reason"})

	CarrierErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelbeat_carrier_errors_total",
		Help: "Adapter failures, labelled by carrier and error code.",
	}, []string{"carrier", "code"})

	EventsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parcelbeat_tracking_events_inserted_total",
		Help: "New tracking events actually inserted (after dedup).",
	})

	DelayFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelbeat_shipments_delay_flagged_total",
		Help: "Shipments newly flagged delayed, labelled by reason.",
	}, []string{"reason"})

	ScanWithheld = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parcelbeat_first_scans_withheld_total",
		Help: "First-scan flags withheld because the tenant hit the plan ceiling.",
	})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelbeat_token_refreshes_total",
		Help: "Carrier token exchanges performed on cache miss.",
	}, []string{"carrier"})

	ReviewFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parcelbeat_shipments_review_flagged_total",
		Help: "Shipments flagged for manual review after repeated poll errors.",
	})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parcelbeat_poll_duration_ms",
		Help:    "End-to-end single-shipment poll latency in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
)
