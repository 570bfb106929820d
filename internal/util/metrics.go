package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_total",
		Help: "Payment events processed by reconciliation outcome",
	}, []string{"outcome"})

	OrphanEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orphan_events_total",
		Help: "Payment events that matched no request or active checkout",
	})

	DuplicateEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_events_total",
		Help: "Payment events discarded by idempotency key",
	})

	TransportReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_reconnects_total",
		Help: "Reconnect attempts made by the event transport",
	})

	TransportConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transport_connected",
		Help: "1 while the event transport is connected",
	})

	CheckoutsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_opened_total",
		Help: "Checkout sessions opened",
	})

	CheckoutsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_finalized_total",
		Help: "Checkout sessions finalized",
	})

	CheckoutsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_cancelled_total",
		Help: "Checkout sessions cancelled",
	})

	FinalizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_finalize_latency_seconds",
		Help:    "Latency of checkout finalize including persistence",
		Buckets: prometheus.DefBuckets,
	})

	TendersCreditedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenders_credited_total",
		Help: "Tender lines credited by method",
	}, []string{"method"})

	ShiftsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shifts_opened_total",
		Help: "Shifts opened",
	})

	ShiftsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shifts_closed_total",
		Help: "Shifts closed",
	})

	PushPaymentsInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_payments_initiated_total",
		Help: "Push-payment prompts sent to the gateway",
	})

	PushPollChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "push_poll_checks_total",
		Help: "Gateway status queries made by the polling fallback",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
