package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created at checkout",
	})

	SettlementOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_outcomes_total",
		Help: "Settlement attempts by entry point and outcome",
	}, []string{"source", "outcome"})

	SettlementErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_errors_total",
		Help: "Settlement attempts that failed at the storage layer",
	}, []string{"source"})

	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Escrow release/refund attempts by outcome",
	}, []string{"to", "outcome"})

	InventoryAdjustFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_adjust_failures_total",
		Help: "Order items whose stock decrement was skipped",
	}, []string{"target"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Gateway webhook deliveries by result",
	}, []string{"result"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})

	NotificationsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_dispatched_total",
		Help: "Notifications written, by kind",
	}, []string{"kind"})

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_orders_total",
		Help: "Orders examined by the reconciliation sweep, by result",
	}, []string{"result"})

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
