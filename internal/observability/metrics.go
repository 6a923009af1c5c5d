// README: Prometheus metrics for dispatch, pricing, delivery and the HTTP surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatchd"

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Requests accepted at intake"},
		[]string{"kind", "vehicle_class"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Committed request status transitions"},
		[]string{"from", "to"},
	)
	AssignmentConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "assignment_conflicts_total", Help: "Accepts that lost the single-assignment race",
	})
	DispatchRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_rounds_total", Help: "Dispatch rounds by outcome"},
		[]string{"outcome"},
	)
	TimeToAssign = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "time_to_assign_seconds", Help: "Request creation to assignment latency",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})
	CandidateSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "candidate_searches_total", Help: "Candidate finder searches by result"},
		[]string{"result"},
	)
	Quotes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fare_quotes_total", Help: "Fare quotes by vehicle class and result"},
		[]string{"vehicle_class", "result"},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_total", Help: "Per-recipient notification sends"},
		[]string{"channel", "status"},
	)
	DeliveryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "deliveries_exhausted_total", Help: "Deliveries that ran out of retry passes",
	})
	SweptRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "swept_requests_total", Help: "Requests terminated by the sweeper"},
		[]string{"status"},
	)
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Worker location samples by result"},
		[]string{"result"},
	)
	WorkersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "workers_connected", Help: "Worker sockets held by this process",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
