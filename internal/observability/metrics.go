package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "commute_matching", Name: "match_queries_total", Help: "Match queries by outcome"},
		[]string{"outcome"},
	)
	MatchLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "commute_matching", Name: "match_latency_seconds", Help: "Match latency seconds"})
	MatchResults        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "commute_matching", Name: "match_results", Help: "Candidates returned per successful query", Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100}})
	IndexedParticipants = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "commute_matching", Name: "indexed_participants", Help: "Participants present in the spatial index"})

	ProfileWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "commute_matching", Name: "profile_writes_total", Help: "Registry writes by operation and result"},
		[]string{"op", "result"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "commute_matching", Name: "events_published_total", Help: "Participant change events published"},
		[]string{"result"},
	)

	EventsConsumed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "commute_matching", Name: "consumer_messages_consumed_total", Help: "Total participant events consumed"})
	EventsInvalid  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "commute_matching", Name: "consumer_messages_invalid_total", Help: "Total invalid messages received"})
	EventsApplied  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "commute_matching", Name: "consumer_index_updates_total", Help: "Total events applied to the local index"})
	EventsFailed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "commute_matching", Name: "consumer_index_errors_total", Help: "Total events that could not be applied"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "commute_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commute_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
