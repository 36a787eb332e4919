// Package observability provides Prometheus metrics and HTTP middleware
// for the document service.
package observability

import "github.com/prometheus/client_golang/prometheus"

// StageBuckets covers both local steps (a few ms) and provider calls.
var StageBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// RequestsTotal counts HTTP requests by method, route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: StageBuckets,
		},
		[]string{"method", "route"},
	)

	// PipelineTotal counts ingest and query runs by outcome. result is "ok"
	// or the error kind.
	PipelineTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_pipeline_total",
			Help: "Pipeline runs",
		},
		[]string{"operation", "strategy", "result"},
	)

	// StageDuration records the latency of extract, embed, search, store and generate.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_stage_duration_seconds",
			Help:    "Pipeline stage duration",
			Buckets: StageBuckets,
		},
		[]string{"stage"},
	)

	RetrievedHits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_retrieved_hits",
			Help:    "Hits returned by vector search",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		PipelineTotal,
		StageDuration,
		RetrievedHits,
	)
}
