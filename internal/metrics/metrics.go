package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "askql_build_info",
			Help: "Build information of the askql server",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askql_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"endpoint"},
	)

	CompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_compilations_total",
			Help: "Total number of question compilations by outcome",
		},
		[]string{"outcome"},
	)

	GuardrailRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_guardrail_rejections_total",
			Help: "Total number of compiled queries rejected by the guardrail",
		},
		[]string{"reason"},
	)

	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askql_llm_call_duration_seconds",
			Help:    "Duration of generative model calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
		},
		[]string{"provider", "status"},
	)

	EmbedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_embed_calls_total",
			Help: "Total number of embedding calls",
		},
		[]string{"status"},
	)

	EmbedCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askql_embed_cache_hits_total",
			Help: "Total number of query embeddings served from cache",
		},
	)

	IndexUpsertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askql_index_upserted_records_total",
			Help: "Total number of vector records upserted",
		},
	)

	IndexRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_index_runs_total",
			Help: "Total number of index rebuilds",
		},
		[]string{"status"},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"status"},
	)

	DatabaseQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askql_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool_name", "status"},
	)
)
