package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 向量化与检索管线指标
var (
	ChunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "chunks_indexed_total",
		Help:      "Number of chunks successfully written to the vector index",
	})

	ChunkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "chunk_failures_total",
		Help:      "Number of chunks that failed to embed or index",
	}, []string{"stage"})

	EmbedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "knowledge",
		Name:      "embed_duration_seconds",
		Help:      "Latency of a single embedding call including retries",
		Buckets:   prometheus.DefBuckets,
	})

	SearchesServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "searches_total",
		Help:      "Number of semantic search queries served",
	})

	SyncJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knowledge",
		Name:      "kb_sync_jobs_total",
		Help:      "Knowledge base sync jobs by outcome",
	}, []string{"outcome"})
)
