package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataviz_pipeline_runs_total",
			Help: "Question runs by outcome (answered, not_relevant, execution_error, failed).",
		},
		[]string{"outcome"},
	)
	pipelineStageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataviz_pipeline_stage_duration_seconds",
			Help:    "Latency of individual pipeline stages.",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataviz_llm_calls_total",
			Help: "Language model calls by provider and result.",
		},
		[]string{"provider", "result"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataviz_query_executions_total",
			Help: "Dataset query executions by result.",
		},
		[]string{"result"},
	)
	conversationWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dataviz_conversation_write_failures_total",
			Help: "Conversation turns that could not be persisted.",
		},
	)
	retentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataviz_retention_deleted_total",
			Help: "Conversation rows and orphaned table objects removed by the retention worker.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRunsTotal,
		pipelineStageSeconds,
		llmCallsTotal,
		queryExecutionsTotal,
		conversationWriteFailuresTotal,
		retentionDeletedTotal,
	)
}

func ObservePipelineRun(outcome string) {
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
}

func ObserveStage(stage string, elapsed time.Duration) {
	pipelineStageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func ObserveLLMCall(provider, result string) {
	llmCallsTotal.WithLabelValues(provider, result).Inc()
}

func ObserveQueryExecution(result string) {
	queryExecutionsTotal.WithLabelValues(result).Inc()
}

func IncrementConversationWriteFailure() {
	conversationWriteFailuresTotal.Inc()
}

// ObserveRetentionDeleted counts removed turns, sessions or objects.
func ObserveRetentionDeleted(kind string, n int64) {
	if n > 0 {
		retentionDeletedTotal.WithLabelValues(kind).Add(float64(n))
	}
}
