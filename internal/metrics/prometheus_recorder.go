package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration  *prom.HistogramVec
	stageResults   *prom.CounterVec
	taskOutcomes   *prom.CounterVec
	chunksEmbedded prom.Counter
	vectorsDeleted prom.Counter
	embedRetries   prom.Counter
	pagesGenerated *prom.CounterVec
	llmCalls       *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the pipeline metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "repowiki",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "repowiki",
			Name:      "stage_results_total",
			Help:      "Stage completions by result",
		}, []string{"stage", "result"}),
		taskOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "repowiki",
			Name:      "task_outcomes_total",
			Help:      "Terminal task statuses",
		}, []string{"status"}),
		chunksEmbedded: prom.NewCounter(prom.CounterOpts{
			Namespace: "repowiki",
			Name:      "chunks_embedded_total",
			Help:      "Chunks upserted into the vector store",
		}),
		vectorsDeleted: prom.NewCounter(prom.CounterOpts{
			Namespace: "repowiki",
			Name:      "vectors_deleted_total",
			Help:      "Vectors removed during sync or delete",
		}),
		embedRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: "repowiki",
			Name:      "embed_retries_total",
			Help:      "Embedding batch retries",
		}),
		pagesGenerated: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "repowiki",
			Name:      "wiki_pages_generated_total",
			Help:      "Wiki pages generated by outcome",
		}, []string{"outcome"}),
		llmCalls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "repowiki",
			Name:      "llm_calls_total",
			Help:      "Outbound LLM and embedding calls",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		pr.stageDuration, pr.stageResults, pr.taskOutcomes,
		pr.chunksEmbedded, pr.vectorsDeleted, pr.embedRetries,
		pr.pagesGenerated, pr.llmCalls,
	)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncTaskOutcome(status string) {
	p.taskOutcomes.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) AddChunksEmbedded(n int) {
	p.chunksEmbedded.Add(float64(n))
}

func (p *PrometheusRecorder) AddVectorsDeleted(n int) {
	p.vectorsDeleted.Add(float64(n))
}

func (p *PrometheusRecorder) IncEmbedRetry() {
	p.embedRetries.Inc()
}

func (p *PrometheusRecorder) IncPageGenerated(outcome string) {
	p.pagesGenerated.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncLLMCall(kind string) {
	p.llmCalls.WithLabelValues(kind).Inc()
}
