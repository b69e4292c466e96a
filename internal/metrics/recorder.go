package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess   ResultLabel = "success"
	ResultFailed    ResultLabel = "failed"
	ResultCancelled ResultLabel = "cancelled"
)

// Recorder defines observability hooks for pipeline metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. Components receive a
// Recorder by injection and default to NoopRecorder so call sites never
// nil-check.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncTaskOutcome(status string)
	AddChunksEmbedded(n int)
	AddVectorsDeleted(n int)
	IncEmbedRetry()
	IncPageGenerated(outcome string) // outcome: success|skipped
	IncLLMCall(kind string)          // kind: generate|embed
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) IncTaskOutcome(string)                      {}
func (NoopRecorder) AddChunksEmbedded(int)                      {}
func (NoopRecorder) AddVectorsDeleted(int)                      {}
func (NoopRecorder) IncEmbedRetry()                             {}
func (NoopRecorder) IncPageGenerated(string)                    {}
func (NoopRecorder) IncLLMCall(string)                          {}
