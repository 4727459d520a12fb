// Package stage defines the per-stage reports emitted by the ingestion and
// retrieval pipelines. Every stage appends exactly one Report to the pipeline
// response, whether it ran, failed or was skipped, so callers can always see
// where time went.
package stage

import "time"

// Canonical stage names. Responses key their stage maps by these.
const (
	Chunking  = "chunking"
	Metadata  = "metadata"
	Embedding = "embedding"
	Storage   = "storage"

	IntentDetection = "intent_detection"
	Search          = "search"
	Reranking       = "reranking"
	Compression     = "compression"
	Answer          = "answer_generation"
)

// Report describes the outcome of a single pipeline stage.
type Report struct {
	TimeMS   int64          `json:"time_ms"`
	Success  bool           `json:"success"`
	Skipped  bool           `json:"skipped,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK builds a successful report for a stage that took elapsed time.
func OK(start time.Time, meta map[string]any) Report {
	return Report{TimeMS: millisSince(start), Success: true, Metadata: meta}
}

// Failed builds a report for a stage that ran and errored.
func Failed(start time.Time, err error) Report {
	return Report{TimeMS: millisSince(start), Success: false, Error: err.Error()}
}

// Degraded builds a report for an optional stage that errored but let the
// pipeline continue without its output.
func Degraded(start time.Time, err error, meta map[string]any) Report {
	return Report{TimeMS: millisSince(start), Success: false, Skipped: true, Error: err.Error(), Metadata: meta}
}

// Disabled builds a report for a stage that was toggled off or never reached.
// A disabled stage is not a failure.
func Disabled(reason string) Report {
	return Report{TimeMS: 0, Success: true, Skipped: true, Metadata: map[string]any{"reason": reason}}
}

func millisSince(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
