// Package analytics is the orchestrator of the predictive subsystem: it
// owns the observation history, retrains the model set on a cadence behind
// a single-flight guard, and serves read-only prediction queries against
// the last committed snapshot.
package analytics

import (
	"time"

	"github.com/taskmill/insight/internal/features"
	"github.com/taskmill/insight/internal/predictor"
)

// EngineState is the lifecycle position of the engine.
type EngineState int32

const (
	StateCreated EngineState = iota
	StateReady
	StateTraining
	StateClosed
)

func (s EngineState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateTraining:
		return "training"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Prediction sources. "heuristic" marks an untrained default the caller
// should weigh accordingly.
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
)

// DurationPrediction is the expected wall time of a task.
type DurationPrediction struct {
	DurationMs float64 `json:"durationMs"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// FailurePrediction is the failure risk of a task. Risky is the 0.5
// threshold decision for callers that just want a flag.
type FailurePrediction struct {
	Probability float64 `json:"probability"`
	Risky       bool    `json:"risky"`
	Confidence  float64 `json:"confidence"`
}

// ResourcePrediction is the expected resource consumption of a task.
// Units is the regression target (compute-weighted duration seconds);
// CPUSeconds and MemoryMB are scheduler-friendly derivations of it.
type ResourcePrediction struct {
	Units      float64 `json:"units"`
	CPUSeconds float64 `json:"cpuSeconds"`
	MemoryMB   float64 `json:"memoryMb"`
	Confidence float64 `json:"confidence"`
}

// TrainingStats counts training cycle outcomes. Started doubles as the
// single-flight instrumentation: it increments once per cycle actually run.
type TrainingStats struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
}

// MetricsSnapshot is the engine's observable state at a point in time.
type MetricsSnapshot struct {
	PredictionsServed int64         `json:"predictionsServed"`
	LastMSE           float64       `json:"lastMse"`
	LastR2            float64       `json:"lastR2"`
	LastAccuracy      float64       `json:"lastAccuracy"`
	LastValidation    time.Time     `json:"lastValidationAt"`
	HistoryLength     int           `json:"historyLength"`
	State             string        `json:"state"`
	Training          TrainingStats `json:"training"`
	UsingSequence     bool          `json:"usingSequenceBackend"`
}

// Resource-unit derivation constants: units approximate compute-share of
// wall time by kind, memory scales linearly from a base footprint.
const (
	baseMemoryMB     = 64.0
	memoryPerUnitMB  = 32.0
	weightKindCPU    = 1.0
	weightKindIO     = 0.35
	weightKindOther  = 0.6
	heuristicMsPerCx = 1000.0
)

func kindWeight(k features.TaskKind) float64 {
	switch k {
	case features.KindCPU:
		return weightKindCPU
	case features.KindIO:
		return weightKindIO
	default:
		return weightKindOther
	}
}

// resourceUnits derives the training target for the resources model.
func resourceUnits(o features.Observation) float64 {
	return (o.DurationMs / 1000.0) * kindWeight(o.Kind)
}

// modelSet is one committed generation of trained state. A retrain builds a
// complete replacement and swaps the pointer; readers never observe a
// half-trained set.
type modelSet struct {
	scaler    *features.Scaler
	duration  *predictor.LinearRegressor
	resources *predictor.LinearRegressor
	failure   *predictor.LogisticRegressor
	sequence  *predictor.SequenceModel

	trained        bool
	durationReport predictor.Report
	failureReport  predictor.Report
	validatedAt    time.Time
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
