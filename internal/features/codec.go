// Package features defines the task observation schema and its fixed-width
// numeric encoding for the predictive models.
package features

import (
	"math"
	"time"
)

// TaskKind classifies the dominant workload of a task.
type TaskKind string

const (
	KindCPU   TaskKind = "cpu"
	KindIO    TaskKind = "io"
	KindOther TaskKind = "other"
)

// VectorWidth is the dimensionality of an encoded task:
// complexity, dependency count, priority, one-hot cpu, one-hot io, size.
const VectorWidth = 6

// FeatureVersion tags persisted model state. Bumped whenever the encoding
// changes shape or meaning; a mismatch on load forces a cold start.
const FeatureVersion = 1

// Task is the descriptor the orchestrator submits for a unit of work.
type Task struct {
	Complexity      float64  `json:"complexity"`
	DependencyCount int      `json:"dependencyCount"`
	Priority        int      `json:"priority"`
	Kind            TaskKind `json:"kind"`
	Size            float64  `json:"size"`
}

// Observation is a completed task outcome as recorded by the engine.
type Observation struct {
	Task
	DurationMs float64   `json:"durationMs"`
	Failed     bool      `json:"failed"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Sanitize normalizes a task so every field carries a usable value:
// non-positive or non-finite complexity and size default to 1, a negative
// dependency count drops to 0, priority is floored at 1 and unknown kinds
// collapse to KindOther.
func Sanitize(t Task) Task {
	if !isFinite(t.Complexity) || t.Complexity <= 0 {
		t.Complexity = 1
	}
	if t.DependencyCount < 0 {
		t.DependencyCount = 0
	}
	if t.Priority < 1 {
		t.Priority = 1
	}
	if !isFinite(t.Size) || t.Size <= 0 {
		t.Size = 1
	}
	switch t.Kind {
	case KindCPU, KindIO:
	default:
		t.Kind = KindOther
	}
	return t
}

// SanitizeObservation applies Sanitize to the embedded task and clamps the
// outcome fields. A zero RecordedAt is stamped with the current time.
func SanitizeObservation(o Observation) Observation {
	o.Task = Sanitize(o.Task)
	if !isFinite(o.DurationMs) || o.DurationMs < 0 {
		o.DurationMs = 0
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	return o
}

// Encode maps a task to its feature vector. The input is sanitized first,
// so Encode is total: any task yields a finite vector of VectorWidth.
func Encode(t Task) []float64 {
	t = Sanitize(t)
	v := make([]float64, VectorWidth)
	v[0] = t.Complexity
	v[1] = float64(t.DependencyCount)
	v[2] = float64(t.Priority)
	if t.Kind == KindCPU {
		v[3] = 1
	}
	if t.Kind == KindIO {
		v[4] = 1
	}
	v[5] = t.Size
	return v
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
