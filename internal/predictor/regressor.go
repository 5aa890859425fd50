// Package predictor implements the model families behind the analytics
// engine: linear and logistic regressors trained by mini-batch SGD, an
// autoregressive time-series model, a sequence model with an optional
// recurrent backend, and k-fold cross validation.
package predictor

import (
	"math"
	rand "math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Config holds the shared SGD hyperparameters.
type Config struct {
	LearningRate float64
	Epochs       int
	BatchSize    int
	L2           float64
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.Epochs <= 0 {
		c.Epochs = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.L2 < 0 {
		c.L2 = 0
	}
	return c
}

// sigmoidClip bounds the pre-activation so exp never overflows.
const sigmoidClip = 500

// Regressor is the training/prediction contract shared by the linear and
// logistic models; cross validation and the sequence fallback train against
// it.
type Regressor interface {
	Train(features [][]float64, targets []float64)
	Predict(x []float64) float64
}

// RegressorState is the serializable form of a trained regressor. State is
// fully overwritten on every retrain, never patched incrementally.
type RegressorState struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// LinearRegressor predicts a real-valued target with an identity link.
type LinearRegressor struct {
	cfg     Config
	rng     *rand.Rand
	weights []float64
	bias    float64
}

func NewLinearRegressor(cfg Config, rng *rand.Rand) *LinearRegressor {
	return &LinearRegressor{cfg: cfg.withDefaults(), rng: rng}
}

// Train fits fresh weights by mini-batch SGD with L2 regularization.
// Degenerate input (no rows, length mismatch, nothing finite) leaves the
// model unchanged; Train never panics.
func (m *LinearRegressor) Train(features [][]float64, targets []float64) {
	if w, b, ok := sgdFit(m.cfg, m.rng, features, targets, identity); ok {
		m.weights, m.bias = w, b
	}
}

// Predict returns the linear response. Short vectors are padded with zeros;
// an untrained model responds with its zero initialization.
func (m *LinearRegressor) Predict(x []float64) float64 {
	return m.bias + dot(m.weights, x)
}

func (m *LinearRegressor) Trained() bool { return len(m.weights) > 0 }

func (m *LinearRegressor) State() RegressorState {
	return RegressorState{Weights: append([]float64(nil), m.weights...), Bias: m.bias}
}

// Restore overwrites the model with persisted state.
func (m *LinearRegressor) Restore(st RegressorState) {
	m.weights = append([]float64(nil), st.Weights...)
	m.bias = st.Bias
}

// LogisticRegressor predicts a probability with a sigmoid link over the
// same SGD mechanics as the linear model.
type LogisticRegressor struct {
	cfg     Config
	rng     *rand.Rand
	weights []float64
	bias    float64
}

func NewLogisticRegressor(cfg Config, rng *rand.Rand) *LogisticRegressor {
	return &LogisticRegressor{cfg: cfg.withDefaults(), rng: rng}
}

func (m *LogisticRegressor) Train(features [][]float64, targets []float64) {
	if w, b, ok := sgdFit(m.cfg, m.rng, features, targets, sigmoid); ok {
		m.weights, m.bias = w, b
	}
}

// Predict returns a probability in [0,1], finite for any input.
func (m *LogisticRegressor) Predict(x []float64) float64 {
	return sigmoid(m.bias + dot(m.weights, x))
}

func (m *LogisticRegressor) Trained() bool { return len(m.weights) > 0 }

func (m *LogisticRegressor) State() RegressorState {
	return RegressorState{Weights: append([]float64(nil), m.weights...), Bias: m.bias}
}

func (m *LogisticRegressor) Restore(st RegressorState) {
	m.weights = append([]float64(nil), st.Weights...)
	m.bias = st.Bias
}

func identity(z float64) float64 { return z }

func sigmoid(z float64) float64 {
	if z > sigmoidClip {
		z = sigmoidClip
	} else if z < -sigmoidClip {
		z = -sigmoidClip
	}
	return 1 / (1 + math.Exp(-z))
}

// sgdFit runs the shared mini-batch loop. The returned bool reports whether
// a fit happened at all; callers keep their previous state when it is false.
// The gradient is the canonical-link form err = link(z) - target, so the
// same loop serves squared error (identity) and log loss (sigmoid).
func sgdFit(cfg Config, rng *rand.Rand, features [][]float64, targets []float64, link func(float64) float64) ([]float64, float64, bool) {
	if len(features) == 0 || len(features) != len(targets) {
		return nil, 0, false
	}
	width := len(features[0])
	if width == 0 {
		return nil, 0, false
	}

	idx := make([]int, 0, len(features))
	for i := range features {
		if rowFinite(features[i]) && isFinite(targets[i]) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, 0, false
	}

	weights := make([]float64, width)
	for d := range weights {
		weights[d] = (rng.Float64()*2 - 1) * 0.01
	}
	bias := 0.0

	grad := make([]float64, width)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		for start := 0; start < len(idx); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(idx) {
				end = len(idx)
			}

			for d := range grad {
				grad[d] = 0
			}
			gradBias := 0.0
			for _, i := range idx[start:end] {
				row := features[i]
				err := link(bias+dot(weights, row)) - targets[i]
				n := width
				if len(row) < n {
					n = len(row)
				}
				floats.AddScaled(grad[:n], err, row[:n])
				gradBias += err
			}

			batch := float64(end - start)
			for d := range weights {
				weights[d] -= cfg.LearningRate * (grad[d]/batch + cfg.L2*weights[d])
			}
			bias -= cfg.LearningRate * (gradBias / batch)
		}
	}

	return weights, bias, true
}

func dot(w, x []float64) float64 {
	n := len(w)
	if len(x) < n {
		n = len(x)
	}
	if n == 0 {
		return 0
	}
	return floats.Dot(w[:n], x[:n])
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func rowFinite(row []float64) bool {
	for _, f := range row {
		if !isFinite(f) {
			return false
		}
	}
	return true
}
