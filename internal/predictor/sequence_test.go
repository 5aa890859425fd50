package predictor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func constantSeries(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestSequenceFallbackWhenBackendDisabled(t *testing.T) {
	cfg := SequenceConfig{Enabled: false, Length: 5}
	m := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())

	series := make([]float64, 30)
	for i := range series {
		series[i] = float64(100 + i)
	}
	m.Train(context.Background(), series)

	assert.True(t, m.Trained())
	assert.False(t, m.UsingBackend())

	p := m.Predict(series)
	assert.Equal(t, "fallback", p.Source)
	assert.LessOrEqual(t, p.Low, p.Value)
	assert.GreaterOrEqual(t, p.High, p.Value)
	assert.GreaterOrEqual(t, p.Confidence, 0.1)
}

func TestSequenceBackendOnConstantSeries(t *testing.T) {
	cfg := SequenceConfig{Enabled: true, Length: 5, Hidden: []int{8, 4}, Epochs: 30}
	m := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())

	m.Train(context.Background(), constantSeries(5, 40))

	assert.True(t, m.Trained())
	assert.True(t, m.UsingBackend())

	p := m.Predict(constantSeries(5, 10))
	assert.Equal(t, "sequence", p.Source)
	assert.InDelta(t, 5.0, p.Value, 0.5)
}

func TestSequenceBackendWaitsForWarmup(t *testing.T) {
	// With window length 5 the backend needs 15 samples; anything between
	// one usable window and the warmup gate trains the fallback only.
	cfg := SequenceConfig{Enabled: true, Length: 5, Hidden: []int{8, 4}, Epochs: 30}
	for n := 6; n < 15; n++ {
		m := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())
		m.Train(context.Background(), constantSeries(5, n))

		assert.True(t, m.Trained(), "fallback must train on %d samples", n)
		assert.False(t, m.UsingBackend(), "backend must stay off on %d samples", n)
		assert.Equal(t, "fallback", m.Predict(constantSeries(5, n)).Source)
	}

	m := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())
	m.Train(context.Background(), constantSeries(5, 15))
	assert.True(t, m.UsingBackend(), "backend engages once the warmup gate is met")
}

func TestSequenceBackendTimeoutFallsBack(t *testing.T) {
	cfg := SequenceConfig{Enabled: true, Length: 5, Timeout: time.Nanosecond}
	m := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())

	m.Train(context.Background(), constantSeries(7, 40))

	// The deadline expires before the first epoch; the backend is treated
	// as failed while the fallback still serves.
	assert.True(t, m.Trained())
	assert.False(t, m.UsingBackend())
	assert.Equal(t, "fallback", m.Predict(constantSeries(7, 10)).Source)
}

func TestSequenceShortSeriesStaysCold(t *testing.T) {
	cfg := SequenceConfig{Enabled: true, Length: 10}
	m := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())

	m.Train(context.Background(), constantSeries(3, 10)) // len == window, no targets

	assert.False(t, m.Trained())
	assert.False(t, m.UsingBackend())

	p := m.Predict([]float64{2, 4})
	assert.Equal(t, "fallback", p.Source)
	assert.InDelta(t, 3.0, p.Value, 1e-9) // mean of the recent values
	assert.Equal(t, 0.0, p.Confidence)
}

func TestSequencePredictEmptyHistory(t *testing.T) {
	m := NewSequenceModel(SequenceConfig{}, zaptest.NewLogger(t).Sugar(), testRNG())
	p := m.Predict(nil)
	assert.Equal(t, 0.0, p.Value)
	assert.Equal(t, 0.0, p.Confidence)
}

func TestSequenceWindowPadding(t *testing.T) {
	m := NewSequenceModel(SequenceConfig{Length: 6}, zaptest.NewLogger(t).Sugar(), testRNG())
	w := m.window([]float64{10, 20})
	assert.Equal(t, []float64{10, 10, 10, 10, 10, 20}, w)
}

func TestSequenceStateRoundTrip(t *testing.T) {
	cfg := SequenceConfig{Enabled: true, Length: 5, Hidden: []int{8, 4}, Epochs: 30}
	m := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())
	m.Train(context.Background(), constantSeries(5, 40))
	assert.True(t, m.UsingBackend())

	raw, err := m.State()
	assert.NoError(t, err)

	restored := NewSequenceModel(cfg, zaptest.NewLogger(t).Sugar(), testRNG())
	assert.NoError(t, restored.RestoreState(raw))
	assert.True(t, restored.Trained())
	assert.True(t, restored.UsingBackend())

	recent := constantSeries(5, 10)
	assert.InDelta(t, m.Predict(recent).Value, restored.Predict(recent).Value, 1e-9)
}

func TestSequenceRestoreRejectsGarbage(t *testing.T) {
	m := NewSequenceModel(SequenceConfig{}, zaptest.NewLogger(t).Sugar(), testRNG())
	assert.Error(t, m.RestoreState([]byte("not json")))
	assert.False(t, m.Trained())
}
