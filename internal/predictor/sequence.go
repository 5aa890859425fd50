package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	rand "math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// SequenceConfig controls the sequence model and its optional recurrent
// backend.
type SequenceConfig struct {
	Enabled      bool
	Length       int
	Hidden       []int
	Epochs       int
	Dropout      float64
	LearningRate float64
	Timeout      time.Duration
}

func (c SequenceConfig) withDefaults() SequenceConfig {
	if c.Length <= 1 {
		c.Length = 10
	}
	if len(c.Hidden) == 0 {
		c.Hidden = []int{16, 8}
	}
	if c.Epochs <= 0 {
		c.Epochs = 60
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		c.Dropout = 0.2
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.01
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// SequencePrediction is a next-duration estimate with a confidence band.
type SequencePrediction struct {
	Value      float64 `json:"value"`
	Low        float64 `json:"low"`
	High       float64 `json:"high"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// SequenceModel predicts the next duration from a sliding window of recent
// durations. The recurrent backend is strictly an enhancement: the linear
// fallback trains on every cycle, so sequence predictions never depend on
// the backend being present or healthy.
type SequenceModel struct {
	cfg SequenceConfig
	log *zap.SugaredLogger
	rng *rand.Rand

	backend        *recurrentNet
	backendTrained bool

	fallback    *LinearRegressor
	trained     bool
	residualStd float64
}

// backendWarmup is how many samples beyond the window length the series
// must carry before the recurrent backend engages. Below the gate a cycle
// trains the fallback only; the gate is re-evaluated on every retrain.
const backendWarmup = 10

// sequenceState is the artifact persisted next to the model bundle.
type sequenceState struct {
	Length         int             `json:"length"`
	Fallback       RegressorState  `json:"fallback"`
	ResidualStd    float64         `json:"residualStd"`
	Trained        bool            `json:"trained"`
	BackendTrained bool            `json:"backendTrained"`
	Backend        json.RawMessage `json:"backend,omitempty"`
}

// NewSequenceModel selects the backend variant at construction: a native
// recurrent net when enabled, none otherwise. Availability is re-checked on
// every call anyway, so a backend that fails later just demotes the model
// to its fallback.
func NewSequenceModel(cfg SequenceConfig, log *zap.SugaredLogger, rng *rand.Rand) *SequenceModel {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &SequenceModel{
		cfg:      cfg,
		log:      log,
		rng:      rng,
		fallback: NewLinearRegressor(Config{}, rng),
	}
	if cfg.Enabled {
		m.backend = newRecurrentNet(cfg.Hidden, cfg.Epochs, cfg.LearningRate, cfg.Dropout, rng)
	}
	return m
}

// Train slides a window over the series and fits next-step targets. The
// fallback regressor always trains; the backend trains under a deadline and
// any error, timeout, or panic only costs the enhancement.
func (m *SequenceModel) Train(ctx context.Context, series []float64) {
	windows, targets := m.buildWindows(series)
	if len(windows) == 0 {
		m.log.Debugw("sequence training skipped", "series_len", len(series), "window", m.cfg.Length)
		return
	}

	fallback := NewLinearRegressor(Config{}, m.rng)
	fallback.Train(windows, targets)
	m.fallback = fallback
	m.trained = true
	m.residualStd = residualStd(fallback, windows, targets)

	if m.backend == nil {
		return
	}
	if len(series) < m.cfg.Length+backendWarmup {
		m.backendTrained = false
		m.log.Debugw("sequence backend deferred, not enough samples",
			"have", len(series), "need", m.cfg.Length+backendWarmup)
		return
	}

	trainCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.trainBackend(trainCtx, windows, targets)
	if err != nil {
		m.backendTrained = false
		m.log.Warnw("sequence backend training failed, serving fallback", "error", err)
		return
	}
	m.backendTrained = true
	m.residualStd = residualStd(backendRegressor{m.backend}, windows, targets)
	m.log.Infow("sequence backend trained", "windows", len(windows), "residual_std", m.residualStd)
}

// trainBackend isolates the backend call so a panic inside it is downgraded
// to an error.
func (m *SequenceModel) trainBackend(ctx context.Context, windows [][]float64, targets []float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sequence backend panic: %v", r)
		}
	}()
	return m.backend.train(ctx, windows, targets)
}

// Predict estimates the next duration from the most recent values. Source
// reports which path served: "sequence" for the backend, "fallback" for the
// linear model.
func (m *SequenceModel) Predict(recent []float64) SequencePrediction {
	window := m.window(recent)

	if m.backendTrained && m.backend != nil && len(window) > 0 {
		if v, err := m.backend.predict(window); err == nil {
			return m.banded(v, "sequence")
		} else {
			m.log.Debugw("sequence backend predict failed, using fallback", "error", err)
		}
	}

	if m.trained && len(window) > 0 {
		return m.banded(m.fallback.Predict(window), "fallback")
	}

	mean := 0.0
	if len(recent) > 0 {
		mean = stat.Mean(recent, nil)
	}
	p := m.banded(mean, "fallback")
	p.Confidence = 0
	return p
}

// UsingBackend reports whether the recurrent backend is trained and serving.
func (m *SequenceModel) UsingBackend() bool { return m.backendTrained && m.backend != nil }

func (m *SequenceModel) Trained() bool { return m.trained }

// State serializes the model, embedding the backend artifact when present.
func (m *SequenceModel) State() ([]byte, error) {
	st := sequenceState{
		Length:         m.cfg.Length,
		Fallback:       m.fallback.State(),
		ResidualStd:    m.residualStd,
		Trained:        m.trained,
		BackendTrained: m.backendTrained,
	}
	if m.backend != nil {
		raw, err := m.backend.state()
		if err != nil {
			return nil, fmt.Errorf("sequence: backend state: %w", err)
		}
		st.Backend = raw
	}
	return json.Marshal(st)
}

// RestoreState loads a persisted artifact. Any decode failure leaves the
// model cold and returns the error for logging; the caller never treats it
// as fatal.
func (m *SequenceModel) RestoreState(raw []byte) error {
	var st sequenceState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("sequence: decode state: %w", err)
	}
	if st.Length > 1 {
		m.cfg.Length = st.Length
	}
	m.fallback.Restore(st.Fallback)
	m.trained = st.Trained && m.fallback.Trained()
	m.residualStd = st.ResidualStd

	m.backendTrained = false
	if st.BackendTrained && len(st.Backend) > 0 && m.backend != nil {
		if err := m.backend.restore(st.Backend); err != nil {
			m.log.Warnw("sequence backend state unusable, serving fallback", "error", err)
			return nil
		}
		m.backendTrained = m.backend.trained
	}
	return nil
}

// window trims or left-pads the recent values to the configured length.
// Short histories pad with their own first value so the backend always sees
// a full window.
func (m *SequenceModel) window(recent []float64) []float64 {
	if len(recent) == 0 {
		return nil
	}
	L := m.cfg.Length
	if len(recent) >= L {
		return append([]float64(nil), recent[len(recent)-L:]...)
	}
	out := make([]float64, L)
	pad := L - len(recent)
	for i := 0; i < pad; i++ {
		out[i] = recent[0]
	}
	copy(out[pad:], recent)
	return out
}

func (m *SequenceModel) buildWindows(series []float64) ([][]float64, []float64) {
	L := m.cfg.Length
	if len(series) <= L {
		return nil, nil
	}
	var windows [][]float64
	var targets []float64
	for i := 0; i+L < len(series); i++ {
		windows = append(windows, series[i:i+L])
		targets = append(targets, series[i+L])
	}
	return windows, targets
}

// banded wraps a point estimate with a ±1.96σ band from the training
// residuals, falling back to ±15% when no residual estimate exists. The
// confidence heuristic shrinks as the band widens relative to the value.
func (m *SequenceModel) banded(value float64, source string) SequencePrediction {
	half := 1.96 * m.residualStd
	if m.residualStd <= 0 {
		half = 0.15 * math.Abs(value)
	}
	denom := math.Abs(value)
	if denom < 1 {
		denom = 1
	}
	conf := 1 - half/denom
	if conf < 0.1 {
		conf = 0.1
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return SequencePrediction{
		Value:      value,
		Low:        value - half,
		High:       value + half,
		Confidence: conf,
		Source:     source,
	}
}

// backendRegressor adapts the recurrent net to the Regressor shape for
// residual scoring.
type backendRegressor struct{ net *recurrentNet }

func (b backendRegressor) Train([][]float64, []float64) {}

func (b backendRegressor) Predict(x []float64) float64 {
	v, err := b.net.predict(x)
	if err != nil {
		return 0
	}
	return v
}

func residualStd(model Regressor, windows [][]float64, targets []float64) float64 {
	if len(windows) == 0 {
		return 0
	}
	res := make([]float64, len(windows))
	for i, w := range windows {
		res[i] = model.Predict(w) - targets[i]
	}
	mean := stat.Mean(res, nil)
	sd := math.Sqrt(stat.MomentAbout(2, res, mean, nil))
	if math.IsNaN(sd) {
		return 0
	}
	return sd
}
