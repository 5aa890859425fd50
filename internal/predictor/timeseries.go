package predictor

import (
	rand "math/rand/v2"

	"gonum.org/v1/gonum/stat"
)

// TimeSeriesModel is an order-p autoregression: the intercept is fixed to
// the series mean and the lag coefficients are fitted by gradient descent
// on squared one-step-ahead error. It is independent of the feature
// pipeline and is not persisted; forecasts refit cheaply on demand.
type TimeSeriesModel struct {
	order        int
	coefficients []float64
	intercept    float64
	trained      bool

	learningRate float64
	epochs       int
	rng          *rand.Rand
}

// TimeSeriesState is the serializable form of a fitted autoregression.
type TimeSeriesState struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	Order        int       `json:"order"`
}

func NewTimeSeriesModel(order int, rng *rand.Rand) *TimeSeriesModel {
	if order < 1 {
		order = 3
	}
	return &TimeSeriesModel{
		order:        order,
		learningRate: 0.05,
		epochs:       100,
		rng:          rng,
	}
}

// Train fits lag coefficients against one-step-ahead values. Series no
// longer than the order (or with non-finite values) leave the model
// untrained. The descent step is normalized by the mean squared lag
// magnitude so convergence does not depend on the series scale.
func (m *TimeSeriesModel) Train(series []float64) {
	p := m.order
	if len(series) <= p {
		return
	}
	for _, v := range series {
		if !isFinite(v) {
			return
		}
	}

	mean := stat.Mean(series, nil)

	rows := len(series) - p
	var sumSq float64
	for _, v := range series {
		sumSq += v * v
	}
	lr := m.learningRate / (1 + sumSq/float64(len(series)))

	coefs := make([]float64, p)
	for j := range coefs {
		coefs[j] = (m.rng.Float64()*2 - 1) * 0.01
	}

	grad := make([]float64, p)
	for epoch := 0; epoch < m.epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		for t := p; t < len(series); t++ {
			pred := mean
			for j := 0; j < p; j++ {
				pred += coefs[j] * series[t-j-1]
			}
			err := pred - series[t]
			for j := 0; j < p; j++ {
				grad[j] += err * series[t-j-1]
			}
		}
		for j := range coefs {
			coefs[j] -= lr * grad[j] / float64(rows)
		}
	}

	for _, c := range coefs {
		if !isFinite(c) {
			return
		}
	}

	m.coefficients = coefs
	m.intercept = mean
	m.trained = true
}

// Forecast rolls the fitted equation forward, feeding each prediction back
// in as a lag. An untrained model (or a series shorter than the order)
// forecasts the mean of the given series at every step, zero when empty.
func (m *TimeSeriesModel) Forecast(series []float64, horizon int) []float64 {
	if horizon <= 0 {
		return nil
	}
	out := make([]float64, 0, horizon)

	if !m.trained || len(series) < m.order {
		mean := 0.0
		if len(series) > 0 {
			mean = stat.Mean(series, nil)
		}
		for i := 0; i < horizon; i++ {
			out = append(out, mean)
		}
		return out
	}

	work := append([]float64(nil), series...)
	for i := 0; i < horizon; i++ {
		pred := m.intercept
		for j := 0; j < m.order; j++ {
			pred += m.coefficients[j] * work[len(work)-j-1]
		}
		if !isFinite(pred) {
			pred = m.intercept
		}
		work = append(work, pred)
		out = append(out, pred)
	}
	return out
}

func (m *TimeSeriesModel) Trained() bool { return m.trained }

func (m *TimeSeriesModel) State() TimeSeriesState {
	return TimeSeriesState{
		Coefficients: append([]float64(nil), m.coefficients...),
		Intercept:    m.intercept,
		Order:        m.order,
	}
}

// Restore overwrites the model with persisted state; an order mismatch or
// empty coefficients leave it untrained.
func (m *TimeSeriesModel) Restore(st TimeSeriesState) {
	if len(st.Coefficients) == 0 || st.Order != len(st.Coefficients) {
		return
	}
	m.order = st.Order
	m.coefficients = append([]float64(nil), st.Coefficients...)
	m.intercept = st.Intercept
	m.trained = true
}
