package features

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes feature vectors to zero mean and unit variance per
// dimension. An unfitted scaler passes vectors through unchanged, which
// keeps cold-start predictions well defined.
type Scaler struct {
	means  []float64
	stds   []float64
	fitted bool
}

// ScalerState is the serializable form of a Scaler.
type ScalerState struct {
	Means  []float64 `json:"means"`
	Stds   []float64 `json:"stds"`
	Fitted bool      `json:"fitted"`
}

func NewScaler() *Scaler {
	return &Scaler{}
}

// Fit recomputes means and stds from scratch over the given rows. Rows must
// share a width; empty or ragged input leaves the scaler unchanged. A
// zero-variance dimension gets std 1 so transforms never divide by zero.
func (s *Scaler) Fit(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	width := len(rows[0])
	if width == 0 {
		return
	}
	for _, r := range rows {
		if len(r) != width {
			return
		}
	}

	means := make([]float64, width)
	stds := make([]float64, width)
	col := make([]float64, len(rows))
	for d := 0; d < width; d++ {
		for i, r := range rows {
			col[i] = r[d]
		}
		m := stat.Mean(col, nil)
		sd := math.Sqrt(stat.MomentAbout(2, col, m, nil))
		if sd == 0 || math.IsNaN(sd) {
			sd = 1
		}
		means[d] = m
		stds[d] = sd
	}

	s.means = means
	s.stds = stds
	s.fitted = true
}

// Transform standardizes a single vector. Components beyond the fitted
// width pass through unchanged.
func (s *Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	if !s.fitted {
		return out
	}
	for d := range out {
		if d < len(s.means) {
			out[d] = (out[d] - s.means[d]) / s.stds[d]
		}
	}
	return out
}

// TransformAll standardizes every row.
func (s *Scaler) TransformAll(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = s.Transform(r)
	}
	return out
}

// Inverse undoes a Transform, recovering the original vector within float
// tolerance.
func (s *Scaler) Inverse(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	if !s.fitted {
		return out
	}
	for d := range out {
		if d < len(s.means) {
			out[d] = out[d]*s.stds[d] + s.means[d]
		}
	}
	return out
}

func (s *Scaler) Fitted() bool {
	return s.fitted
}

// State snapshots the scaler for persistence.
func (s *Scaler) State() ScalerState {
	return ScalerState{
		Means:  append([]float64(nil), s.means...),
		Stds:   append([]float64(nil), s.stds...),
		Fitted: s.fitted,
	}
}

// RestoreScaler rebuilds a scaler from persisted state. Inconsistent state
// (mismatched lengths, zero stds) yields an unfitted scaler.
func RestoreScaler(st ScalerState) *Scaler {
	if !st.Fitted || len(st.Means) == 0 || len(st.Means) != len(st.Stds) {
		return &Scaler{}
	}
	for _, sd := range st.Stds {
		if sd == 0 || math.IsNaN(sd) {
			return &Scaler{}
		}
	}
	return &Scaler{
		means:  append([]float64(nil), st.Means...),
		stds:   append([]float64(nil), st.Stds...),
		fitted: true,
	}
}
