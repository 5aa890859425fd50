package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	rand "math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// recurrentNet is the native sequence backend: stacked Elman layers with
// tanh units, inter-layer dropout during training, and a linear head on the
// final hidden state. Inputs and targets are standardized internally so the
// net trains on z-scores regardless of duration magnitude.
type recurrentNet struct {
	hidden       []int
	epochs       int
	learningRate float64
	dropout      float64
	rng          *rand.Rand

	layers []rnnLayer
	wo     []float64
	bo     float64

	mean    float64
	std     float64
	trained bool
}

type rnnLayer struct {
	in   int
	size int
	wx   [][]float64
	wh   [][]float64
	b    []float64
}

const rnnGradClip = 5.0

func newRecurrentNet(hidden []int, epochs int, learningRate, dropout float64, rng *rand.Rand) *recurrentNet {
	if len(hidden) == 0 {
		hidden = []int{16, 8}
	}
	if epochs <= 0 {
		epochs = 60
	}
	if learningRate <= 0 {
		learningRate = 0.01
	}
	if dropout < 0 || dropout >= 1 {
		dropout = 0.2
	}

	n := &recurrentNet{
		hidden:       hidden,
		epochs:       epochs,
		learningRate: learningRate,
		dropout:      dropout,
		rng:          rng,
		std:          1,
	}

	in := 1
	for _, size := range hidden {
		n.layers = append(n.layers, newRNNLayer(in, size, rng))
		in = size
	}
	n.wo = make([]float64, in)
	scale := math.Sqrt(1 / float64(in))
	for i := range n.wo {
		n.wo[i] = rng.NormFloat64() * scale
	}
	return n
}

func newRNNLayer(in, size int, rng *rand.Rand) rnnLayer {
	l := rnnLayer{in: in, size: size}
	l.wx = randMatrix(size, in, math.Sqrt(1/float64(in)), rng)
	l.wh = randMatrix(size, size, math.Sqrt(1/float64(size)), rng)
	l.b = make([]float64, size)
	return l
}

func randMatrix(rows, cols int, scale float64, rng *rand.Rand) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rng.NormFloat64() * scale
		}
	}
	return m
}

// train fits the net on sliding windows against next-step targets. The
// context is checked every epoch, so a deadline turns into an error and the
// caller treats it as backend failure. A non-finite loss aborts the same
// way.
func (n *recurrentNet) train(ctx context.Context, windows [][]float64, targets []float64) error {
	if len(windows) == 0 || len(windows) != len(targets) {
		return errors.New("rnn: insufficient sequence data")
	}

	n.mean = stat.Mean(targets, nil)
	n.std = math.Sqrt(stat.MomentAbout(2, targets, n.mean, nil))
	if n.std == 0 || math.IsNaN(n.std) {
		n.std = 1
	}

	idx := make([]int, len(windows))
	for i := range idx {
		idx[i] = i
	}

	for epoch := 0; epoch < n.epochs; epoch++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		var loss float64
		for _, i := range idx {
			loss += n.step(windows[i], targets[i])
		}
		if !isFinite(loss) {
			return fmt.Errorf("rnn: training diverged at epoch %d", epoch)
		}
	}

	n.trained = true
	return nil
}

// step runs forward + backpropagation through time for one window and
// applies the clipped gradient immediately. Returns the sample loss.
func (n *recurrentNet) step(window []float64, target float64) float64 {
	T := len(window)
	L := len(n.layers)
	y := (target - n.mean) / n.std

	// Dropout masks on inter-layer inputs, one per layer per sample,
	// shared across timesteps, inverted scaling.
	keep := 1 - n.dropout
	masks := make([][]float64, L)
	for l := 1; l < L; l++ {
		masks[l] = make([]float64, n.layers[l].in)
		for i := range masks[l] {
			if n.rng.Float64() < keep {
				masks[l][i] = 1 / keep
			}
		}
	}

	ins := make([][][]float64, L)
	hs := make([][][]float64, L)
	for l := 0; l < L; l++ {
		ins[l] = make([][]float64, T)
		hs[l] = make([][]float64, T)
	}

	for t := 0; t < T; t++ {
		input := []float64{(window[t] - n.mean) / n.std}
		for l := 0; l < L; l++ {
			layer := &n.layers[l]
			if l > 0 {
				masked := make([]float64, len(input))
				for i := range input {
					masked[i] = input[i] * masks[l][i]
				}
				input = masked
			}
			ins[l][t] = input

			h := make([]float64, layer.size)
			for i := 0; i < layer.size; i++ {
				pre := layer.b[i] + floats.Dot(layer.wx[i], input)
				if t > 0 {
					pre += floats.Dot(layer.wh[i], hs[l][t-1])
				}
				h[i] = math.Tanh(pre)
			}
			hs[l][t] = h
			input = h
		}
	}

	top := hs[L-1][T-1]
	out := n.bo + floats.Dot(n.wo, top)
	dy := out - y
	loss := 0.5 * dy * dy

	gwx := make([][][]float64, L)
	gwh := make([][][]float64, L)
	gb := make([][]float64, L)
	carry := make([][]float64, L)
	dpre := make([][]float64, L)
	for l := 0; l < L; l++ {
		layer := &n.layers[l]
		gwx[l] = zeroMatrix(layer.size, layer.in)
		gwh[l] = zeroMatrix(layer.size, layer.size)
		gb[l] = make([]float64, layer.size)
		carry[l] = make([]float64, layer.size)
		dpre[l] = make([]float64, layer.size)
	}
	gwo := make([]float64, len(n.wo))
	floats.AddScaled(gwo, dy, top)
	gbo := dy

	for t := T - 1; t >= 0; t-- {
		for l := L - 1; l >= 0; l-- {
			layer := &n.layers[l]
			h := hs[l][t]

			dh := make([]float64, layer.size)
			copy(dh, carry[l])
			if l == L-1 && t == T-1 {
				floats.AddScaled(dh, dy, n.wo)
			}
			if l < L-1 {
				above := &n.layers[l+1]
				for i := range dh {
					var sum float64
					for k := 0; k < above.size; k++ {
						sum += above.wx[k][i] * dpre[l+1][k]
					}
					dh[i] += masks[l+1][i] * sum
				}
			}

			for i := range dh {
				dpre[l][i] = dh[i] * (1 - h[i]*h[i])
			}

			for i := 0; i < layer.size; i++ {
				floats.AddScaled(gwx[l][i], dpre[l][i], ins[l][t])
				if t > 0 {
					floats.AddScaled(gwh[l][i], dpre[l][i], hs[l][t-1])
				}
				gb[l][i] += dpre[l][i]
			}

			for j := range carry[l] {
				var sum float64
				for i := 0; i < layer.size; i++ {
					sum += layer.wh[i][j] * dpre[l][i]
				}
				carry[l][j] = sum
			}
		}
	}

	lr := n.learningRate
	for l := 0; l < L; l++ {
		layer := &n.layers[l]
		for i := 0; i < layer.size; i++ {
			applyClipped(layer.wx[i], gwx[l][i], lr)
			applyClipped(layer.wh[i], gwh[l][i], lr)
			layer.b[i] -= lr * clip(gb[l][i])
		}
	}
	applyClipped(n.wo, gwo, lr)
	n.bo -= lr * clip(gbo)

	return loss
}

// predict runs a dropout-free forward pass and denormalizes the output.
func (n *recurrentNet) predict(window []float64) (float64, error) {
	if !n.trained {
		return 0, errors.New("rnn: not trained")
	}
	if len(window) == 0 {
		return 0, errors.New("rnn: empty window")
	}

	L := len(n.layers)
	prev := make([][]float64, L)
	for t := 0; t < len(window); t++ {
		input := []float64{(window[t] - n.mean) / n.std}
		for l := 0; l < L; l++ {
			layer := &n.layers[l]
			h := make([]float64, layer.size)
			for i := 0; i < layer.size; i++ {
				pre := layer.b[i] + floats.Dot(layer.wx[i], input)
				if prev[l] != nil {
					pre += floats.Dot(layer.wh[i], prev[l])
				}
				h[i] = math.Tanh(pre)
			}
			prev[l] = h
			input = h
		}
	}

	out := n.bo + floats.Dot(n.wo, prev[L-1])
	value := n.mean + n.std*out
	if !isFinite(value) {
		return 0, errors.New("rnn: non-finite output")
	}
	return value, nil
}

func zeroMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

func clip(g float64) float64 {
	if g > rnnGradClip {
		return rnnGradClip
	}
	if g < -rnnGradClip {
		return -rnnGradClip
	}
	return g
}

func applyClipped(w, g []float64, lr float64) {
	for i := range w {
		w[i] -= lr * clip(g[i])
	}
}

// rnnState is the JSON artifact stored next to the model bundle.
type rnnState struct {
	Hidden  []int         `json:"hidden"`
	Wx      [][][]float64 `json:"wx"`
	Wh      [][][]float64 `json:"wh"`
	B       [][]float64   `json:"b"`
	Wo      []float64     `json:"wo"`
	Bo      float64       `json:"bo"`
	Mean    float64       `json:"mean"`
	Std     float64       `json:"std"`
	Trained bool          `json:"trained"`
}

func (n *recurrentNet) state() ([]byte, error) {
	st := rnnState{
		Hidden:  n.hidden,
		Wo:      n.wo,
		Bo:      n.bo,
		Mean:    n.mean,
		Std:     n.std,
		Trained: n.trained,
	}
	for _, l := range n.layers {
		st.Wx = append(st.Wx, l.wx)
		st.Wh = append(st.Wh, l.wh)
		st.B = append(st.B, l.b)
	}
	return json.Marshal(st)
}

func (n *recurrentNet) restore(raw []byte) error {
	var st rnnState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("rnn: decode state: %w", err)
	}
	if len(st.Hidden) == 0 || len(st.Wx) != len(st.Hidden) ||
		len(st.Wh) != len(st.Hidden) || len(st.B) != len(st.Hidden) {
		return errors.New("rnn: state shape mismatch")
	}

	layers := make([]rnnLayer, 0, len(st.Hidden))
	in := 1
	for i, size := range st.Hidden {
		if len(st.Wx[i]) != size || len(st.Wh[i]) != size || len(st.B[i]) != size {
			return errors.New("rnn: layer shape mismatch")
		}
		for _, row := range st.Wx[i] {
			if len(row) != in {
				return errors.New("rnn: layer shape mismatch")
			}
		}
		layers = append(layers, rnnLayer{in: in, size: size, wx: st.Wx[i], wh: st.Wh[i], b: st.B[i]})
		in = size
	}
	if len(st.Wo) != in {
		return errors.New("rnn: output shape mismatch")
	}

	n.hidden = st.Hidden
	n.layers = layers
	n.wo = st.Wo
	n.bo = st.Bo
	n.mean = st.Mean
	n.std = st.Std
	if n.std == 0 {
		n.std = 1
	}
	n.trained = st.Trained
	return nil
}
