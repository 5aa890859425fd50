// Package anomaly flags outliers in scalar series. The primary strategy is
// an isolation-forest ensemble over derived point features; a z-score rule
// serves as the fallback whenever the ensemble cannot be built.
package anomaly

import (
	"fmt"
	"math"
	rand "math/rand/v2"
	"runtime"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

const (
	MethodIsolationForest = "isolation_forest"
	MethodZScore          = "zscore"
)

// minForestSamples is the point count below which the ensemble is skipped
// outright in favor of the z-score rule.
const minForestSamples = 8

// maxSubsample bounds the per-tree sample, standard isolation-forest
// practice.
const maxSubsample = 256

// Options tune a detection pass. Zero values take defaults.
type Options struct {
	Contamination float64 `json:"contamination"` // expected anomaly fraction, default 0.1
	Estimators    int     `json:"estimators"`    // trees in the ensemble, default 100
	ZThreshold    float64 `json:"zThreshold"`    // fallback |z| cutoff, default 2.5
	Seed          uint64  `json:"seed"`          // tree rng seed, 0 keeps runs deterministic too
}

func (o Options) withDefaults() Options {
	if o.Contamination <= 0 || o.Contamination > 0.5 {
		o.Contamination = 0.1
	}
	if o.Estimators <= 0 {
		o.Estimators = 100
	}
	if o.ZThreshold <= 0 {
		o.ZThreshold = 2.5
	}
	return o
}

// Point is one flagged value. Both strategies emit the same shape so
// callers never branch on the method. Results carry only anomalies, so
// IsAnomaly is always true; it stays in the shape for consumers that
// persist or merge points from sources that report clean ones too.
type Point struct {
	Index     int     `json:"index"`
	Value     float64 `json:"value"`
	Score     float64 `json:"anomalyScore"`
	IsAnomaly bool    `json:"isAnomaly"`
	Method    string  `json:"method"`
	Threshold float64 `json:"threshold"`
}

// Detector runs detection passes with fixed options. It never errors: any
// ensemble failure downgrades to the z-score rule, and the worst case is an
// empty result.
type Detector struct {
	opts Options
	log  *zap.SugaredLogger
}

func NewDetector(opts Options, log *zap.SugaredLogger) *Detector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Detector{opts: opts.withDefaults(), log: log}
}

// Detect flags anomalous points in the series. Roughly a contamination
// fraction of points comes back when the ensemble runs; a constant series
// always comes back clean.
func (d *Detector) Detect(values []float64) []Point {
	if len(values) == 0 {
		return nil
	}
	if constant(values) {
		return nil
	}

	if len(values) >= minForestSamples {
		points, err := d.detectForest(values)
		if err == nil {
			return points
		}
		d.log.Warnw("isolation forest unavailable, falling back to z-score", "error", err)
	}
	return d.detectZScore(values)
}

// detectForest scores every point by ensemble path length. Failures inside
// tree construction surface as errors, never panics.
func (d *Detector) detectForest(values []float64) (points []Point, err error) {
	defer func() {
		if r := recover(); r != nil {
			points, err = nil, fmt.Errorf("isolation forest panic: %v", r)
		}
	}()

	rows := deriveFeatures(values)
	n := len(rows)
	sample := n
	if sample > maxSubsample {
		sample = maxSubsample
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample)))) + 1

	trees := make([]*isoNode, d.opts.Estimators)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := range trees {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("tree build panic: %v", r)
				}
			}()
			rng := rand.New(rand.NewPCG(d.opts.Seed, uint64(t)+1))
			idx := rng.Perm(n)[:sample]
			trees[t] = buildIsoTree(rows, idx, 0, maxDepth, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	norm := cFactor(sample)
	if norm <= 0 {
		return nil, fmt.Errorf("degenerate subsample size %d", sample)
	}

	scores := make([]float64, n)
	for i, row := range rows {
		var total float64
		for _, tree := range trees {
			total += pathLength(tree, row, 0)
		}
		avg := total / float64(len(trees))
		scores[i] = math.Exp2(-avg / norm)
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(1-d.opts.Contamination, stat.Empirical, sorted, nil)
	if math.IsNaN(threshold) {
		return nil, fmt.Errorf("degenerate score distribution")
	}

	for i, s := range scores {
		if s > threshold {
			points = append(points, Point{
				Index:     i,
				Value:     values[i],
				Score:     s,
				IsAnomaly: true,
				Method:    MethodIsolationForest,
				Threshold: threshold,
			})
		}
	}
	return points, nil
}

// detectZScore flags |z| above the threshold. Zero variance means no
// anomalies by definition.
func (d *Detector) detectZScore(values []float64) []Point {
	mean := stat.Mean(values, nil)
	std := math.Sqrt(stat.MomentAbout(2, values, mean, nil))
	if std == 0 || math.IsNaN(std) {
		return nil
	}

	var points []Point
	for i, v := range values {
		z := math.Abs(stat.StdScore(v, mean, std))
		if z > d.opts.ZThreshold {
			points = append(points, Point{
				Index:     i,
				Value:     v,
				Score:     z,
				IsAnomaly: true,
				Method:    MethodZScore,
				Threshold: d.opts.ZThreshold,
			})
		}
	}
	return points
}

// deriveFeatures maps each point to (value, normalized position, deviation
// from a trailing window mean) so the forest sees level, drift, and local
// spikes.
func deriveFeatures(values []float64) [][]float64 {
	const window = 5
	n := len(values)
	rows := make([][]float64, n)
	var windowSum float64
	for i, v := range values {
		windowSum += v
		width := window
		if i+1 < window {
			width = i + 1
		} else if i >= window {
			windowSum -= values[i-window]
		}
		rolling := windowSum / float64(width)
		rows[i] = []float64{v, float64(i) / float64(n), v - rolling}
	}
	return rows
}

// isoNode is one node of an isolation tree. Leaves keep their population
// size so truncated paths extend by the expected remaining depth.
type isoNode struct {
	dim   int
	split float64
	left  *isoNode
	right *isoNode
	size  int
}

func buildIsoTree(rows [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(idx) <= 1 {
		return &isoNode{size: len(idx)}
	}

	dims := len(rows[0])
	// Pick a random dimension with spread; a fully degenerate region
	// becomes a leaf.
	order := rng.Perm(dims)
	dim := -1
	var lo, hi float64
	for _, d := range order {
		lo, hi = rows[idx[0]][d], rows[idx[0]][d]
		for _, i := range idx[1:] {
			v := rows[i][d]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi > lo {
			dim = d
			break
		}
	}
	if dim < 0 {
		return &isoNode{size: len(idx)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right []int
	for _, i := range idx {
		if rows[i][dim] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(idx)}
	}

	return &isoNode{
		dim:   dim,
		split: split,
		left:  buildIsoTree(rows, left, depth+1, maxDepth, rng),
		right: buildIsoTree(rows, right, depth+1, maxDepth, rng),
		size:  len(idx),
	}
}

func pathLength(node *isoNode, row []float64, depth int) float64 {
	if node.left == nil {
		return float64(depth) + cFactor(node.size)
	}
	if row[node.dim] < node.split {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

func constant(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

// cFactor is the expected path length of an unsuccessful BST search over n
// points, the standard isolation-forest normalizer.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
