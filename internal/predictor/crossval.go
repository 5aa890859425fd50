package predictor

import (
	rand "math/rand/v2"

	"gonum.org/v1/gonum/stat"
)

// ModelKind selects the scoring rule for cross validation.
type ModelKind int

const (
	Regression ModelKind = iota
	Classification
)

// Report aggregates fold scores. For classification the error terms are
// computed on raw probabilities and Accuracy uses a 0.5 threshold; for
// regression Accuracy stays zero.
type Report struct {
	Folds    int     `json:"folds"`
	MSE      float64 `json:"mse"`
	MAE      float64 `json:"mae"`
	R2       float64 `json:"r2"`
	Accuracy float64 `json:"accuracy"`
}

// CrossValidate runs k-fold validation with k = min(folds, n). Indices are
// shuffled once, split into contiguous folds, and each fold is scored
// against a fresh model trained on its complement.
//
// R2 is fold-local: each fold's score uses that fold's own target variance,
// and a zero-variance fold scores R2 = 0. Small folds therefore pull R2
// down even when absolute errors are low; readers comparing against a
// global holdout should keep that in mind.
func CrossValidate(kind ModelKind, features [][]float64, targets []float64, folds int, rng *rand.Rand, factory func() Regressor) Report {
	n := len(features)
	if n == 0 || n != len(targets) || factory == nil {
		return Report{}
	}
	k := folds
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	perm := rng.Perm(n)

	var sumMSE, sumMAE, sumR2, sumAcc float64
	for f := 0; f < k; f++ {
		lo, hi := f*n/k, (f+1)*n/k
		test := perm[lo:hi]
		if len(test) == 0 {
			continue
		}

		trainF := make([][]float64, 0, n-len(test))
		trainY := make([]float64, 0, n-len(test))
		for i, idx := range perm {
			if i >= lo && i < hi {
				continue
			}
			trainF = append(trainF, features[idx])
			trainY = append(trainY, targets[idx])
		}

		model := factory()
		model.Train(trainF, trainY)

		foldY := make([]float64, len(test))
		preds := make([]float64, len(test))
		for j, idx := range test {
			foldY[j] = targets[idx]
			preds[j] = model.Predict(features[idx])
		}

		var ssRes, absErr float64
		correct := 0
		for j := range foldY {
			diff := preds[j] - foldY[j]
			ssRes += diff * diff
			if diff < 0 {
				absErr -= diff
			} else {
				absErr += diff
			}
			if (preds[j] > 0.5) == (foldY[j] > 0.5) {
				correct++
			}
		}

		m := float64(len(test))
		sumMSE += ssRes / m
		sumMAE += absErr / m

		mean := stat.Mean(foldY, nil)
		var ssTot float64
		for _, y := range foldY {
			d := y - mean
			ssTot += d * d
		}
		if ssTot > 0 {
			sumR2 += 1 - ssRes/ssTot
		}

		if kind == Classification {
			sumAcc += float64(correct) / m
		}
	}

	kf := float64(k)
	return Report{
		Folds:    k,
		MSE:      sumMSE / kf,
		MAE:      sumMAE / kf,
		R2:       sumR2 / kf,
		Accuracy: sumAcc / kf,
	}
}
