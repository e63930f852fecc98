// Package trainer runs the local logistic regression pass of a node.
package trainer

import (
	"fmt"
	"math"

	"github.com/fedgen/fedgen/dataset"
	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// sigmoid inputs are clamped to this magnitude before exponentiation.
const maxLogit = 500

const lossEpsilon = 1e-8

// Sigmoid is the logistic function with its argument clamped to [-500, 500].
func Sigmoid(z float64) float64 {
	if z > maxLogit {
		z = maxLogit
	} else if z < -maxLogit {
		z = -maxLogit
	}
	return 1 / (1 + math.Exp(-z))
}

// Predict returns the positive class probability of x under w.
func Predict(w model.Weights, x []float64) float64 {
	z := w.Bias
	for j, c := range w.Coefficients {
		z += c * x[j]
	}
	return Sigmoid(z)
}

// Result is the outcome of a local pass.
type Result struct {
	Weights model.Weights
	// Samples is the number of examples that contributed to the pass.
	Samples int
}

// Train runs params.Epochs passes of per example gradient steps over the
// leading params.BatchCap rows of ds, in row order, starting from w. Neither w
// nor ds are modified.
func Train(w model.Weights, ds *dataset.Dataset, params model.TrainingParams) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("%w: empty training set", fgerrors.ErrInvalidInput)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if ds.Width() != w.Dim() {
		return nil, fmt.Errorf("%w: %d features but %d coefficients",
			fgerrors.ErrDimensionMismatch, ds.Width(), w.Dim())
	}

	batch := ds.Head(params.BatchCap)
	out := w.Copy()
	lr := params.LearningRate
	for epoch := 0; epoch < params.Epochs; epoch++ {
		for i, x := range batch.Features {
			// y - p is the negative log-loss gradient with respect to z
			e := batch.Labels[i] - Predict(out, x)
			for j := range out.Coefficients {
				out.Coefficients[j] += lr * e * x[j]
			}
			out.Bias += lr * e
		}
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("training diverged: %w", err)
	}
	return &Result{Weights: out, Samples: batch.Len()}, nil
}

// Metrics summarizes how well a model fits a dataset.
type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Evaluate returns the mean log-loss and the accuracy at a 0.5 threshold.
func Evaluate(w model.Weights, ds *dataset.Dataset) (Metrics, error) {
	if ds == nil || ds.Len() == 0 {
		return Metrics{}, fmt.Errorf("%w: empty evaluation set", fgerrors.ErrInvalidInput)
	}
	if ds.Width() != w.Dim() {
		return Metrics{}, fmt.Errorf("%w: %d features but %d coefficients",
			fgerrors.ErrDimensionMismatch, ds.Width(), w.Dim())
	}
	var loss float64
	var correct int
	for i, x := range ds.Features {
		p := Predict(w, x)
		y := ds.Labels[i]
		loss -= y*math.Log(p+lossEpsilon) + (1-y)*math.Log(1-p+lossEpsilon)
		if (p >= 0.5) == (y == 1) {
			correct++
		}
	}
	n := float64(ds.Len())
	return Metrics{Loss: loss / n, Accuracy: float64(correct) / n}, nil
}
