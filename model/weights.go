// Package model holds the values exchanged between the hub and the nodes of a
// federated logistic regression session.
package model

import (
	"fmt"
	"math"

	json "github.com/nikkolasg/hexjson"

	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// Weights is the parameter set of a single layer logistic regression: one
// coefficient per feature plus a bias. On the wire it is the pair
// [coefficients, bias].
type Weights struct {
	Coefficients []float64
	Bias         float64
}

// NewWeights returns weights of the given width with every coefficient set to
// init and a zero bias.
func NewWeights(features int, init float64) Weights {
	coeffs := make([]float64, features)
	for i := range coeffs {
		coeffs[i] = init
	}
	return Weights{Coefficients: coeffs}
}

// Dim is the number of coefficients.
func (w Weights) Dim() int {
	return len(w.Coefficients)
}

// Copy returns a deep copy of w.
func (w Weights) Copy() Weights {
	coeffs := make([]float64, len(w.Coefficients))
	copy(coeffs, w.Coefficients)
	return Weights{Coefficients: coeffs, Bias: w.Bias}
}

// Equal compares coefficients and bias exactly.
func (w Weights) Equal(o Weights) bool {
	if len(w.Coefficients) != len(o.Coefficients) || w.Bias != o.Bias {
		return false
	}
	for i := range w.Coefficients {
		if w.Coefficients[i] != o.Coefficients[i] {
			return false
		}
	}
	return true
}

// Validate rejects empty and non finite weights.
func (w Weights) Validate() error {
	if len(w.Coefficients) == 0 {
		return fmt.Errorf("%w: weights without coefficients", fgerrors.ErrInvalidInput)
	}
	for i, c := range w.Coefficients {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: coefficient %d is not finite", fgerrors.ErrInvalidInput, i)
		}
	}
	if math.IsNaN(w.Bias) || math.IsInf(w.Bias, 0) {
		return fmt.Errorf("%w: bias is not finite", fgerrors.ErrInvalidInput)
	}
	return nil
}

func (w Weights) String() string {
	return fmt.Sprintf("%v (bias %.6f)", w.Coefficients, w.Bias)
}

// MarshalJSON encodes w as [coefficients, bias].
func (w Weights) MarshalJSON() ([]byte, error) {
	coeffs := w.Coefficients
	if coeffs == nil {
		coeffs = []float64{}
	}
	return json.Marshal([]interface{}{coeffs, w.Bias})
}

// UnmarshalJSON decodes the [coefficients, bias] pair.
func (w *Weights) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: weights must be a [coefficients, bias] pair, got %d elements",
			fgerrors.ErrInvalidInput, len(pair))
	}
	var coeffs []float64
	if err := json.Unmarshal(pair[0], &coeffs); err != nil {
		return fmt.Errorf("decoding coefficients: %w", err)
	}
	var bias float64
	if err := json.Unmarshal(pair[1], &bias); err != nil {
		return fmt.Errorf("decoding bias: %w", err)
	}
	w.Coefficients = coeffs
	w.Bias = bias
	return nil
}
