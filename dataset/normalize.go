package dataset

import (
	"fmt"
	"math"

	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// Normalization selects how a node rescales its features before training.
type Normalization string

const (
	// ZScore standardizes every column with the node's own mean and deviation.
	ZScore Normalization = "zscore"
	// Scale divides age by 100 and bmi by 50 and leaves dosages untouched.
	Scale Normalization = "scale"
	// None keeps raw values.
	None Normalization = "none"
)

const zscoreEpsilon = 1e-8

var scaleDivisors = map[string]float64{"age": 100, "bmi": 50}

// ParseNormalization maps a mode name to its Normalization. The empty string
// is ZScore.
func ParseNormalization(s string) (Normalization, error) {
	switch Normalization(s) {
	case "", ZScore:
		return ZScore, nil
	case Scale:
		return Scale, nil
	case None:
		return None, nil
	}
	return "", fmt.Errorf("%w: unknown normalization %q", fgerrors.ErrInvalidInput, s)
}

// Normalize returns a rescaled copy of d. Statistics are computed over d only
// so no information leaves the node.
func Normalize(d *Dataset, mode Normalization) (*Dataset, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	out := d.Copy()
	switch mode {
	case None:
	case Scale:
		for j, name := range out.Columns {
			div, ok := scaleDivisors[name]
			if !ok {
				continue
			}
			for _, row := range out.Features {
				row[j] /= div
			}
		}
	case ZScore, "":
		means, stds := ColumnStats(out)
		for _, row := range out.Features {
			for j := range row {
				row[j] = (row[j] - means[j]) / (stds[j] + zscoreEpsilon)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown normalization %q", fgerrors.ErrInvalidInput, mode)
	}
	return out, nil
}

// ColumnStats returns the per column mean and population standard deviation.
func ColumnStats(d *Dataset) (means, stds []float64) {
	width := d.Width()
	means = make([]float64, width)
	stds = make([]float64, width)
	n := float64(d.Len())
	if n == 0 {
		return means, stds
	}
	for _, row := range d.Features {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= n
	}
	for _, row := range d.Features {
		for j, v := range row {
			diff := v - means[j]
			stds[j] += diff * diff
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / n)
	}
	return means, stds
}
