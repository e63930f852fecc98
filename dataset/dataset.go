// Package dataset loads the local tabular data of a node as numeric feature
// vectors with binary labels.
package dataset

import (
	"context"
	"fmt"

	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// LabelColumn is the binary outcome column.
const LabelColumn = "diagnosis_cancer"

// FeatureColumns is the fixed feature layout of the genomic federation, in
// vector order.
var FeatureColumns = []string{"age", "variant_brca1", "variant_tp53", "variant_apoe4", "bmi"}

// Dataset is a node's training set. Row i is Features[i] with label Labels[i].
type Dataset struct {
	Columns  []string
	Features [][]float64
	Labels   []float64
}

// Source produces a node's dataset.
type Source interface {
	Load(ctx context.Context) (*Dataset, error)
}

// Len is the number of rows.
func (d *Dataset) Len() int {
	return len(d.Features)
}

// Width is the number of features per row, or 0 for an empty dataset.
func (d *Dataset) Width() int {
	if len(d.Features) == 0 {
		return len(d.Columns)
	}
	return len(d.Features[0])
}

// Validate checks the rows are non empty, of constant width and binary
// labelled.
func (d *Dataset) Validate() error {
	if d.Len() == 0 {
		return fmt.Errorf("%w: empty dataset", fgerrors.ErrInvalidInput)
	}
	if len(d.Labels) != len(d.Features) {
		return fmt.Errorf("%w: %d rows but %d labels", fgerrors.ErrInvalidInput, len(d.Features), len(d.Labels))
	}
	width := len(d.Features[0])
	for i, row := range d.Features {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, expected %d",
				fgerrors.ErrDimensionMismatch, i, len(row), width)
		}
		if y := d.Labels[i]; y != 0 && y != 1 {
			return fmt.Errorf("%w: row %d label %v is not binary", fgerrors.ErrInvalidInput, i, y)
		}
	}
	return nil
}

// Head returns a dataset sharing the first n rows of d. It returns d itself
// when n is zero or covers every row.
func (d *Dataset) Head(n int) *Dataset {
	if n <= 0 || n >= d.Len() {
		return d
	}
	return &Dataset{Columns: d.Columns, Features: d.Features[:n], Labels: d.Labels[:n]}
}

// Copy returns a deep copy of d.
func (d *Dataset) Copy() *Dataset {
	features := make([][]float64, len(d.Features))
	for i, row := range d.Features {
		features[i] = append([]float64(nil), row...)
	}
	return &Dataset{
		Columns:  append([]string(nil), d.Columns...),
		Features: features,
		Labels:   append([]float64(nil), d.Labels...),
	}
}

// MemorySource serves an in-memory dataset.
type MemorySource struct {
	Data *Dataset
}

// Load returns a copy of the held dataset.
func (m *MemorySource) Load(ctx context.Context) (*Dataset, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if m.Data == nil {
		return nil, fmt.Errorf("%w: memory source without data", fgerrors.ErrInvalidInput)
	}
	return m.Data.Copy(), nil
}
