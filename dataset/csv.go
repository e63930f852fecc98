package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// CSVSource reads a headed CSV file. Columns not listed in Features or Label
// (such as patient ids) are ignored.
type CSVSource struct {
	Path     string
	Features []string
	Label    string
}

// NewCSVSource returns a source reading the genomic layout from path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{Path: path, Features: FeatureColumns, Label: LabelColumn}
}

// Load reads and parses the whole file.
func (c *CSVSource) Load(ctx context.Context) (*Dataset, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("opening data source: %w", err)
	}
	defer f.Close()
	ds, err := ReadCSV(ctx, f, c.Features, c.Label)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.Path, err)
	}
	return ds, nil
}

// ReadCSV parses rows from r selecting the named feature and label columns.
func ReadCSV(ctx context.Context, r io.Reader, features []string, label string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", fgerrors.ErrInvalidInput, err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	cols := make([]int, len(features))
	for i, name := range features {
		idx, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", fgerrors.ErrInvalidInput, name)
		}
		cols[i] = idx
	}
	labelIdx, ok := index[label]
	if !ok {
		return nil, fmt.Errorf("%w: missing label column %q", fgerrors.ErrInvalidInput, label)
	}

	ds := &Dataset{Columns: append([]string(nil), features...)}
	for line := 2; ; line++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", fgerrors.ErrInvalidInput, line, err)
		}
		row := make([]float64, len(cols))
		for i, idx := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %q: %v", fgerrors.ErrInvalidInput, line, features[i], err)
			}
			row[i] = v
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(record[labelIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d label: %v", fgerrors.ErrInvalidInput, line, err)
		}
		ds.Features = append(ds.Features, row)
		ds.Labels = append(ds.Labels, y)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
