package dataset

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	fgerrors "github.com/fedgen/fedgen/model/errors"
)

const sampleCSV = `patient_id,age,variant_brca1,variant_tp53,variant_apoe4,bmi,diagnosis_cancer
US-0001,50,0,0,1,27.5,0
US-0002,61,1,0,0,31.2,1
US-0003,44,0,1,0,22.0,0
`

func TestReadCSV(t *testing.T) {
	ds, err := ReadCSV(context.Background(), strings.NewReader(sampleCSV), FeatureColumns, LabelColumn)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	require.Equal(t, 5, ds.Width())
	require.Equal(t, []float64{61, 1, 0, 0, 31.2}, ds.Features[1])
	require.Equal(t, []float64{0, 1, 0}, ds.Labels)
}

func TestReadCSVErrors(t *testing.T) {
	ctx := context.Background()

	_, err := ReadCSV(ctx, strings.NewReader("age,bmi\n1,2\n"), FeatureColumns, LabelColumn)
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))

	header := "age,variant_brca1,variant_tp53,variant_apoe4,bmi,diagnosis_cancer\n"
	_, err = ReadCSV(ctx, strings.NewReader(header), FeatureColumns, LabelColumn)
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput), "header only is an empty set")

	_, err = ReadCSV(ctx, strings.NewReader(header+"50,x,0,0,20,1\n"), FeatureColumns, LabelColumn)
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))

	_, err = ReadCSV(ctx, strings.NewReader(header+"50,0,0,0,20,3\n"), FeatureColumns, LabelColumn)
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput), "labels must be binary")
}

func TestCSVSourceFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data_us.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0600))

	ds, err := NewCSVSource(path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())

	_, err = NewCSVSource(filepath.Join(t.TempDir(), "missing.csv")).Load(context.Background())
	require.Error(t, err)
}

func TestValidateWidth(t *testing.T) {
	ds := &Dataset{Features: [][]float64{{1, 2}, {1}}, Labels: []float64{0, 1}}
	require.True(t, errors.Is(ds.Validate(), fgerrors.ErrDimensionMismatch))
	require.True(t, errors.Is((&Dataset{}).Validate(), fgerrors.ErrInvalidInput))
}

func TestHead(t *testing.T) {
	ds := &Dataset{Features: [][]float64{{1}, {2}, {3}}, Labels: []float64{0, 1, 0}}
	require.Equal(t, 2, ds.Head(2).Len())
	require.Same(t, ds, ds.Head(0))
	require.Same(t, ds, ds.Head(10))
}

func TestNormalizeZScore(t *testing.T) {
	ds := &Dataset{
		Columns:  []string{"age", "bmi"},
		Features: [][]float64{{40, 20}, {60, 30}},
		Labels:   []float64{0, 1},
	}
	out, err := Normalize(ds, ZScore)
	require.NoError(t, err)
	require.InDelta(t, -1, out.Features[0][0], 1e-6)
	require.InDelta(t, 1, out.Features[1][1], 1e-6)
	// input untouched
	require.Equal(t, 40.0, ds.Features[0][0])

	constant := &Dataset{Features: [][]float64{{5}, {5}}, Labels: []float64{0, 1}}
	out, err = Normalize(constant, ZScore)
	require.NoError(t, err)
	require.False(t, math.IsNaN(out.Features[0][0]))
	require.Equal(t, 0.0, out.Features[0][0])
}

func TestNormalizeScale(t *testing.T) {
	ds := &Dataset{
		Columns:  FeatureColumns,
		Features: [][]float64{{50, 1, 0, 2, 25}},
		Labels:   []float64{1},
	}
	out, err := Normalize(ds, Scale)
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 1, 0, 2, 0.5}, out.Features[0])

	_, err = ParseNormalization("minmax")
	require.Error(t, err)
	mode, err := ParseNormalization("")
	require.NoError(t, err)
	require.Equal(t, ZScore, mode)
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(USProfile, 200, 42)
	require.NoError(t, err)
	b, err := Generate(USProfile, 200, 42)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Generate(EUProfile, 200, 123)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
	require.Equal(t, "EU-0001", c[0].ID)

	for _, p := range a {
		require.GreaterOrEqual(t, p.Age, 25)
		require.LessOrEqual(t, p.Age, 80)
		require.GreaterOrEqual(t, p.BMI, 18.5)
		require.LessOrEqual(t, p.BMI, 45.0)
		require.Contains(t, []int{0, 1, 2}, p.BRCA1)
	}

	_, err = Generate(USProfile, 0, 1)
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))
}

func TestWriteCSVRoundTrip(t *testing.T) {
	patients, err := Generate(EUProfile, 50, 7)
	require.NoError(t, err)

	var buff bytes.Buffer
	require.NoError(t, WriteCSV(&buff, patients))
	require.True(t, strings.HasPrefix(buff.String(),
		"patient_id,age,variant_brca1,variant_tp53,variant_apoe4,bmi,diagnosis_cancer\n"))

	ds, err := ReadCSV(context.Background(), &buff, FeatureColumns, LabelColumn)
	require.NoError(t, err)
	require.Equal(t, ToDataset(patients).Features, ds.Features)
	require.Equal(t, ToDataset(patients).Labels, ds.Labels)
}

func TestSyntheticSource(t *testing.T) {
	src := &SyntheticSource{Profile: ProfileFor("us"), Samples: 10, Seed: 42}
	ds, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, ds.Len())

	mem := &MemorySource{Data: ds}
	cp, err := mem.Load(context.Background())
	require.NoError(t, err)
	cp.Features[0][0] = -1
	require.NotEqual(t, -1.0, ds.Features[0][0])
}
