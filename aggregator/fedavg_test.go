package aggregator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
)

func update(id string, n int, bias float64, coeffs ...float64) *model.Update {
	return &model.Update{
		NodeID:   id,
		Weights:  model.Weights{Coefficients: coeffs, Bias: bias},
		NSamples: n,
	}
}

func TestFedAvgWeightedBySamples(t *testing.T) {
	us := update("us", 700, 0.1, 0.5, 0, 0, 0, 0)
	eu := update("eu", 300, 0.3, 0.1, 0, 0, 0, 0)

	g, err := NewFedAvg().Aggregate(1, []*model.Update{us, eu})
	require.NoError(t, err)
	require.Equal(t, uint64(1), g.Round)
	require.InDelta(t, 0.38, g.Weights.Coefficients[0], 1e-12)
	for _, c := range g.Weights.Coefficients[1:] {
		require.Equal(t, 0.0, c)
	}
	require.InDelta(t, 0.16, g.Weights.Bias, 1e-12)
	require.Equal(t, 1000, g.TotalSamples)
	require.Equal(t, []string{"eu", "us"}, g.Nodes)
	require.NoError(t, g.Verify())
}

func TestFedAvgOrderIndependent(t *testing.T) {
	a := update("a", 123, 0.7, 0.11, -0.3)
	b := update("b", 456, -0.2, 0.93, 0.01)
	c := update("c", 789, 0.05, -0.4, 0.77)

	f := NewFedAvg()
	g1, err := f.Aggregate(2, []*model.Update{a, b, c})
	require.NoError(t, err)
	g2, err := f.Aggregate(2, []*model.Update{c, a, b})
	require.NoError(t, err)
	require.True(t, g1.Weights.Equal(g2.Weights))
	require.Equal(t, g1.Digest, g2.Digest)
}

func TestFedAvgSingleUpdate(t *testing.T) {
	only := update("sg", 42, 0.25, 0.1, 0.2)
	g, err := NewFedAvg().Aggregate(1, []*model.Update{only})
	require.NoError(t, err)
	require.True(t, only.Weights.Equal(g.Weights))
	require.Equal(t, 42, g.TotalSamples)

	// the result does not alias the input
	g.Weights.Coefficients[0] = 9
	require.Equal(t, 0.1, only.Weights.Coefficients[0])
}

func TestFedAvgEqualSamplesIsMean(t *testing.T) {
	updates := []*model.Update{
		update("us", 50, 0.2, 1, -1),
		update("eu", 50, 0.4, 3, 1),
		update("sg", 50, 0.9, 5, 3),
	}
	g, err := NewFedAvg().Aggregate(3, updates)
	require.NoError(t, err)
	require.Len(t, g.Weights.Coefficients, 2)
	require.InDelta(t, 3.0, g.Weights.Coefficients[0], 1e-12)
	require.InDelta(t, 1.0, g.Weights.Coefficients[1], 1e-12)
	require.InDelta(t, 0.5, g.Weights.Bias, 1e-12)
	require.Equal(t, 150, g.TotalSamples)
}

func TestFedAvgErrors(t *testing.T) {
	f := NewFedAvg()

	_, err := f.Aggregate(1, nil)
	require.True(t, errors.Is(err, fgerrors.ErrNoUpdatesAvailable))

	_, err = f.Aggregate(1, []*model.Update{update("a", 1, 0, 1, 2), update("b", 1, 0, 1)})
	require.True(t, errors.Is(err, fgerrors.ErrDimensionMismatch))

	_, err = f.Aggregate(1, []*model.Update{update("a", 0, 0, 1), update("b", 0, 0, 1)})
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))
}

func TestFedAvgDoesNotMutateInputs(t *testing.T) {
	us := update("us", 700, 0.1, 0.5)
	eu := update("eu", 300, 0.3, 0.1)
	updates := []*model.Update{us, eu}

	_, err := NewFedAvg().Aggregate(1, updates)
	require.NoError(t, err)
	require.Equal(t, "us", updates[0].NodeID)
	require.Equal(t, 0.5, us.Weights.Coefficients[0])
}
