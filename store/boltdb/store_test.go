package boltdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/common/testlogger"
	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
)

func globalModel(round uint64, bias float64) *model.GlobalModel {
	g := &model.GlobalModel{
		Round:        round,
		Weights:      model.Weights{Coefficients: []float64{0.1, -0.2, 0.3}, Bias: bias},
		TotalSamples: 1000,
		Nodes:        []string{"eu", "us"},
	}
	g.Digest = g.Hash()
	return g
}

func TestStoreBoltOrder(t *testing.T) {
	ctx := context.Background()
	store, err := NewBoltStore(ctx, testlogger.New(t), t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close(ctx)

	g1 := globalModel(9, 0.1)
	g2 := globalModel(10, 0.2)

	require.NoError(t, store.Put(ctx, g2))
	last, err := store.Last(ctx)
	require.NoError(t, err)
	require.True(t, g2.Equal(last))

	// storing an older round does not change the head
	require.NoError(t, store.Put(ctx, g1))
	last, err = store.Last(ctx)
	require.NoError(t, err)
	require.True(t, g2.Equal(last))
	require.NoError(t, last.Verify())
}

func TestStoreBolt(t *testing.T) {
	tmp := t.TempDir()
	ctx := context.Background()
	l := testlogger.New(t)

	store, err := NewBoltStore(ctx, l, tmp, nil)
	require.NoError(t, err)

	sLen, err := store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sLen)

	_, err = store.Last(ctx)
	require.True(t, errors.Is(err, fgerrors.ErrNoModelSaved))

	g1 := globalModel(1, 0.1)
	g2 := globalModel(2, 0.2)
	require.NoError(t, store.Put(ctx, g1))
	require.NoError(t, store.Put(ctx, g1))
	require.NoError(t, store.Put(ctx, g2))

	sLen, err = store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sLen)
	require.NoError(t, store.Close(ctx))

	// data survives a reopen
	store, err = NewBoltStore(ctx, l, tmp, nil)
	require.NoError(t, err)
	defer store.Close(ctx)

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, g1.Equal(got))
	require.Equal(t, g1.Nodes, got.Nodes)
	require.Equal(t, g1.Digest, got.Digest)

	var rounds []uint64
	err = store.History(ctx, func(g *model.GlobalModel) error {
		rounds = append(rounds, g.Round)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, rounds)

	require.NoError(t, store.Del(ctx, 2))
	_, err = store.Get(ctx, 2)
	require.True(t, errors.Is(err, fgerrors.ErrNoModelStored))
	_, err = store.Get(ctx, 10000)
	require.True(t, errors.Is(err, fgerrors.ErrNoModelStored))
}

func TestStoreBoltHistoryStops(t *testing.T) {
	ctx := context.Background()
	store, err := NewBoltStore(ctx, testlogger.New(t), t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close(ctx)

	for r := uint64(1); r <= 3; r++ {
		require.NoError(t, store.Put(ctx, globalModel(r, 0)))
	}
	stop := errors.New("stop")
	seen := 0
	err = store.History(ctx, func(*model.GlobalModel) error {
		seen++
		return stop
	})
	require.Equal(t, stop, err)
	require.Equal(t, 1, seen)
}

func TestStoreBoltCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBoltStore(ctx, testlogger.New(t), t.TempDir(), nil)
	require.True(t, errors.Is(err, context.Canceled))
}
