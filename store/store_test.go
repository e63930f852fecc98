package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/store"
	"github.com/fedgen/fedgen/store/memdb"
)

func TestCallbackStore(t *testing.T) {
	ctx := context.Background()
	cb := store.NewCallbackStore(memdb.NewStore(0))

	var seen []uint64
	cb.AddCallback("collect", func(g *model.GlobalModel) {
		seen = append(seen, g.Round)
	})

	g := model.NewGlobalModel(2, 0)
	g.Round = 1
	require.NoError(t, cb.Put(ctx, g))
	g.Round = 2
	require.NoError(t, cb.Put(ctx, g))
	require.Equal(t, []uint64{1, 2}, seen)

	cb.RemoveCallback("collect")
	g.Round = 3
	require.NoError(t, cb.Put(ctx, g))
	require.Equal(t, []uint64{1, 2}, seen)

	n, err := cb.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
