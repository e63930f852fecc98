package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/common/testlogger"
	"github.com/fedgen/fedgen/dataset"
	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
	"github.com/fedgen/fedgen/transport"
)

var params = model.TrainingParams{LearningRate: 0.01, Epochs: 2, BatchCap: 50}

func newTestNode(t *testing.T, net *transport.MemoryNetwork, id string, samples int) *Node {
	p, err := net.Join(id)
	require.NoError(t, err)
	n, err := New(context.Background(), &Config{
		ID:     id,
		Source: &dataset.SyntheticSource{Profile: dataset.USProfile, Samples: samples, Seed: 42},
	}, p, testlogger.New(t))
	require.NoError(t, err)
	return n
}

func TestNodeTrainsOncePerAttempt(t *testing.T) {
	n := newTestNode(t, transport.NewMemoryNetwork(0), "us", 80)
	b := &model.Broadcast{Session: "s", Round: 1, Weights: model.NewWeights(5, 0.01), Params: params}

	u, err := n.Train(b)
	require.NoError(t, err)
	require.Equal(t, "us", u.NodeID)
	require.Equal(t, "s", u.Session)
	require.Equal(t, uint64(1), u.Round)
	require.Equal(t, 50, u.NSamples)
	require.NoError(t, u.Validate())
	require.False(t, u.Weights.Equal(b.Weights))

	again, err := n.Train(b)
	require.NoError(t, err)
	require.Nil(t, again)

	b.Attempt = 1
	retry, err := n.Train(b)
	require.NoError(t, err)
	require.NotNil(t, retry)
}

func TestNodeRejectsWrongWidth(t *testing.T) {
	n := newTestNode(t, transport.NewMemoryNetwork(0), "eu", 10)
	_, err := n.Train(&model.Broadcast{Round: 1, Weights: model.NewWeights(3, 0), Params: params})
	require.True(t, errors.Is(err, fgerrors.ErrDimensionMismatch))
}

func TestNodeRunLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := transport.NewMemoryNetwork(0)
	n := newTestNode(t, net, "us", 30)

	type result struct {
		b   *model.Broadcast
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := n.Run(ctx)
		done <- result{b, err}
	}()

	hub := net.Hub()
	b := &model.Broadcast{Session: "s", Round: 1, Weights: model.NewWeights(5, 0.01), Params: params}
	require.NoError(t, hub.Broadcast(ctx, b))
	// a duplicate broadcast of the same attempt is ignored
	require.NoError(t, hub.Broadcast(ctx, b))

	u := <-hub.Updates()
	require.Equal(t, "us", u.NodeID)
	require.Equal(t, 30, u.NSamples)

	require.NoError(t, hub.Broadcast(ctx, &model.Broadcast{Session: "s", Round: 1, Final: true}))
	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.b.Final)
	require.Len(t, hub.Updates(), 0)
}

func TestNodeSessionFilter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	net := transport.NewMemoryNetwork(0)
	p, err := net.Join("sg")
	require.NoError(t, err)
	n, err := New(ctx, &Config{
		ID:      "sg",
		Session: "mine",
		Source:  &dataset.SyntheticSource{Profile: dataset.EUProfile, Samples: 10, Seed: 1},
	}, p, testlogger.New(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := n.Run(ctx)
		done <- err
	}()

	hub := net.Hub()
	require.NoError(t, hub.Broadcast(ctx, &model.Broadcast{Session: "other", Round: 1, Final: true}))
	require.NoError(t, hub.Broadcast(ctx, &model.Broadcast{Session: "mine", Round: 1, Final: true}))
	require.NoError(t, <-done)
}

func TestNodeConfigErrors(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, &Config{}, nil, testlogger.New(t))
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))

	_, err = New(ctx, &Config{ID: "x", Source: &dataset.MemorySource{Data: &dataset.Dataset{}}}, nil, testlogger.New(t))
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))
}
