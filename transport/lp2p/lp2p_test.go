package lp2p

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/common/testlogger"
	"github.com/fedgen/fedgen/model"
)

func TestCreateThenLoadPrivKey(t *testing.T) {
	l := testlogger.New(t)
	// should not exist yet and has an intermediate dir that does not exist
	identityPath := path.Join(t.TempDir(), "not-exists-dir", "identity.key")

	priv0, err := LoadOrCreatePrivKey(identityPath, l)
	require.NoError(t, err)

	priv1, err := LoadOrCreatePrivKey(identityPath, l)
	require.NoError(t, err)
	require.True(t, priv0.Equals(priv1), "private key not persisted and/or not read back properly")
}

func TestParseMultiaddrSlice(t *testing.T) {
	addrs, err := ParseMultiaddrSlice([]string{"/ip4/127.0.0.1/tcp/4444", "/dns4/hub.example.org/tcp/4444"})
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	_, err = ParseMultiaddrSlice([]string{"not an address"})
	require.Error(t, err)
}

func newEndpoint(t *testing.T, listen string, bootstrap ...string) *Endpoint {
	l := testlogger.New(t)
	priv, err := LoadOrCreatePrivKey(path.Join(t.TempDir(), "identity.key"), l)
	require.NoError(t, err)
	peers, err := ParseMultiaddrSlice(bootstrap)
	require.NoError(t, err)
	e, err := ConstructHost(dssync.MutexWrap(datastore.NewMapDatastore()), priv, listen, peers, l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestHubParticipantExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l := testlogger.New(t)

	hubEnd := newEndpoint(t, "/ip4/127.0.0.1/tcp/0")
	addrs, err := hubEnd.Multiaddrs()
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	nodeEnd := newEndpoint(t, "", addrs[0].String())

	hub, err := NewHub(hubEnd, "session", nil, l)
	require.NoError(t, err)
	defer hub.Close()
	p, err := NewParticipant(nodeEnd, "session", "us", hubEnd.Host.ID(), nil, l)
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, "us", p.ID())

	require.NoError(t, hub.WaitForNodes(ctx, 1))
	b := &model.Broadcast{
		Session: "session",
		Round:   1,
		Weights: model.NewWeights(5, 0.01),
		Params:  model.TrainingParams{LearningRate: 0.01, Epochs: 1, BatchCap: 10},
	}
	require.NoError(t, hub.Broadcast(ctx, b))

	select {
	case got := <-p.Broadcasts():
		require.Equal(t, uint64(1), got.Round)
		require.True(t, got.Weights.Equal(b.Weights))
	case <-ctx.Done():
		t.Fatal("broadcast not received")
	}

	u := &model.Update{
		Session:  "session",
		NodeID:   "us",
		Round:    1,
		Weights:  model.NewWeights(5, 0.02),
		NSamples: 10,
	}
	require.NoError(t, p.Submit(ctx, u))
	select {
	case got := <-hub.Updates():
		require.Equal(t, "us", got.NodeID)
		require.Equal(t, 10, got.NSamples)
	case <-ctx.Done():
		t.Fatal("update not received")
	}
}

func newMessage(data, from []byte) *pubsub.Message {
	return &pubsub.Message{Message: &pubsubpb.Message{Data: data, From: from}}
}

func TestHubValidatorRejects(t *testing.T) {
	l := testlogger.New(t)
	e := newEndpoint(t, "")
	hub, err := NewHub(e, "session", nil, l)
	require.NoError(t, err)
	defer hub.Close()

	other := newEndpoint(t, "")
	u := &model.Update{Session: "session", NodeID: "us", Round: 1, Weights: model.NewWeights(5, 0), NSamples: 3}
	data, err := u.Marshal()
	require.NoError(t, err)

	from := func(e *Endpoint) []byte {
		id, err := e.Host.ID().Marshal()
		require.NoError(t, err)
		return id
	}
	msg := newMessage(data, from(e))
	require.Equal(t, pubsub.ValidationAccept, hub.validate(context.Background(), e.Host.ID(), msg))

	// same node id from another author
	require.Equal(t, pubsub.ValidationReject, hub.validate(context.Background(), other.Host.ID(), newMessage(data, from(other))))

	require.Equal(t, pubsub.ValidationReject, hub.validate(context.Background(), e.Host.ID(), newMessage([]byte("{"), from(e))))

	u.Session = "foreign"
	data, err = u.Marshal()
	require.NoError(t, err)
	require.Equal(t, pubsub.ValidationIgnore, hub.validate(context.Background(), e.Host.ID(), newMessage(data, from(e))))
}

func TestRejoinSessionAfterClose(t *testing.T) {
	l := testlogger.New(t)
	e := newEndpoint(t, "")

	for i := 0; i < 2; i++ {
		p, err := NewParticipant(e, "session", "us", "", nil, l)
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())
	}
	require.NotContains(t, e.PubSub.GetTopics(), BroadcastTopic("session"))

	for i := 0; i < 2; i++ {
		hub, err := NewHub(e, "session", nil, l)
		require.NoError(t, err)
		require.NoError(t, hub.Close())
	}
	require.NotContains(t, e.PubSub.GetTopics(), UpdateTopic("session"))
}
