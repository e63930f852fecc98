package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sync"
	"testing"

	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/common/testlogger"
	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/dataset"
	"github.com/fedgen/fedgen/export"
	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
)

func smallSession() *Session {
	s := DefaultSession()
	s.ID = "test-session"
	s.MaxRounds = 2
	s.EpochsPerRound = 2
	s.BatchCap = 50
	s.Nodes = []*NodeSession{
		{ID: "us", Region: "US", Samples: 120, Seed: 42},
		{ID: "eu", Region: "EU", Samples: 80, Seed: 123},
	}
	return s
}

func TestSessionSaveLoad(t *testing.T) {
	file := path.Join(t.TempDir(), "session.toml")
	s := smallSession()
	s.Nodes = append(s.Nodes, &NodeSession{ID: "sg", Data: "sg.csv"})
	require.NoError(t, s.Save(file))

	loaded, err := LoadSession(file)
	require.NoError(t, err)
	require.Equal(t, s.ID, loaded.ID)
	require.Equal(t, s.MaxRounds, loaded.MaxRounds)
	require.Equal(t, s.CollectionTimeout, loaded.CollectionTimeout)
	require.Len(t, loaded.Nodes, 3)
	require.Equal(t, []string{"eu", "sg", "us"}, loaded.NodeIDs())

	nconf, err := loaded.NodeConfig("sg", nil)
	require.NoError(t, err)
	csv, ok := nconf.Source.(*dataset.CSVSource)
	require.True(t, ok)
	require.Equal(t, path.Join(path.Dir(file), "sg.csv"), csv.Path)

	nconf, err = loaded.NodeConfig("us", nil)
	require.NoError(t, err)
	_, ok = nconf.Source.(*dataset.SyntheticSource)
	require.True(t, ok)
	require.Equal(t, dataset.ZScore, nconf.Normalization)

	_, err = loaded.NodeConfig("jp", nil)
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))
}

func TestSessionRejectsUnknownOptions(t *testing.T) {
	file := path.Join(t.TempDir(), "session.toml")
	content := `
MaxRounds = 3
LearnRate = 0.1

[[Node]]
ID = "us"
Samples = 10
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	_, err := LoadSession(file)
	require.True(t, errors.Is(err, fgerrors.ErrInvalidInput))
	require.Contains(t, err.Error(), "LearnRate")
}

func TestSessionValidate(t *testing.T) {
	cases := []func(s *Session){
		func(s *Session) { s.Nodes = nil },
		func(s *Session) { s.CollectionTimeout = "soon" },
		func(s *Session) { s.TimeoutPolicy = "wait" },
		func(s *Session) { s.Normalization = "minmax" },
		func(s *Session) { s.Nodes[1].ID = s.Nodes[0].ID },
		func(s *Session) { s.Nodes[0].Samples = 0 },
	}
	for i, mutate := range cases {
		s := smallSession()
		mutate(s)
		err := s.Validate()
		require.Error(t, err, "case %d", i)
		require.True(t, errors.Is(err, fgerrors.ErrInvalidInput), "case %d: %v", i, err)
	}
}

func TestSessionID(t *testing.T) {
	a := smallSession()
	a.ID = ""
	b := smallSession()
	b.ID = ""
	require.Equal(t, a.SessionID(), b.SessionID())
	b.MaxRounds++
	require.NotEqual(t, a.SessionID(), b.SessionID())
	a.ID = "fixed"
	require.Equal(t, "fixed", a.SessionID())

	conf, err := smallSession().CoordinatorConfig(nil)
	require.NoError(t, err)
	require.Equal(t, "test-session", conf.Session)
	require.Equal(t, []string{"eu", "us"}, conf.NodeIDs)
	require.Equal(t, 2, conf.NodeCount)
	require.Equal(t, len(dataset.FeatureColumns), conf.Features)
}

func TestSimulate(t *testing.T) {
	out := path.Join(t.TempDir(), "global.json")
	var mu sync.Mutex
	var committed []uint64
	conf := NewConfig(
		WithConfigFolder(t.TempDir()),
		WithLogger(testlogger.New(t)),
		WithExporter(&export.FileExporter{Path: out}),
		WithModelCallback(func(r uint64) {
			mu.Lock()
			committed = append(committed, r)
			mu.Unlock()
		}),
	)

	sim, err := Simulate(context.Background(), conf, smallSession())
	require.NoError(t, err)
	require.Equal(t, coordinator.Done.String(), sim.Summary.State)
	require.Equal(t, uint64(2), sim.Summary.Rounds)
	require.Equal(t, []string{"eu", "us"}, sim.NodeIDs())
	require.Equal(t, map[string]int{"us": 120, "eu": 80}, sim.Samples)

	// round 0 is the initial model
	require.Equal(t, []uint64{0, 1, 2}, committed)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	e := new(model.Export)
	require.NoError(t, json.Unmarshal(data, e))
	// batch cap 50 per node and per round
	require.Equal(t, 100, e.TotalSamples)
	require.Equal(t, []string{"eu", "us"}, e.NodesAggregated)
	require.Equal(t, uint64(2), e.Round)
	require.Len(t, e.Weights, len(dataset.FeatureColumns))

	// bolt history of the session survives the hub
	h, err := NewHub(context.Background(), conf, smallSession(), nilHub{})
	require.NoError(t, err)
	defer h.Close()
	n, err := h.Store().Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestSimulateAbortsOnBadData(t *testing.T) {
	s := smallSession()
	s.Nodes[0] = &NodeSession{ID: "us", Data: path.Join(t.TempDir(), "missing.csv")}
	conf := NewConfig(WithConfigFolder(t.TempDir()), WithLogger(testlogger.New(t)), WithInMemoryStore())
	_, err := Simulate(context.Background(), conf, s)
	require.Error(t, err)
}

func TestHubStatusAPI(t *testing.T) {
	conf := NewConfig(
		WithConfigFolder(t.TempDir()),
		WithLogger(testlogger.New(t)),
		WithInMemoryStore(),
		WithPublicListenAddress("127.0.0.1:0"),
		WithAccessLog(path.Join(t.TempDir(), "access.log")),
	)
	h, err := NewHub(context.Background(), conf, smallSession(), nilHub{})
	require.NoError(t, err)
	defer h.Close()
	require.NotEmpty(t, h.PublicAddr())

	resp, err := http.Get(fmt.Sprintf("http://%s/health", h.PublicAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "INIT", body["state"])
}

// nilHub is a transport nobody listens on.
type nilHub struct{}

func (nilHub) Broadcast(context.Context, *model.Broadcast) error { return nil }
func (nilHub) Updates() <-chan *model.Update                    { return nil }
func (nilHub) Close() error                                     { return nil }
