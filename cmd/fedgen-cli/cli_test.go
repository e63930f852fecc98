package fedgen

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"

	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/core"
	"github.com/fedgen/fedgen/dataset"
	"github.com/fedgen/fedgen/model"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	var buff bytes.Buffer
	output = &buff
	t.Cleanup(func() { output = os.Stdout })
	return &buff
}

func writeSession(t *testing.T, folder string) string {
	s := core.DefaultSession()
	s.ID = "cli-test"
	s.MaxRounds = 2
	s.EpochsPerRound = 2
	s.BatchCap = 40
	s.Nodes = []*core.NodeSession{
		{ID: "us", Region: "US", Samples: 60, Seed: 42},
		{ID: "eu", Region: "EU", Samples: 50, Seed: 123},
	}
	file := path.Join(folder, "session.toml")
	require.NoError(t, s.Save(file))
	return file
}

func TestGenerateTrainAggregate(t *testing.T) {
	tmp := t.TempDir()
	captureOutput(t)
	us := path.Join(tmp, "us.csv")
	eu := path.Join(tmp, "eu.csv")

	require.NoError(t, CLI().Run([]string{"fedgen", "generate", "--region", "US", "--samples", "200", "--out", us}))
	require.NoError(t, CLI().Run([]string{"fedgen", "generate", "--region", "EU", "--samples", "150",
		"--seed", "123", "--out", eu}))

	content, err := os.ReadFile(us)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 201)
	require.Contains(t, lines[0], dataset.LabelColumn)

	usW := path.Join(tmp, "us_weights.json")
	euW := path.Join(tmp, "eu_weights.json")
	require.NoError(t, CLI().Run([]string{"fedgen", "train", "--data", us, "--node", "US", "--epochs", "2", "--out", usW}))
	require.NoError(t, CLI().Run([]string{"fedgen", "train", "--data", eu, "--node", "EU", "--epochs", "2",
		"--batch-cap", "100", "--out", euW}))

	data, err := os.ReadFile(usW)
	require.NoError(t, err)
	r := new(model.NodeReport)
	require.NoError(t, json.Unmarshal(data, r))
	require.Equal(t, "us", r.NodeID)
	require.Equal(t, 200, r.NSamples)
	require.Len(t, r.Weights, len(dataset.FeatureColumns))
	require.True(t, r.FinalAccuracy >= 0 && r.FinalAccuracy <= 1)

	global := path.Join(tmp, "global_model.json")
	missing := path.Join(tmp, "sg_weights.json")
	buff := captureOutput(t)
	require.NoError(t, CLI().Run([]string{"fedgen", "aggregate", "--out", global, usW, euW, missing}))
	require.Contains(t, buff.String(), "skipping unreadable weights")

	data, err = os.ReadFile(global)
	require.NoError(t, err)
	e := new(model.Export)
	require.NoError(t, json.Unmarshal(data, e))
	require.Equal(t, 300, e.TotalSamples)
	require.Equal(t, []string{"eu", "us"}, e.NodesAggregated)
	require.Len(t, e.Weights, len(dataset.FeatureColumns))
}

func TestAggregateWithoutWeights(t *testing.T) {
	captureOutput(t)
	tmp := t.TempDir()
	require.Error(t, CLI().Run([]string{"fedgen", "aggregate", path.Join(tmp, "none.json")}))
	require.Error(t, CLI().Run([]string{"fedgen", "aggregate"}))
}

func TestTrainRejectsBadInput(t *testing.T) {
	captureOutput(t)
	tmp := t.TempDir()
	bad := path.Join(tmp, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("age,bmi\n1,2\n"), 0600))
	require.Error(t, CLI().Run([]string{"fedgen", "train", "--data", bad, "--node", "us"}))

	us := path.Join(tmp, "us.csv")
	require.NoError(t, CLI().Run([]string{"fedgen", "generate", "--samples", "20", "--out", us}))
	require.Error(t, CLI().Run([]string{"fedgen", "train", "--data", us, "--node", "us", "--normalize", "minmax"}))
}

func TestSimulateThenShow(t *testing.T) {
	tmp := t.TempDir()
	folder := path.Join(tmp, "hub")
	session := writeSession(t, tmp)
	global := path.Join(tmp, "global_model.json")

	buff := captureOutput(t)
	require.NoError(t, CLI().Run([]string{"fedgen", "--folder", folder, "simulate", "--session", session, "--out", global}))
	require.Contains(t, buff.String(), "session cli-test: DONE after 2 rounds")
	require.Contains(t, buff.String(), "node us holds 60 patients")

	data, err := os.ReadFile(global)
	require.NoError(t, err)
	e := new(model.Export)
	require.NoError(t, json.Unmarshal(data, e))
	require.Equal(t, uint64(2), e.Round)
	require.Equal(t, 80, e.TotalSamples)

	buff = captureOutput(t)
	require.NoError(t, CLI().Run([]string{"fedgen", "show", "model", "--folder", folder, "--session", session}))
	last := new(model.Export)
	require.NoError(t, json.Unmarshal(buff.Bytes(), last))
	require.Equal(t, e.Weights, last.Weights)

	buff = captureOutput(t)
	require.NoError(t, CLI().Run([]string{"fedgen", "show", "model", "--folder", folder, "--session", session,
		"--round", "0"}))
	first := new(model.Export)
	require.NoError(t, json.Unmarshal(buff.Bytes(), first))
	require.Equal(t, uint64(0), first.Round)

	require.Error(t, CLI().Run([]string{"fedgen", "show", "model", "--folder", path.Join(tmp, "empty"),
		"--session", session}))
}

func TestSessionCommands(t *testing.T) {
	tmp := t.TempDir()
	file := path.Join(tmp, "session.toml")
	captureOutput(t)
	require.NoError(t, CLI().Run([]string{"fedgen", "session", "--out", file}))

	s, err := core.LoadSession(file)
	require.NoError(t, err)
	require.Equal(t, []string{"eu", "sg", "us"}, s.NodeIDs())

	buff := captureOutput(t)
	require.NoError(t, CLI().Run([]string{"fedgen", "show", "session", "--session", file}))
	require.Contains(t, buff.String(), "# session id "+s.SessionID())
	require.Contains(t, buff.String(), "[[Node]]")
}
