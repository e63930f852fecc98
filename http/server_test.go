package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/common/testlogger"
	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/store/memdb"
)

type fixedStatus struct {
	s *coordinator.Summary
}

func (f *fixedStatus) Summary() *coordinator.Summary {
	return f.s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStatusAPI(t *testing.T) {
	ctx := context.Background()
	st := memdb.NewStore(0)
	g0 := model.NewGlobalModel(5, 0.01)
	require.NoError(t, st.Put(ctx, g0))
	g1 := g0.Copy()
	g1.Round = 1
	g1.Weights.Bias = 0.2
	g1.TotalSamples = 1000
	g1.Nodes = []string{"eu", "us"}
	g1.Digest = g1.Hash()
	require.NoError(t, st.Put(ctx, g1))

	status := &fixedStatus{s: &coordinator.Summary{Session: "s1", State: coordinator.Collecting.String(), Rounds: 1}}
	h := New(st, status, "fedgen/test", testlogger.New(t))

	rr := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok","state":"COLLECTING","round":1}`, rr.Body.String())

	rr = get(t, h, "/model/latest")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	latest := new(model.GlobalModel)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), latest))
	require.True(t, latest.Equal(g1))
	require.NoError(t, latest.Verify())

	rr = get(t, h, "/model/0")
	require.Equal(t, http.StatusOK, rr.Code)
	first := new(model.GlobalModel)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), first))
	require.True(t, first.Equal(g0))

	rr = get(t, h, "/model/latest/export")
	require.Equal(t, http.StatusOK, rr.Code)
	exp := new(model.Export)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), exp))
	require.Equal(t, 1000, exp.TotalSamples)
	require.Equal(t, []string{"eu", "us"}, exp.NodesAggregated)

	rr = get(t, h, "/session")
	require.Equal(t, http.StatusOK, rr.Code)
	sum := new(coordinator.Summary)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), sum))
	require.Equal(t, "s1", sum.Session)

	require.Equal(t, http.StatusNotFound, get(t, h, "/model/7").Code)
	require.Equal(t, http.StatusBadRequest, get(t, h, "/model/abc").Code)
}

func TestStatusAPIWithoutSession(t *testing.T) {
	h := New(memdb.NewStore(0), nil, "fedgen/test", testlogger.New(t))

	rr := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok","round":0}`, rr.Body.String())

	require.Equal(t, http.StatusNotFound, get(t, h, "/session").Code)
	require.Equal(t, http.StatusNotFound, get(t, h, "/model/latest").Code)
}
