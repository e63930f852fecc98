package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedgen/fedgen/common/testlogger"
)

func TestMetricsServer(t *testing.T) {
	l := Start("127.0.0.1:0", testlogger.New(t))
	require.NotNil(t, l)
	defer l.Close()

	RoundsCompleted.Inc()
	UpdatesReceived.WithLabelValues("us").Inc()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", l.Addr().String()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "fedgen_rounds_completed_total")
	require.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(fmt.Sprintf("http://%s/metrics/session", l.Addr().String()))
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Contains(t, string(body), `fedgen_updates_received_total{node="us"}`)
	require.NotContains(t, string(body), "go_goroutines")

	resp, err = http.Get(fmt.Sprintf("http://%s/debug/pprof/goroutine?debug=1", l.Addr().String()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsListenFailure(t *testing.T) {
	require.Nil(t, Start("256.0.0.1:bad", testlogger.New(t)))
}

func TestInstrumentHandler(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	promHandler := SessionHandler()
	promHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", strings.NewReader("")))
	require.Equal(t, http.StatusOK, rec.Code)
}
