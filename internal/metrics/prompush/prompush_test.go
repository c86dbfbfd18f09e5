package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"flightetl/internal/metrics"
)

type gateway struct {
	mu     sync.Mutex
	method string
	path   string
	body   string
	status int
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.method, g.path, g.body = r.Method, r.URL.Path, string(b)
	if g.status != 0 {
		w.WriteHeader(g.status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func TestBackend_CollectsAndPushes(t *testing.T) {
	gw := &gateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	b, err := NewBackend("nightly", srv.URL)
	require.NoError(t, err)

	b.IncCounter(metrics.RowsTotal, 10, metrics.Labels{"table": "fare", "outcome": "persisted"})
	b.IncCounter(metrics.RowsTotal, 5, metrics.Labels{"table": "fare", "outcome": "persisted"})
	b.IncCounter(metrics.ChunkAttemptsTotal, 1, metrics.Labels{"table": "fare"})
	b.IncCounter("unknown_total", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.25, metrics.Labels{"step": "load", "status": "ok"})

	require.Equal(t, 15.0, testutil.ToFloat64(b.counters[metrics.RowsTotal].WithLabelValues("fare", "persisted")))
	require.Equal(t, 1.0, testutil.ToFloat64(b.counters[metrics.ChunkAttemptsTotal].WithLabelValues("fare", "unknown")))

	require.NoError(t, b.Flush())
	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Equal(t, http.MethodPut, gw.method)
	require.Equal(t, "/metrics/job/nightly", gw.path)
	require.True(t, strings.Contains(gw.body, metrics.RowsTotal))
}

func TestBackend_FlushReportsGatewayError(t *testing.T) {
	srv := httptest.NewServer(&gateway{status: http.StatusInternalServerError})
	defer srv.Close()

	b, err := NewBackend("", srv.URL)
	require.NoError(t, err)
	require.Error(t, b.Flush())
}

func TestNewBackend_RequiresURL(t *testing.T) {
	_, err := NewBackend("job", " ")
	require.Error(t, err)
}
