package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.RunFinished("full", "completed", 2*time.Second)
	r.RunFinished("full", "completed", time.Second)
	r.TaskFinished("review", "failed", "backend_misconfigured")
	r.ProviderCall("reviewer", "transient")
	r.ProviderFallback("server_error")
	r.Published("pull_request", true)
	r.Published("comment", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.RunsTotal.WithLabelValues("full", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TasksTotal.WithLabelValues("review", "failed", "backend_misconfigured")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProviderCalls.WithLabelValues("reviewer", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProviderFallbacks.WithLabelValues("server_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Publications.WithLabelValues("comment", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.RunDuration))
}

func TestRecorder_Independent(t *testing.T) {
	a, b := New(), New()
	a.ProviderFallback("network_error")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ProviderFallbacks.WithLabelValues("network_error")))
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.ProviderCall("anthropic", "success")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `commitbot_provider_calls_total{backend="anthropic",outcome="success"} 1`)
}
