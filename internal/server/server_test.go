package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/feedstream/internal/ingestion"
	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/json"
	"github.com/ajitpratap0/feedstream/pkg/queue"
	"github.com/ajitpratap0/feedstream/pkg/testutil"
)

type stubReporter struct {
	health ingestion.ServiceHealth
	status ingestion.Status
}

func (r *stubReporter) Health(context.Context) ingestion.ServiceHealth { return r.health }
func (r *stubReporter) Status(context.Context) ingestion.Status        { return r.status }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthStatusCodes(t *testing.T) {
	tests := []struct {
		level ingestion.HealthLevel
		code  int
	}{
		{ingestion.HealthHealthy, http.StatusOK},
		{ingestion.HealthWarning, http.StatusOK},
		{ingestion.HealthDegraded, http.StatusOK},
		{ingestion.HealthCritical, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			r := &stubReporter{health: ingestion.ServiceHealth{Status: tt.level, Unhealthy: []string{}}}
			s := New(":0", r, testutil.TestLogger(t))

			rec := get(t, s.Handler(), "/health")
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.level), body["status"])
		})
	}
}

func TestStatusAndMetricsRoutes(t *testing.T) {
	r := &stubReporter{status: ingestion.Status{Running: true, Connectors: []ingestion.ConnectorSnapshot{}}}
	s := New(":0", r, testutil.TestLogger(t))

	rec := get(t, s.Handler(), "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])

	rec = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/nope").Code)
}

func TestServeSupervisor(t *testing.T) {
	log := testutil.TestLogger(t)
	q := queue.New(context.Background(), config.DefaultQueueConfig(), log)
	sup, err := ingestion.New(config.DefaultSupervisorConfig(), q, log)
	require.NoError(t, err)

	s := New("127.0.0.1:0", sup, log)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	assert.Error(t, s.Start())

	client := &http.Client{Timeout: 5 * time.Second}
	url := "http://" + s.Addr() + "/health"

	resp, err := client.Get(url)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "stopped supervisor is critical")

	require.NoError(t, sup.Start())
	resp, err = client.Get(url)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, sup.Stop(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}
