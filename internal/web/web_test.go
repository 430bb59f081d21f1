package web_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/local/tenderpipe/internal/config"
	"github.com/local/tenderpipe/internal/pipeline"
	"github.com/local/tenderpipe/internal/statuscheck"
	"github.com/local/tenderpipe/internal/web"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type healthzBody struct {
	Status  string `json:"status"`
	Runtime struct {
		Reachable bool `json:"reachable"`
	} `json:"runtime"`
	Checks struct {
		ModelRuntime struct {
			OK      bool   `json:"ok"`
			Message string `json:"message"`
		} `json:"model_runtime"`
		TempDir struct {
			OK bool `json:"ok"`
		} `json:"temp_dir"`
	} `json:"checks"`
	QueueDepth int `json:"queue_depth"`
	Cache      struct {
		Entries int `json:"entries"`
	} `json:"cache"`
}

// newOpsServer brings up a pipeline against a fake runtime and serves the
// operational mux for it.
func newOpsServer(t *testing.T, runtimeUp *atomic.Bool) *httptest.Server {
	t.Helper()

	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !runtimeUp.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"llama3.1:8b"}]}`))
	}))
	t.Cleanup(runtime.Close)

	cfg := config.Default()
	cfg.Model.RuntimeURL = runtime.URL
	cfg.Workers.Count = 1
	cfg.Health.ProbeInterval = 25 * time.Millisecond
	cfg.Health.FailureThreshold = 1
	cfg.Extract.TempDir = t.TempDir()
	cfg.Runtime.JobRetention = time.Minute

	p, err := pipeline.New(&cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})

	checker := statuscheck.New(statuscheck.Options{RuntimeURL: runtime.URL, TempDir: cfg.Extract.TempDir})
	mux := http.NewServeMux()
	web.New(p, checker).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthzHealthy(t *testing.T) {
	up := &atomic.Bool{}
	up.Store(true)
	srv := newOpsServer(t, up)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body healthzBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Runtime.Reachable)
	assert.True(t, body.Checks.ModelRuntime.OK)
	assert.True(t, body.Checks.TempDir.OK)
	assert.Equal(t, 0, body.QueueDepth)
	assert.Equal(t, 0, body.Cache.Entries)
}

func TestHealthzDegradedWhenRuntimeDown(t *testing.T) {
	up := &atomic.Bool{}
	srv := newOpsServer(t, up)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body healthzBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.Runtime.Reachable)
	assert.False(t, body.Checks.ModelRuntime.OK)
	assert.Equal(t, "HTTP 500", body.Checks.ModelRuntime.Message)
}

func TestMetricsEndpoint(t *testing.T) {
	up := &atomic.Bool{}
	up.Store(true)
	srv := newOpsServer(t, up)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines", "default collectors are always exported")
}
