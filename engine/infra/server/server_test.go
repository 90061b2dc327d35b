package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/compozy/taskengine/engine/infra/cache"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestYAML = `identifier: notes
tasks:
  - identifier: summarize
    handler: builtin:summarize
events:
  - event: note.saved
    task: summarize
    dataTemplate:
      noteId: "{{ event.id }}"
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte(manifestYAML), 0o600))
	cfg := config.Default()
	cfg.Database.Driver = "memory"
	cfg.Apps.Dir = dir
	cfg.Scheduler.Enabled = false
	cfg.Worker.CredentialSecret = config.SensitiveString(strings.Repeat("s", 32))
	return cfg
}

func setupServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, err := NewServer(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Setup())
	t.Cleanup(srv.cleanup)
	return srv
}

func serve(srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Setup(t *testing.T) {
	t.Run("Should answer liveness and health without backing services", func(t *testing.T) {
		srv := setupServer(t, testConfig(t))
		assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/healthz", nil).Code)
		w := serve(srv, http.MethodGet, "/api/v0/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"ready":true`)
		assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	})

	t.Run("Should expose metrics on the configured path", func(t *testing.T) {
		srv := setupServer(t, testConfig(t))
		serve(srv, http.MethodGet, "/healthz", nil)
		w := serve(srv, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "taskengine_build_info")
	})

	t.Run("Should create tasks for emitted events", func(t *testing.T) {
		srv := setupServer(t, testConfig(t))
		w := serve(srv, http.MethodPost, "/api/v0/events",
			[]byte(`{"eventIdentifier":"note.saved","payload":{"id":"n-1"}}`))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		all, err := srv.State().Tasks.List(context.Background(), nil)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, map[string]any{"noteId": "n-1"}, all[0].Data)
	})

	t.Run("Should reject job callbacks without a token", func(t *testing.T) {
		srv := setupServer(t, testConfig(t))
		w := serve(srv, http.MethodPost, "/api/v0/jobs/abc/start", []byte(`{}`))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Should reject every job token when no secret is configured", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Worker.CredentialSecret = ""
		srv := setupServer(t, cfg)
		assert.Nil(t, srv.State().Issuer)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v0/jobs/abc/start", nil)
		req.Header.Set("Authorization", "Bearer whatever")
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Should rate limit the task API but not the health endpoint", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RateLimit.Limit = 1
		srv := setupServer(t, cfg)
		assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v0/tasks", nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, serve(srv, http.MethodGet, "/api/v0/tasks", nil).Code)
		assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v0/health", nil).Code)
	})

	t.Run("Should fail when a manifest is invalid", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Apps.Dir, "bad.yaml"), []byte("identifier: [\n"), 0o600))
		srv, err := NewServer(context.Background(), cfg)
		require.NoError(t, err)
		assert.Error(t, srv.Setup())
	})
}

func TestServer_HookURL(t *testing.T) {
	t.Run("Should prefer the public URL", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Server.PublicURL = "https://engine.example.com/"
		srv, err := NewServer(context.Background(), cfg)
		require.NoError(t, err)
		assert.Equal(t, "https://engine.example.com/api/v0", srv.hookURL())
	})

	t.Run("Should fall back to the loopback listen address", func(t *testing.T) {
		cfg := testConfig(t)
		srv, err := NewServer(context.Background(), cfg)
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:5001/api/v0", srv.hookURL())
	})
}

func TestCreateHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := cache.NewRedisFromClient(context.Background(), client)
	checks := map[string]func(context.Context) error{"redis": r.HealthCheck}

	call := func() (*httptest.ResponseRecorder, map[string]any) {
		router := gin.New()
		router.GET("/health", CreateHealthHandler(checks, "test"))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		var body map[string]any
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		return w, body
	}

	t.Run("Should report healthy components", func(t *testing.T) {
		w, body := call()
		assert.Equal(t, http.StatusOK, w.Code)
		data := body["data"].(map[string]any)
		assert.Equal(t, "healthy", data["status"])
		assert.Equal(t, true, data["components"].(map[string]any)["redis"].(map[string]any)["healthy"])
	})

	t.Run("Should return 503 when a component is down", func(t *testing.T) {
		mr.Close()
		w, body := call()
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		data := body["data"].(map[string]any)
		assert.Equal(t, "degraded", data["status"])
		assert.Equal(t, false, data["components"].(map[string]any)["redis"].(map[string]any)["healthy"])
	})
}
