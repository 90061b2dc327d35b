package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRouterForTest(t *testing.T, cfg *Config, client redis.UniversalClient, opts ...Option) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mw, err := NewMiddleware(cfg, client, opts...)
	require.NoError(t, err)
	r.Use(mw)
	r.GET("/t", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func doReq(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/t", http.NoBody)
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestNewMiddleware(t *testing.T) {
	t.Run("Should block the second request in memory", func(t *testing.T) {
		var blocked []string
		r := buildRouterForTest(t, &Config{Limit: 1, Period: time.Second, Prefix: "test:"}, nil,
			WithBlockedHook(func(route string) { blocked = append(blocked, route) }))
		require.Equal(t, http.StatusOK, doReq(r, "1.2.3.4").Code)
		res := doReq(r, "1.2.3.4")
		require.Equal(t, http.StatusTooManyRequests, res.Code)
		assert.Contains(t, res.Body.String(), "RATE_LIMITED")
		assert.Equal(t, []string{"/t"}, blocked)
	})

	t.Run("Should count clients separately", func(t *testing.T) {
		r := buildRouterForTest(t, &Config{Limit: 1, Period: time.Minute, Prefix: "test:"}, nil)
		require.Equal(t, http.StatusOK, doReq(r, "1.1.1.1").Code)
		require.Equal(t, http.StatusOK, doReq(r, "2.2.2.2").Code)
	})

	t.Run("Should set rate limit headers", func(t *testing.T) {
		r := buildRouterForTest(t, &Config{Limit: 2, Period: time.Minute, Prefix: "test:"}, nil)
		res := doReq(r, "9.9.9.9")
		require.Equal(t, http.StatusOK, res.Code)
		assert.NotEmpty(t, res.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, res.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, res.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("Should share the count through Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cfg := &Config{Limit: 1, Period: time.Minute, Prefix: "test:", MaxRetry: 1}
		a := buildRouterForTest(t, cfg, client)
		b := buildRouterForTest(t, cfg, client)
		require.Equal(t, http.StatusOK, doReq(a, "5.6.7.8").Code)
		require.Equal(t, http.StatusTooManyRequests, doReq(b, "5.6.7.8").Code)
	})

	t.Run("Should reject a non positive limit", func(t *testing.T) {
		_, err := NewMiddleware(&Config{Limit: 0, Period: time.Minute}, nil)
		assert.Error(t, err)
	})
}
