package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrail/internal/config"
)

func TestConfigFromDefaults(t *testing.T) {
	cfg := ConfigFrom(config.RateLimitConfig{RPS: 50})
	assert.Equal(t, 50.0, cfg.RPS)
	assert.Equal(t, 20, cfg.Burst)
	assert.Equal(t, 5*time.Minute, cfg.CleanupInterval)
}

func TestMiddlewareLimitsPerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	set := NewSet(RateLimitConfig{RPS: 0.001, Burst: 2, MaxAge: time.Minute})
	router := gin.New()
	router.Use(Middleware(set))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1").Code)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1").Code)

	w := call("10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusNoContent, call("10.0.0.2").Code)
	assert.Equal(t, 2, set.Len())
}

func TestSweepDropsIdleLimiters(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	set := NewSet(RateLimitConfig{RPS: 1, Burst: 1, MaxAge: time.Minute})
	set.now = func() time.Time { return now }

	set.Allow("a")
	now = now.Add(30 * time.Second)
	set.Allow("b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, set.Sweep())
	assert.Equal(t, 1, set.Len())
}
