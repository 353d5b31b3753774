package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func rateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := rateLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", "").Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := rateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", "").Code)

	w := get(router, "10.0.0.1:5678", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// A different address has its own bucket.
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1234", "").Code)
}

func TestHTTPRateLimitMiddleware_UsesFirstForwardedHop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := rateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "192.168.0.1:80", "203.0.113.7, 10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "192.168.0.1:80", "203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, get(router, "192.168.0.1:80", "203.0.113.8, 10.0.0.1").Code)
}

func TestRateLimiterStore_ForgetsIdleVisitors(t *testing.T) {
	store := newRateLimiterStore(rate.Limit(1), 1)
	now := time.Now()
	store.now = func() time.Time { return now }

	store.getLimiter("a")
	store.getLimiter("b")
	assert.Equal(t, 2, store.size())

	now = now.Add(2 * limiterIdleTTL)
	store.getLimiter("c")
	assert.Equal(t, 1, store.size())
}
