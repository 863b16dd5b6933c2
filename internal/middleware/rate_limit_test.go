package middleware

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

func rateLimitedRouter(client *redis.Client, limit int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders())
	r.POST("/start", RateLimit(client, RateLimitConfig{
		RequestsPerMinute: limit,
		KeyPrefix:         "ratelimit:test:",
		Message:           "slow down",
	}), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return r
}

func post(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/start", nil)
	req.RemoteAddr = ip + ":12345"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_PerIP(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := rateLimitedRouter(client, 3)
	for i := 0; i < 3; i++ {
		w := post(r, "10.0.0.1")
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := post(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	assert.Equal(t, http.StatusCreated, post(r, "10.0.0.2").Code, "other clients are unaffected")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	r := rateLimitedRouter(nil, 1)
	assert.Equal(t, http.StatusCreated, post(r, "10.0.0.1").Code)
	assert.Equal(t, http.StatusCreated, post(r, "10.0.0.1").Code)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	r = rateLimitedRouter(client, 1)
	assert.Equal(t, http.StatusCreated, post(r, "10.0.0.1").Code)
	assert.Equal(t, http.StatusCreated, post(r, "10.0.0.1").Code)
}
