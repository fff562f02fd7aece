package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func rateLimitedRouter(cfg RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(cfg))
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router *gin.Engine, userID string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitKeysByUserIdentity(t *testing.T) {
	router := rateLimitedRouter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	assert.Equal(t, http.StatusOK, get(router, "user-a"))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "user-a"))

	// A different tenant from the same client address keeps its own bucket.
	assert.Equal(t, http.StatusOK, get(router, "user-b"))
}

func TestRateLimitFallsBackToClientIP(t *testing.T) {
	router := rateLimitedRouter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	assert.Equal(t, http.StatusOK, get(router, ""))
	assert.Equal(t, http.StatusTooManyRequests, get(router, ""))
}
