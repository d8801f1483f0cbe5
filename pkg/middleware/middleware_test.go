package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterThrottlesOrderSubmissions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter()
	rl.orderLimit = rate.Limit(0.001)
	rl.burst = 2

	router := gin.New()
	router.Use(RequestLogger(), rl.Middleware())
	router.POST("/api/v1/orders/execute", func(c *gin.Context) { c.Status(http.StatusCreated) })
	router.GET("/api/v1/orders/:order_id", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/orders/execute", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	// lookups have their own budget
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
