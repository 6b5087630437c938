package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(requests int64) *gin.Engine {
		r := gin.New()
		r.Use(RateLimit(requests, time.Minute))
		r.POST("/backup", func(c *gin.Context) {
			c.JSON(http.StatusAccepted, gin.H{"status": "started"})
		})
		return r
	}

	t.Run("requests within limit succeed", func(t *testing.T) {
		r := newRouter(3)
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/backup", nil)
			req.RemoteAddr = "127.0.0.1:12345"
			r.ServeHTTP(w, req)

			if w.Code != http.StatusAccepted {
				t.Fatalf("request %d: expected status 202, got %d", i+1, w.Code)
			}
		}
	})

	t.Run("requests exceeding limit rejected", func(t *testing.T) {
		r := newRouter(1)
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/backup", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			r.ServeHTTP(w, req)

			if i == 1 && w.Code != http.StatusTooManyRequests {
				t.Errorf("expected status 429, got %d", w.Code)
			}
		}
	})

	t.Run("clients are limited separately", func(t *testing.T) {
		r := newRouter(1)
		for _, addr := range []string{"10.0.0.2:1", "10.0.0.3:1"} {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/backup", nil)
			req.RemoteAddr = addr
			r.ServeHTTP(w, req)

			if w.Code != http.StatusAccepted {
				t.Errorf("%s: expected status 202, got %d", addr, w.Code)
			}
		}
	})
}
