package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hoarderhq/hoarder/internal/shutdown"
	"github.com/rs/zerolog"
)

type mockRuntimeChecker struct {
	pingErr error
}

func (m *mockRuntimeChecker) Ping(_ context.Context) error {
	return m.pingErr
}

type mockShutdownStatus struct {
	status shutdown.Status
}

func (m *mockShutdownStatus) GetStatus() shutdown.Status {
	return m.status
}

func setupHealthTestRouter(rt RuntimeChecker, sd ShutdownStatusProvider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHealthHandler(rt, sd, zerolog.Nop()).RegisterRoutes(r)
	return r
}

func TestHealthOverall(t *testing.T) {
	running := &mockShutdownStatus{status: shutdown.Status{State: shutdown.StateRunning, AcceptingNewJobs: true}}

	t.Run("healthy", func(t *testing.T) {
		r := setupHealthTestRouter(&mockRuntimeChecker{}, running)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/health", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if resp.Status != HealthStatusHealthy {
			t.Errorf("expected healthy, got %s", resp.Status)
		}
		if resp.Checks["runtime"] == nil || resp.Checks["runtime"].Status != HealthStatusHealthy {
			t.Errorf("expected healthy runtime check, got %+v", resp.Checks["runtime"])
		}
	})

	t.Run("runtime unreachable", func(t *testing.T) {
		r := setupHealthTestRouter(&mockRuntimeChecker{pingErr: errors.New("dial unix /var/run/docker.sock")}, running)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/health", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}
		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if resp.Checks["runtime"].Error != "container runtime unreachable" {
			t.Errorf("unexpected error message %q", resp.Checks["runtime"].Error)
		}
	})

	t.Run("shutting down", func(t *testing.T) {
		draining := &mockShutdownStatus{status: shutdown.Status{State: shutdown.StateDraining, RunningJobs: 1}}
		r := setupHealthTestRouter(&mockRuntimeChecker{}, draining)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/health", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}
		var resp HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if resp.Shutdown == nil || resp.Shutdown.State != shutdown.StateDraining {
			t.Errorf("expected draining shutdown status, got %+v", resp.Shutdown)
		}
	})

	t.Run("no runtime configured", func(t *testing.T) {
		r := setupHealthTestRouter(nil, nil)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/health", nil)
		r.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", w.Code)
		}
	})
}
