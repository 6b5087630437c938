package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hoarderhq/hoarder/internal/history"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCycleState struct {
	last *models.CycleReport
}

func (m *mockCycleState) LastCycle() *models.CycleReport { return m.last }

type mockCycleHistory struct {
	last *models.CycleReport
	err  error
}

func (m *mockCycleHistory) LastCycle(_ context.Context) (*models.CycleReport, error) {
	return m.last, m.err
}

type mockSchedule struct {
	busy bool
	next time.Time
}

func (m *mockSchedule) Busy() bool { return m.busy }

func (m *mockSchedule) NextRun() (time.Time, bool) { return m.next, !m.next.IsZero() }

func getStatus(t *testing.T, h *StatusHandler) (int, StatusResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/status", nil)
	r.ServeHTTP(w, req)

	var resp StatusResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func testCycle() *models.CycleReport {
	return &models.CycleReport{
		ID:      uuid.New(),
		Trigger: "schedule",
		Jobs: []models.JobReport{
			{Target: "web-1", State: models.JobStateCompleted},
			{Target: "db", State: models.JobStateFailed, Reason: models.ReasonQuiesceError},
		},
	}
}

func TestStatus_InMemory(t *testing.T) {
	cycle := testCycle()
	next := time.Date(2026, 10, 20, 2, 0, 0, 0, time.UTC)
	h := NewStatusHandler(&mockCycleState{last: cycle}, &mockCycleHistory{err: errors.New("unused")},
		&mockSchedule{busy: true, next: next}, zerolog.Nop())

	code, resp := getStatus(t, h)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.LastCycle)
	assert.Equal(t, cycle.ID, resp.LastCycle.ID)
	require.NotNil(t, resp.Counts)
	assert.Equal(t, 1, resp.Counts.Completed)
	assert.Equal(t, 1, resp.Counts.Failed)
	assert.True(t, resp.Running)
	require.NotNil(t, resp.NextRun)
	assert.True(t, next.Equal(*resp.NextRun))
}

func TestStatus_FallsBackToHistory(t *testing.T) {
	cycle := testCycle()
	h := NewStatusHandler(&mockCycleState{}, &mockCycleHistory{last: cycle}, nil, zerolog.Nop())

	code, resp := getStatus(t, h)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.LastCycle)
	assert.Equal(t, cycle.ID, resp.LastCycle.ID)
	assert.Nil(t, resp.NextRun)
}

func TestStatus_NoHistory(t *testing.T) {
	h := NewStatusHandler(&mockCycleState{}, &mockCycleHistory{err: history.ErrNoHistory}, nil, zerolog.Nop())

	code, resp := getStatus(t, h)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, resp.LastCycle)
	assert.Nil(t, resp.Counts)
}

func TestStatus_HistoryError(t *testing.T) {
	h := NewStatusHandler(&mockCycleState{}, &mockCycleHistory{err: errors.New("database is locked")}, nil, zerolog.Nop())

	code, _ := getStatus(t, h)
	assert.Equal(t, http.StatusInternalServerError, code)
}
