package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// mockJobTracker is a mock implementation of JobTracker for testing.
type mockJobTracker struct {
	mu      sync.RWMutex
	running map[uuid.UUID]struct{}
}

func newMockJobTracker() *mockJobTracker {
	return &mockJobTracker{running: make(map[uuid.UUID]struct{})}
}

func (m *mockJobTracker) addRunning(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[id] = struct{}{}
}

func (m *mockJobTracker) removeRunning(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

func (m *mockJobTracker) RunningJobIDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

func newTestManager(config Config, tracker JobTracker, cancel func()) *Manager {
	m := NewManager(config, tracker, cancel, zerolog.Nop())
	m.pollInterval = 10 * time.Millisecond
	return m
}

func TestManager_NewManager(t *testing.T) {
	m := newTestManager(DefaultConfig(), newMockJobTracker(), nil)

	if !m.IsAcceptingJobs() {
		t.Error("expected manager to accept jobs initially")
	}
	if m.GetState() != StateRunning {
		t.Errorf("expected state to be running, got %s", m.GetState())
	}
}

func TestManager_GetStatus(t *testing.T) {
	tracker := newMockJobTracker()
	tracker.addRunning(uuid.New())
	tracker.addRunning(uuid.New())

	status := newTestManager(DefaultConfig(), tracker, nil).GetStatus()

	if status.State != StateRunning {
		t.Errorf("expected state running, got %s", status.State)
	}
	if !status.AcceptingNewJobs {
		t.Error("expected accepting new jobs to be true")
	}
	if status.RunningJobs != 2 {
		t.Errorf("expected 2 running jobs, got %d", status.RunningJobs)
	}
}

func TestManager_ShutdownNoJobs(t *testing.T) {
	var cancelled atomic.Bool
	m := newTestManager(Config{Timeout: 5 * time.Second, GracePeriod: time.Second}, newMockJobTracker(), func() { cancelled.Store(true) })

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.GetState() != StateComplete {
		t.Errorf("expected state complete, got %s", m.GetState())
	}
	if m.IsAcceptingJobs() {
		t.Error("expected not accepting jobs after shutdown")
	}
	if cancelled.Load() {
		t.Error("cancel must not be called without running jobs")
	}
}

func TestManager_JobsFinishDuringGrace(t *testing.T) {
	tracker := newMockJobTracker()
	jobID := uuid.New()
	tracker.addRunning(jobID)

	var cancelled atomic.Bool
	m := newTestManager(Config{Timeout: 5 * time.Second, GracePeriod: 2 * time.Second}, tracker, func() { cancelled.Store(true) })

	done := make(chan error)
	go func() { done <- m.Shutdown(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if m.GetState() != StateDraining {
		t.Errorf("expected draining, got %s", m.GetState())
	}
	tracker.removeRunning(jobID)

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Load() {
		t.Error("jobs finished during the grace period, cancel must not be called")
	}
}

func TestManager_CancelsAfterGrace(t *testing.T) {
	tracker := newMockJobTracker()
	jobID := uuid.New()
	tracker.addRunning(jobID)

	var cancelled atomic.Bool
	m := newTestManager(Config{Timeout: 5 * time.Second, GracePeriod: 50 * time.Millisecond}, tracker, func() {
		cancelled.Store(true)
		// The cancelled job restores its container and ends.
		go func() {
			time.Sleep(20 * time.Millisecond)
			tracker.removeRunning(jobID)
		}()
	})

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cancelled.Load() {
		t.Error("expected running jobs to be cancelled after the grace period")
	}
}

func TestManager_ShutdownTimeout(t *testing.T) {
	tracker := newMockJobTracker()
	tracker.addRunning(uuid.New())

	m := newTestManager(Config{Timeout: 300 * time.Millisecond, GracePeriod: 100 * time.Millisecond}, tracker, nil)

	start := time.Now()
	err := m.Shutdown(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrJobsStillRunning) {
		t.Fatalf("expected ErrJobsStillRunning, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("expected shutdown to complete within timeout, took %v", elapsed)
	}
	if m.GetState() != StateComplete {
		t.Errorf("expected state complete, got %s", m.GetState())
	}
}

func TestManager_ShutdownOnce(t *testing.T) {
	var calls atomic.Int32
	tracker := newMockJobTracker()
	tracker.addRunning(uuid.New())
	m := newTestManager(Config{Timeout: 200 * time.Millisecond, GracePeriod: 50 * time.Millisecond}, tracker, func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	if m.GetState() != StateComplete {
		t.Errorf("expected state complete, got %s", m.GetState())
	}
	if calls.Load() != 1 {
		t.Errorf("expected one cancel call, got %d", calls.Load())
	}
}

func TestManager_Done(t *testing.T) {
	m := newTestManager(Config{Timeout: time.Second, GracePeriod: 100 * time.Millisecond}, newMockJobTracker(), nil)

	select {
	case <-m.Done():
		t.Fatal("expected done channel to not be closed before shutdown")
	default:
	}

	go func() {
		_ = m.Shutdown(context.Background())
	}()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for done channel")
	}
}
