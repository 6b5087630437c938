package coordinator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned when a container already has an active job.
	ErrLockHeld = errors.New("container lock held by another job")
	// ErrLockNotHeld is returned when overriding a lock that does not exist.
	ErrLockNotHeld = errors.New("container lock not held")
)

// LockInfo describes a held container lock.
type LockInfo struct {
	ContainerID string    `json:"container_id"`
	Target      string    `json:"target"`
	JobID       uuid.UUID `json:"job_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	// Fatal locks outlive their job and are only removed by an operator.
	Fatal  bool   `json:"fatal"`
	Reason string `json:"reason,omitempty"`
}

// LockStore persists fatal locks across restarts.
type LockStore interface {
	SaveLock(info LockInfo) error
	DeleteLock(containerID string) error
	FatalLocks() ([]LockInfo, error)
}

// LockTable is the keyed per-container lock table.
type LockTable struct {
	mu    sync.Mutex
	held  map[string]LockInfo
	store LockStore
}

// NewLockTable creates an empty lock table. store may be nil.
func NewLockTable(store LockStore) *LockTable {
	return &LockTable{
		held:  make(map[string]LockInfo),
		store: store,
	}
}

// Load restores persisted fatal locks.
func (t *LockTable) Load() (int, error) {
	if t.store == nil {
		return 0, nil
	}
	locks, err := t.store.FatalLocks()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range locks {
		l.Fatal = true
		t.held[l.ContainerID] = l
	}
	return len(locks), nil
}

// TryAcquire takes the lock for containerID if it is free.
func (t *LockTable) TryAcquire(containerID, target string, jobID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[containerID]; ok {
		return false
	}
	t.held[containerID] = LockInfo{
		ContainerID: containerID,
		Target:      target,
		JobID:       jobID,
		AcquiredAt:  time.Now(),
	}
	return true
}

// Release frees the lock if jobID owns it and it is not fatal.
func (t *LockTable) Release(containerID string, jobID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.held[containerID]
	if !ok || info.JobID != jobID || info.Fatal {
		return false
	}
	delete(t.held, containerID)
	return true
}

// MarkFatal pins the lock owned by jobID so it survives the job.
func (t *LockTable) MarkFatal(containerID string, jobID uuid.UUID, reason string) error {
	t.mu.Lock()
	info, ok := t.held[containerID]
	if !ok || info.JobID != jobID {
		t.mu.Unlock()
		return ErrLockNotHeld
	}
	info.Fatal = true
	info.Reason = reason
	t.held[containerID] = info
	t.mu.Unlock()

	if t.store != nil {
		return t.store.SaveLock(info)
	}
	return nil
}

// Override removes a lock regardless of owner. It is the operator escape
// hatch for fatal locks.
func (t *LockTable) Override(containerID string) (LockInfo, error) {
	t.mu.Lock()
	info, ok := t.held[containerID]
	if ok {
		delete(t.held, containerID)
	}
	t.mu.Unlock()

	if !ok {
		return LockInfo{}, ErrLockNotHeld
	}
	if t.store != nil && info.Fatal {
		if err := t.store.DeleteLock(containerID); err != nil {
			return info, err
		}
	}
	return info, nil
}

// Get returns the lock held for containerID.
func (t *LockTable) Get(containerID string) (LockInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.held[containerID]
	return info, ok
}

// List returns all held locks ordered by container.
func (t *LockTable) List() []LockInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	locks := make([]LockInfo, 0, len(t.held))
	for _, l := range t.held {
		locks = append(locks, l)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ContainerID < locks[j].ContainerID })
	return locks
}
