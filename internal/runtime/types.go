// Package runtime provides the container runtime client used to inspect and
// quiesce protected containers.
package runtime

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

var (
	// ErrRuntimeUnavailable is returned when the runtime socket cannot be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrContainerNotFound is returned when the container does not exist.
	ErrContainerNotFound = errors.New("container not found")
	// ErrOperationTimedOut is returned when a runtime call exceeds its deadline.
	ErrOperationTimedOut = errors.New("runtime operation timed out")
	// ErrExecFailed is returned when an exec'd command exits non-zero.
	ErrExecFailed = errors.New("exec command failed")
)

// Container is a summary entry from a container listing.
type Container struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	State   string            `json:"state"`
	Labels  map[string]string `json:"labels,omitempty"`
	Created time.Time         `json:"created"`
}

// Mount is a container mount point.
type Mount struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"read_only"`
}

// ContainerState is the run state of a container.
type ContainerState struct {
	Status     string    `json:"status"`
	Running    bool      `json:"running"`
	Paused     bool      `json:"paused"`
	Restarting bool      `json:"restarting"`
	ExitCode   int       `json:"exit_code"`
	Health     string    `json:"health,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Active reports whether the container's processes exist, paused or not.
func (s ContainerState) Active() bool {
	return s.Running || s.Paused
}

// Healthy reports whether the container passes its healthcheck. Containers
// without a healthcheck are considered healthy.
func (s ContainerState) Healthy() bool {
	return s.Health == "" || s.Health == "healthy"
}

// ContainerInfo is the detailed view of a single container.
type ContainerInfo struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	State          ContainerState    `json:"state"`
	Labels         map[string]string `json:"labels,omitempty"`
	Mounts         []Mount           `json:"mounts,omitempty"`
	HasHealthcheck bool              `json:"has_healthcheck"`
	TTY            bool              `json:"tty"`
}

// MountFor returns the mount whose destination is dest.
func (i *ContainerInfo) MountFor(dest string) (Mount, bool) {
	dest = path.Clean(dest)
	for _, m := range i.Mounts {
		if path.Clean(m.Destination) == dest {
			return m, true
		}
	}
	return Mount{}, false
}

// ListFilter narrows a container listing.
type ListFilter struct {
	// All includes stopped containers.
	All bool
	// Labels are "key" or "key=value" label filters, all of which must match.
	Labels []string
	Names  []string
}

// LogsOptions controls a log read.
type LogsOptions struct {
	Tail       string
	Since      time.Time
	Timestamps bool
}

// Client is the capability interface to the container runtime. State
// changing operations are idempotent.
type Client interface {
	Ping(ctx context.Context) error
	ListContainers(ctx context.Context, filter ListFilter) ([]Container, error)
	Inspect(ctx context.Context, id string) (*ContainerInfo, error)
	Pause(ctx context.Context, id string) error
	Unpause(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Start(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, opts LogsOptions, w io.Writer) error
	Exec(ctx context.Context, id string, cmd []string, w io.Writer) error
}
