package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/common"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single runtime call.
const DefaultTimeout = 30 * time.Second

// dockerAPI is the subset of the Docker Engine client used by DockerClient.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (common.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// DockerClient talks to the Docker Engine API.
type DockerClient struct {
	api     dockerAPI
	timeout time.Duration
	logger  zerolog.Logger
}

// NewDockerClient connects to the Docker Engine at host. An empty host uses
// DOCKER_HOST and the other standard docker environment variables.
func NewDockerClient(host string, timeout time.Duration, logger zerolog.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerClient(cli, timeout, logger), nil
}

func newDockerClient(api dockerAPI, timeout time.Duration, logger zerolog.Logger) *DockerClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DockerClient{
		api:     api,
		timeout: timeout,
		logger:  logger.With().Str("component", "runtime").Logger(),
	}
}

// Close releases the underlying connection.
func (d *DockerClient) Close() error {
	return d.api.Close()
}

// Ping checks that the runtime socket answers.
func (d *DockerClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.api.Ping(ctx); err != nil {
		return classify(ctx, "ping", "", err)
	}
	return nil
}

// ListContainers returns the containers matching filter.
func (d *DockerClient) ListContainers(ctx context.Context, filter ListFilter) ([]Container, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := filters.NewArgs()
	for _, l := range filter.Labels {
		args.Add("label", l)
	}
	for _, n := range filter.Names {
		args.Add("name", n)
	}

	d.logger.Debug().Strs("labels", filter.Labels).Bool("all", filter.All).Msg("listing containers")

	summaries, err := d.api.ContainerList(ctx, container.ListOptions{All: filter.All, Filters: args})
	if err != nil {
		return nil, classify(ctx, "list containers", "", err)
	}

	containers := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		containers = append(containers, Container{
			ID:      s.ID,
			Name:    name,
			Image:   s.Image,
			State:   string(s.State),
			Labels:  s.Labels,
			Created: time.Unix(s.Created, 0),
		})
	}

	d.logger.Debug().Int("count", len(containers)).Msg("containers listed")
	return containers, nil
}

// Inspect returns the detailed state of a container.
func (d *DockerClient) Inspect(ctx context.Context, id string) (*ContainerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.inspect(ctx, id)
}

func (d *DockerClient) inspect(ctx context.Context, id string) (*ContainerInfo, error) {
	raw, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify(ctx, "inspect container", id, err)
	}
	if raw.ContainerJSONBase == nil {
		return nil, fmt.Errorf("inspect container %s: empty response", id)
	}

	info := &ContainerInfo{
		ID:   raw.ID,
		Name: strings.TrimPrefix(raw.Name, "/"),
	}
	if raw.Config != nil {
		info.Image = raw.Config.Image
		info.Labels = raw.Config.Labels
		info.TTY = raw.Config.Tty
		if hc := raw.Config.Healthcheck; hc != nil && len(hc.Test) > 0 && hc.Test[0] != "NONE" {
			info.HasHealthcheck = true
		}
	}
	if st := raw.State; st != nil {
		info.State = ContainerState{
			Status:     string(st.Status),
			Running:    st.Running,
			Paused:     st.Paused,
			Restarting: st.Restarting,
			ExitCode:   st.ExitCode,
		}
		if st.Health != nil {
			info.State.Health = string(st.Health.Status)
		}
		if t, err := time.Parse(time.RFC3339Nano, st.StartedAt); err == nil {
			info.State.StartedAt = t
		}
	}
	for _, m := range raw.Mounts {
		info.Mounts = append(info.Mounts, Mount{
			Type:        string(m.Type),
			Name:        m.Name,
			Source:      m.Source,
			Destination: m.Destination,
			ReadOnly:    !m.RW,
		})
	}
	return info, nil
}

// Pause freezes a running container. Pausing a paused container is a no-op.
func (d *DockerClient) Pause(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	info, err := d.inspect(ctx, id)
	if err != nil {
		return err
	}
	if info.State.Paused {
		d.logger.Debug().Str("container_id", id).Msg("container already paused")
		return nil
	}

	d.logger.Info().Str("container_id", id).Msg("pausing container")
	if err := d.api.ContainerPause(ctx, id); err != nil {
		return classify(ctx, "pause container", id, err)
	}
	return nil
}

// Unpause resumes a paused container. Unpausing a running container is a no-op.
func (d *DockerClient) Unpause(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	info, err := d.inspect(ctx, id)
	if err != nil {
		return err
	}
	if !info.State.Paused {
		d.logger.Debug().Str("container_id", id).Msg("container not paused")
		return nil
	}

	d.logger.Info().Str("container_id", id).Msg("unpausing container")
	if err := d.api.ContainerUnpause(ctx, id); err != nil {
		return classify(ctx, "unpause container", id, err)
	}
	return nil
}

// Stop stops a container, killing it after timeout. Stopping a stopped
// container is a no-op.
func (d *DockerClient) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout+timeout)
	defer cancel()

	info, err := d.inspect(ctx, id)
	if err != nil {
		return err
	}
	if !info.State.Active() && !info.State.Restarting {
		d.logger.Debug().Str("container_id", id).Msg("container already stopped")
		return nil
	}

	secs := int(timeout.Round(time.Second) / time.Second)
	d.logger.Info().Str("container_id", id).Int("timeout_seconds", secs).Msg("stopping container")
	if err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return classify(ctx, "stop container", id, err)
	}
	return nil
}

// Start starts a container. Starting a running container is a no-op.
func (d *DockerClient) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	info, err := d.inspect(ctx, id)
	if err != nil {
		return err
	}
	if info.State.Running {
		d.logger.Debug().Str("container_id", id).Msg("container already running")
		return nil
	}

	d.logger.Info().Str("container_id", id).Msg("starting container")
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(ctx, "start container", id, err)
	}
	return nil
}

// Logs writes the container's stdout and stderr to w.
func (d *DockerClient) Logs(ctx context.Context, id string, opts LogsOptions, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	info, err := d.inspect(ctx, id)
	if err != nil {
		return err
	}

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}

	rc, err := d.api.ContainerLogs(ctx, id, logOpts)
	if err != nil {
		return classify(ctx, "container logs", id, err)
	}
	defer rc.Close()

	if info.TTY {
		_, err = io.Copy(w, rc)
	} else {
		_, err = stdcopy.StdCopy(w, w, rc)
	}
	if err != nil {
		return classify(ctx, "read container logs", id, err)
	}
	return nil
}

// Exec runs cmd inside the container and writes its stdout to w. Stderr is
// captured and included in the error when the command exits non-zero.
func (d *DockerClient) Exec(ctx context.Context, id string, cmd []string, w io.Writer) error {
	d.logger.Debug().Str("container_id", id).Strs("cmd", cmd).Msg("executing command in container")

	created, err := d.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return classify(ctx, "create exec", id, err)
	}

	hijacked, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return classify(ctx, "attach exec", id, err)
	}
	defer hijacked.Close()

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(w, &stderr, hijacked.Reader); err != nil {
		return classify(ctx, "read exec output", id, err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return classify(ctx, "inspect exec", id, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited %d: %s", ErrExecFailed, strings.Join(cmd, " "), inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// classify maps Docker client errors onto the runtime error classes.
func classify(ctx context.Context, op, id string, err error) error {
	subject := op
	if id != "" {
		subject = op + " " + id
	}
	switch {
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %w", subject, ErrContainerNotFound, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", subject, ErrOperationTimedOut, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %w", subject, ErrRuntimeUnavailable, err)
	}
	return fmt.Errorf("%s: %w", subject, err)
}
