package restic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"

	"github.com/rs/zerolog"
)

// ContainerPasswordFile is where the password file is mounted inside the
// restic sidecar container.
const ContainerPasswordFile = "/restic_password"

// Config holds the repository connection settings shared by all invocations.
type Config struct {
	Repository   string
	PasswordFile string
	Host         string
	// Env holds forwarded RESTIC_* and cloud credential variables.
	Env    map[string]string
	DryRun bool
}

// Result is the outcome of a single restic invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a restic invocation. A non-nil error means restic could
// not be run at all; a non-zero exit is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cfg Config, args []string) (*Result, error)
}

// LocalRunner runs a restic binary on the host.
type LocalRunner struct {
	binary string
	logger zerolog.Logger
}

// NewLocalRunner creates a runner for the restic binary at path.
func NewLocalRunner(binary string, logger zerolog.Logger) *LocalRunner {
	if binary == "" {
		binary = "restic"
	}
	return &LocalRunner{
		binary: binary,
		logger: logger.With().Str("component", "restic").Str("runner", "local").Logger(),
	}
}

// Run executes restic with args.
func (l *LocalRunner) Run(ctx context.Context, cfg Config, args []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, l.binary, args...)

	cmd.Env = cmd.Environ()
	for _, k := range sortedKeys(cfg.Env) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, cfg.Env[k]))
	}
	cmd.Env = append(cmd.Env, "RESTIC_PASSWORD_FILE="+cfg.PasswordFile)

	l.logger.Debug().
		Str("command", l.binary).
		Strs("args", args).
		Msg("executing restic command")

	return runCommand(cmd)
}

// DockerRunner runs restic in an ephemeral sibling container. The
// intermediate root is bound at Root and the password file at
// ContainerPasswordFile, both read-only except for restores.
type DockerRunner struct {
	dockerBinary string
	image        string
	// Mount is the intermediate root as seen by the container runtime.
	mount  string
	root   string
	logger zerolog.Logger
}

// NewDockerRunner creates a sidecar runner.
func NewDockerRunner(dockerBinary, image, mount, root string, logger zerolog.Logger) *DockerRunner {
	if dockerBinary == "" {
		dockerBinary = "docker"
	}
	return &DockerRunner{
		dockerBinary: dockerBinary,
		image:        image,
		mount:        mount,
		root:         root,
		logger:       logger.With().Str("component", "restic").Str("runner", "docker").Logger(),
	}
}

// Run executes restic with args inside a new container.
func (d *DockerRunner) Run(ctx context.Context, cfg Config, args []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, d.dockerBinary, d.dockerArgs(cfg, args)...)
	cmd.Env = cmd.Environ()
	for _, k := range sortedKeys(cfg.Env) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, cfg.Env[k]))
	}

	d.logger.Debug().
		Str("image", d.image).
		Strs("args", args).
		Msg("executing restic command in container")

	return runCommand(cmd)
}

func (d *DockerRunner) dockerArgs(cfg Config, args []string) []string {
	mode := "ro"
	if len(args) > 0 && args[0] == "restore" {
		mode = "rw"
	}

	out := []string{
		"run", "--rm", "-i",
		"--volume", fmt.Sprintf("%s:%s:%s", d.mount, d.root, mode),
		"--volume", fmt.Sprintf("%s:%s:ro", cfg.PasswordFile, ContainerPasswordFile),
		"--env", "RESTIC_PASSWORD_FILE=" + ContainerPasswordFile,
	}
	if cfg.Host != "" {
		out = append(out, "--env", "RESTIC_HOST="+cfg.Host)
	}
	// Values are passed through the docker client's environment so they
	// never show up in the process list.
	for _, k := range sortedKeys(cfg.Env) {
		if k == "RESTIC_PASSWORD_FILE" {
			continue
		}
		out = append(out, "--env", k)
	}
	out = append(out, d.image)
	return append(out, args...)
}

// runCommand runs cmd capturing its output.
func runCommand(cmd *exec.Cmd) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
