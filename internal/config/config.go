// Package config provides configuration management for hoarder.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Restic runner modes.
const (
	ResticModeLocal  = "local"
	ResticModeDocker = "docker"
)

// forwardedPrefixes are the environment variable prefixes passed through to
// restic.
var forwardedPrefixes = []string{"RESTIC_", "AWS_", "B2_", "AZURE_", "GOOGLE_"}

// HookURLs holds the webhook endpoints per job outcome.
type HookURLs struct {
	Success string
	Failure string
	Partial string
	Fatal   string
}

// ProxyConfig holds the proxy settings for outbound webhook requests.
type ProxyConfig struct {
	HTTPProxy   string
	HTTPSProxy  string
	NoProxy     string
	SOCKS5Proxy string
}

// HasProxy reports whether any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != ""
}

// Config holds hoarder's configuration loaded from environment variables.
type Config struct {
	Repository   string
	Host         string
	PasswordFile string

	IntermediatePath string
	// IntermediateMountOverride is IntermediatePath as seen by the
	// container runtime, for the restic sidecar bind.
	IntermediateMountOverride string
	StagingMode               string
	PartialPolicy             string
	MinFreeBytes              uint64
	SourcePrefix              string
	Snapshotter               string

	LogLevel  string
	LogFormat string

	DockerHost     string
	TargetsFile    string
	LabelDiscovery bool
	LabelPrefix    string

	Schedule    string
	Concurrency int

	RuntimeTimeout    time.Duration
	StopTimeout       time.Duration
	RepositoryTimeout time.Duration
	VerifyTimeout     time.Duration
	VerifyInterval    time.Duration
	ShutdownTimeout   time.Duration

	RetryMax         int
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration

	ResticBinary string
	ResticMode   string
	ResticImage  string
	ResticRoot   string
	DockerBinary string
	DryRun       bool

	HistoryPath      string
	HistoryRetention time.Duration
	ListenAddr       string
	RedisURL         string
	RedisChannel     string
	Hooks            HookURLs
	HookProxy        ProxyConfig
}

// Load reads configuration from environment variables. Invalid values fall
// back to their defaults; Validate reports missing required keys.
func Load() Config {
	hostname, _ := os.Hostname()

	cfg := Config{
		Repository:   getEnvFallback("HOARDER_REPOSITORY", "RESTIC_REPOSITORY"),
		Host:         getEnv("HOARDER_HOST", hostname),
		PasswordFile: getEnvFallback("HOARDER_PASSWORD_FILE", "RESTIC_PASSWORD_FILE"),

		IntermediatePath:          getEnv("HOARDER_INTERMEDIATE_PATH", ""),
		IntermediateMountOverride: getEnv("HOARDER_INTERMEDIATE_MOUNT_OVERRIDE", ""),
		StagingMode:               strings.ToLower(getEnv("HOARDER_STAGING_MODE", "link")),
		PartialPolicy:             strings.ToLower(getEnv("HOARDER_PARTIAL_POLICY", "retain")),
		MinFreeBytes:              getEnvUint("HOARDER_MIN_FREE_BYTES", 0),
		SourcePrefix:              getEnv("HOARDER_SOURCE_PREFIX", ""),
		Snapshotter:               strings.ToLower(getEnv("HOARDER_SNAPSHOTTER", "none")),

		LogLevel:  strings.ToLower(getEnv("HOARDER_LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("HOARDER_LOG_FORMAT", "json")),

		DockerHost:     getEnv("HOARDER_DOCKER_HOST", ""),
		TargetsFile:    getEnv("HOARDER_TARGETS_FILE", ""),
		LabelDiscovery: getEnvBool("HOARDER_LABEL_DISCOVERY", true),
		LabelPrefix:    getEnv("HOARDER_LABEL_PREFIX", "hoarder.backup"),

		Schedule:    getEnv("HOARDER_SCHEDULE", "@daily"),
		Concurrency: getEnvInt("HOARDER_CONCURRENCY", 2),

		RuntimeTimeout:    getEnvDuration("HOARDER_RUNTIME_TIMEOUT", 30*time.Second),
		StopTimeout:       getEnvDuration("HOARDER_STOP_TIMEOUT", 30*time.Second),
		RepositoryTimeout: getEnvDuration("HOARDER_REPOSITORY_TIMEOUT", 6*time.Hour),
		VerifyTimeout:     getEnvDuration("HOARDER_VERIFY_TIMEOUT", 10*time.Second),
		VerifyInterval:    getEnvDuration("HOARDER_VERIFY_INTERVAL", 500*time.Millisecond),
		ShutdownTimeout:   getEnvDuration("HOARDER_SHUTDOWN_TIMEOUT", 10*time.Minute),

		RetryMax:         getEnvInt("HOARDER_RETRY_MAX", 3),
		RetryInitial:     getEnvDuration("HOARDER_RETRY_INITIAL", 5*time.Second),
		RetryMaxInterval: getEnvDuration("HOARDER_RETRY_MAX_INTERVAL", time.Minute),

		ResticBinary: getEnv("HOARDER_RESTIC_BINARY", "restic"),
		ResticMode:   strings.ToLower(getEnv("HOARDER_RESTIC_MODE", ResticModeLocal)),
		ResticImage:  getEnv("HOARDER_RESTIC_IMAGE", "restic/restic:latest"),
		ResticRoot:   getEnv("HOARDER_RESTIC_ROOT", "/backup"),
		DockerBinary: getEnv("HOARDER_DOCKER_BINARY", "docker"),
		DryRun:       getEnvBool("HOARDER_DRY_RUN", false),

		HistoryPath:      getEnv("HOARDER_HISTORY_PATH", ""),
		HistoryRetention: getEnvDuration("HOARDER_HISTORY_RETENTION", 90*24*time.Hour),
		ListenAddr:       getEnv("HOARDER_LISTEN_ADDR", ""),
		RedisURL:         getEnv("HOARDER_REDIS_URL", ""),
		RedisChannel:     getEnv("HOARDER_REDIS_CHANNEL", "hoarder:reports"),
		Hooks: HookURLs{
			Success: getEnv("HOARDER_HOOK_SUCCESS", ""),
			Failure: getEnv("HOARDER_HOOK_FAILURE", ""),
			Partial: getEnv("HOARDER_HOOK_PARTIAL", ""),
			Fatal:   getEnv("HOARDER_HOOK_FATAL", ""),
		},
		HookProxy: ProxyConfig{
			HTTPProxy:   getEnv("HOARDER_HOOK_HTTP_PROXY", ""),
			HTTPSProxy:  getEnv("HOARDER_HOOK_HTTPS_PROXY", ""),
			NoProxy:     getEnv("HOARDER_HOOK_NO_PROXY", ""),
			SOCKS5Proxy: getEnv("HOARDER_HOOK_SOCKS5_PROXY", ""),
		},
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	return cfg
}

// Validate checks that the configuration has the required fields for a
// backup run.
func (c *Config) Validate() error {
	errs := []error{c.ValidateRepository()}
	if c.Host == "" {
		errs = append(errs, errors.New("HOARDER_HOST is required"))
	}
	if c.IntermediatePath == "" {
		errs = append(errs, errors.New("HOARDER_INTERMEDIATE_PATH is required"))
	} else if !filepath.IsAbs(c.IntermediatePath) {
		errs = append(errs, fmt.Errorf("HOARDER_INTERMEDIATE_PATH must be absolute: %s", c.IntermediatePath))
	}

	if c.ResticMode == ResticModeDocker && c.StagingMode == "direct" {
		errs = append(errs, errors.New("HOARDER_STAGING_MODE=direct cannot be used with HOARDER_RESTIC_MODE=docker"))
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("HOARDER_LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	switch c.Snapshotter {
	case "none", "btrfs":
	default:
		errs = append(errs, fmt.Errorf("HOARDER_SNAPSHOTTER must be none or btrfs, got %q", c.Snapshotter))
	}
	if c.VerifyInterval <= 0 || c.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("verify timeout and interval must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateRepository checks the settings needed to reach the repository,
// for commands that never touch containers.
func (c *Config) ValidateRepository() error {
	var errs []error
	if c.Repository == "" {
		errs = append(errs, errors.New("HOARDER_REPOSITORY (or RESTIC_REPOSITORY) is required"))
	}
	if c.PasswordFile == "" {
		errs = append(errs, errors.New("HOARDER_PASSWORD_FILE (or RESTIC_PASSWORD_FILE) is required"))
	}
	switch c.ResticMode {
	case ResticModeLocal, ResticModeDocker:
	default:
		errs = append(errs, fmt.Errorf("HOARDER_RESTIC_MODE must be local or docker, got %q", c.ResticMode))
	}
	return errors.Join(errs...)
}

// RepositoryMount returns the intermediate path as seen by the container
// runtime.
func (c *Config) RepositoryMount() string {
	if c.IntermediateMountOverride != "" {
		return c.IntermediateMountOverride
	}
	return c.IntermediatePath
}

// ForwardedEnv returns the RESTIC_* and cloud credential variables of the
// process environment. The password variables are handled separately.
func ForwardedEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "RESTIC_PASSWORD_FILE", "RESTIC_REPOSITORY":
			continue
		}
		for _, prefix := range forwardedPrefixes {
			if strings.HasPrefix(key, prefix) {
				env[key] = val
				break
			}
		}
	}
	return env
}

// ForwardedKeys returns the sorted names of the forwarded variables, for
// logging without values.
func ForwardedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// getEnv reads a string from an environment variable, returning the default if unset.
func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvFallback reads key, then fallback.
func getEnvFallback(key, fallback string) string {
	return getEnv(key, getEnv(fallback, ""))
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a Go duration, e.g. "30s", returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}
