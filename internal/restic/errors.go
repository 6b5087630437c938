package restic

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRepositoryLocked is returned when another process holds an exclusive repository lock.
	ErrRepositoryLocked = errors.New("repository is locked")
	// ErrRepositoryUnreachable is returned when the repository backend cannot be reached.
	ErrRepositoryUnreachable = errors.New("repository unreachable")
	// ErrAuthenticationFailed is returned when the repository password is rejected.
	ErrAuthenticationFailed = errors.New("repository authentication failed")
	// ErrPartialPathMissing is returned when a snapshot was created but some
	// source files could not be read.
	ErrPartialPathMissing = errors.New("some source paths could not be read")
	// ErrRepositoryNotInitialized is returned when the repository has not been initialized.
	ErrRepositoryNotInitialized = errors.New("repository not initialized")
	// ErrRepositoryTimedOut is returned when a restic invocation exceeds its deadline.
	ErrRepositoryTimedOut = errors.New("repository operation timed out")
	// ErrSnapshotNotFound is returned when a snapshot cannot be found.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// restic exit codes, see restic's "Exit status codes" documentation.
const (
	exitPartial       = 3
	exitRepoNotExist  = 10
	exitLockFailed    = 11
	exitWrongPassword = 12
)

// Retryable reports whether err is a transient repository condition that
// is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrRepositoryLocked) || errors.Is(err, ErrRepositoryUnreachable)
}

// classify maps a failed restic invocation onto the repository error classes.
func classify(ctx context.Context, exitCode int, stderr string, cause error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	var class error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		class = ErrRepositoryTimedOut
	case exitCode == exitLockFailed,
		strings.Contains(lower, "repository is already locked"),
		strings.Contains(lower, "unable to create lock"):
		class = ErrRepositoryLocked
	case exitCode == exitWrongPassword,
		strings.Contains(lower, "wrong password"),
		strings.Contains(lower, "no key found"):
		class = ErrAuthenticationFailed
	case exitCode == exitRepoNotExist,
		strings.Contains(lower, "repository does not exist"),
		strings.Contains(lower, "is there a repository at the following location"):
		class = ErrRepositoryNotInitialized
	case exitCode == exitPartial:
		class = ErrPartialPathMissing
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "unable to open repository"),
		strings.Contains(lower, "dial tcp"):
		class = ErrRepositoryUnreachable
	case strings.Contains(lower, "no matching id"):
		class = ErrSnapshotNotFound
	}

	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	if class == nil {
		return fmt.Errorf("restic exited %d: %s", exitCode, msg)
	}
	return fmt.Errorf("%w: %s", class, msg)
}
