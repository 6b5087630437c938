package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the state of a BackupJob.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateQuiescing JobState = "quiescing"
	JobStateStaging   JobState = "staging"
	JobStateBackingUp JobState = "backing_up"
	JobStateRestoring JobState = "restoring"
	JobStateVerifying JobState = "verifying"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	// JobStateFatal marks a job whose container could not be revived.
	JobStateFatal JobState = "fatal"
)

// Terminal reports whether s is an end state.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateFatal
}

// FailureReason explains why a job did not complete.
type FailureReason string

const (
	ReasonLockHeld           FailureReason = "lock_held"
	ReasonContainerNotFound  FailureReason = "container_not_found"
	ReasonRuntimeUnavailable FailureReason = "runtime_unavailable"
	ReasonPolicyRejected     FailureReason = "policy_rejected"
	ReasonQuiesceError       FailureReason = "quiesce_error"
	ReasonStagingError       FailureReason = "staging_error"
	ReasonRepositoryError    FailureReason = "repository_error"
	ReasonRestoreFailed      FailureReason = "restore_failed"
	ReasonVerifyTimeout      FailureReason = "verify_timeout"
	ReasonCancelled          FailureReason = "cancelled"
)

// ErrorClass groups job errors by the collaborator that produced them.
type ErrorClass string

const (
	ErrorClassLock         ErrorClass = "lock"
	ErrorClassRuntime      ErrorClass = "runtime"
	ErrorClassStaging      ErrorClass = "staging"
	ErrorClassRepository   ErrorClass = "repository"
	ErrorClassRestoreFatal ErrorClass = "restore_fatal"
)

// JobError is an error recorded on a BackupJob.
type JobError struct {
	Class ErrorClass
	State JobState
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Class, e.State, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// PathOutcome is the per-path result of a job.
type PathOutcome struct {
	// Path is the container-side mount destination, or the dump file name.
	Path       string `json:"path"`
	Source     string `json:"source,omitempty"`
	StagedPath string `json:"staged_path,omitempty"`
	Missing    bool   `json:"missing,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BackupJob is one execution attempt for a ProtectedTarget. It is owned by
// a single coordinator goroutine for its whole lifetime.
type BackupJob struct {
	ID           uuid.UUID
	Target       ProtectedTarget
	StartedAt    time.Time
	FinishedAt   time.Time
	State        JobState
	StateReached JobState
	// States lists the states entered, in order.
	States      []JobState
	Reason      FailureReason
	Degraded    bool
	StagingPath string
	Outcomes    []PathOutcome
	Snapshots   []SnapshotRecord
	Errors      []*JobError
	Attempts    int
	WasRunning  bool
	WasPaused   bool
	Quiesced    bool
	LogsTail    string
}

// NewBackupJob creates a pending job for the target.
func NewBackupJob(target ProtectedTarget) *BackupJob {
	return &BackupJob{
		ID:           uuid.New(),
		Target:       target,
		StartedAt:    time.Now(),
		State:        JobStatePending,
		StateReached: JobStatePending,
		States:       []JobState{JobStatePending},
	}
}

// Enter moves the job into a non-terminal state.
func (j *BackupJob) Enter(state JobState) {
	j.State = state
	j.StateReached = state
	j.States = append(j.States, state)
}

// Fail records an error. The first reason wins, except that a restore
// failure always takes precedence.
func (j *BackupJob) Fail(reason FailureReason, class ErrorClass, err error) {
	j.Errors = append(j.Errors, &JobError{Class: class, State: j.State, Err: err})
	if j.Reason == "" || reason == ReasonRestoreFailed {
		j.Reason = reason
	}
}

// Failed reports whether any failure has been recorded.
func (j *BackupJob) Failed() bool {
	return j.Reason != ""
}

// Finish moves the job into its terminal state.
func (j *BackupJob) Finish() {
	j.FinishedAt = time.Now()
	switch {
	case j.Reason == ReasonRestoreFailed:
		j.State = JobStateFatal
	case j.Reason != "":
		j.State = JobStateFailed
	default:
		j.State = JobStateCompleted
	}
}

// Outcome returns the outcome recorded for path, creating it if needed.
func (j *BackupJob) Outcome(path string) *PathOutcome {
	for i := range j.Outcomes {
		if j.Outcomes[i].Path == path {
			return &j.Outcomes[i]
		}
	}
	j.Outcomes = append(j.Outcomes, PathOutcome{Path: path})
	return &j.Outcomes[len(j.Outcomes)-1]
}

// MissingPaths returns the paths that could not be found at staging time.
func (j *BackupJob) MissingPaths() []string {
	var missing []string
	for _, o := range j.Outcomes {
		if o.Missing {
			missing = append(missing, o.Path)
		}
	}
	return missing
}

// Report builds the externally visible report for the job.
func (j *BackupJob) Report() JobReport {
	r := JobReport{
		JobID:        j.ID,
		Target:       j.Target.Name,
		ContainerID:  j.Target.ContainerID,
		Policy:       j.Target.Policy,
		State:        j.State,
		StateReached: j.StateReached,
		States:       append([]JobState(nil), j.States...),
		Reason:       j.Reason,
		Degraded:     j.Degraded,
		Snapshots:    append([]SnapshotRecord(nil), j.Snapshots...),
		Outcomes:     append([]PathOutcome(nil), j.Outcomes...),
		MissingPaths: j.MissingPaths(),
		Attempts:     j.Attempts,
		StartedAt:    j.StartedAt,
		LogsTail:     j.LogsTail,
	}
	end := j.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	r.Elapsed = end.Sub(j.StartedAt)
	for _, e := range j.Errors {
		r.Errors = append(r.Errors, e.Error())
	}
	if len(r.Errors) > 0 {
		r.Error = r.Errors[0]
	}
	return r
}
