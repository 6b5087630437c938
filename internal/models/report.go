package models

import (
	"time"

	"github.com/google/uuid"
)

// JobReport is the per-target record of a cycle.
type JobReport struct {
	JobID        uuid.UUID        `json:"job_id"`
	Target       string           `json:"target"`
	ContainerID  string           `json:"container_id"`
	Policy       QuiescePolicy    `json:"policy"`
	State        JobState         `json:"state"`
	StateReached JobState         `json:"state_reached"`
	States       []JobState       `json:"states,omitempty"`
	Reason       FailureReason    `json:"reason,omitempty"`
	Degraded     bool             `json:"degraded,omitempty"`
	Error        string           `json:"error,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
	Snapshots    []SnapshotRecord `json:"snapshots,omitempty"`
	Outcomes     []PathOutcome    `json:"outcomes,omitempty"`
	MissingPaths []string         `json:"missing_paths,omitempty"`
	Attempts     int              `json:"attempts"`
	StartedAt    time.Time        `json:"started_at"`
	Elapsed      time.Duration    `json:"elapsed"`
	LogsTail     string           `json:"logs_tail,omitempty"`
}

// Escalated reports whether the job needs operator attention.
func (r JobReport) Escalated() bool {
	return r.State == JobStateFatal
}

// Partial reports whether a failed job still produced snapshots.
func (r JobReport) Partial() bool {
	return r.State == JobStateFailed && len(r.Snapshots) > 0
}

// CycleReport collects the job reports of one coordination cycle.
type CycleReport struct {
	ID        uuid.UUID     `json:"id"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Jobs      []JobReport   `json:"jobs"`
}

// CycleCounts summarizes a cycle by terminal state.
type CycleCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Fatal     int `json:"fatal"`
	Degraded  int `json:"degraded"`
}

// Counts returns the number of jobs per terminal state.
func (c CycleReport) Counts() CycleCounts {
	var counts CycleCounts
	for _, j := range c.Jobs {
		switch j.State {
		case JobStateCompleted:
			counts.Completed++
		case JobStateFatal:
			counts.Fatal++
		default:
			counts.Failed++
		}
		if j.Degraded {
			counts.Degraded++
		}
	}
	return counts
}
