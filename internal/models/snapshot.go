package models

import "time"

// SnapshotRecord is a snapshot acknowledged by the repository for one
// staged path of a job.
type SnapshotRecord struct {
	SnapshotID   string        `json:"snapshot_id"`
	ShortID      string        `json:"short_id"`
	Path         string        `json:"path,omitempty"`
	Paths        []string      `json:"paths,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Host         string        `json:"host,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	SizeBytes    int64         `json:"size_bytes"`
	FilesNew     int           `json:"files_new"`
	FilesChanged int           `json:"files_changed"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}
