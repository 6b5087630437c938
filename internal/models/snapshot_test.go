package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSnapshotRecord_JSON(t *testing.T) {
	created := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	record := SnapshotRecord{
		SnapshotID:   "abcdef0123456789",
		ShortID:      "abcdef01",
		Path:         "/data",
		Paths:        []string{"/backup/job/data"},
		Tags:         []string{"hoarder", "web-1"},
		Host:         "nas",
		SizeBytes:    4096,
		FilesNew:     3,
		FilesChanged: 1,
		Duration:     2 * time.Second,
		CreatedAt:    created,
	}

	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"snapshot_id"`, `"short_id"`, `"size_bytes"`, `"created_at"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected key %s in %s", key, data)
		}
	}
	if strings.Contains(string(data), `"dry_run"`) {
		t.Errorf("dry_run should be omitted when false: %s", data)
	}

	var got SnapshotRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SnapshotID != record.SnapshotID || got.Path != "/data" || got.Host != "nas" {
		t.Errorf("unexpected record %+v", got)
	}
	if got.SizeBytes != 4096 || got.FilesNew != 3 || got.FilesChanged != 1 {
		t.Errorf("unexpected counters %+v", got)
	}
	if got.Duration != 2*time.Second || !got.CreatedAt.Equal(created) {
		t.Errorf("unexpected timing %v %v", got.Duration, got.CreatedAt)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "web-1" {
		t.Errorf("unexpected tags %v", got.Tags)
	}
}
