package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hoarderhq/hoarder/internal/models"
)

func writeTargets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTargets(t *testing.T) {
	path := writeTargets(t, `
defaults:
  policy: pause
  tags: [prod]
  exclude: ["*.tmp"]
targets:
  - name: web-1
    container: web-1
    paths: [/usr/share/nginx/html]
    policy: stop
  - name: blog
    service: db
    paths: [/var/lib/postgresql/data]
    tags: [postgres]
    dumps:
      - name: pg
        command: [pg_dumpall, -U, postgres]
        ext: sql
`)

	file, err := LoadTargets(path)
	if err != nil {
		t.Fatalf("LoadTargets() error = %v", err)
	}
	if len(file.Targets) != 2 {
		t.Fatalf("got %d targets, want 2", len(file.Targets))
	}

	web := file.Targets[0]
	if web.Policy != "stop" {
		t.Errorf("web policy = %q, want stop", web.Policy)
	}
	blog := file.Targets[1]
	if blog.Policy != "pause" {
		t.Errorf("blog policy = %q, want default pause", blog.Policy)
	}
	if strings.Join(blog.Tags, ",") != "prod,postgres" {
		t.Errorf("blog tags = %v", blog.Tags)
	}
	if blog.Project() != "blog" {
		t.Errorf("Project() = %q, want target name", blog.Project())
	}

	target, err := blog.Target("abc123")
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if target.Policy != models.QuiescePause || target.ContainerID != "abc123" {
		t.Errorf("unexpected target %+v", target)
	}
	if len(target.Dumps) != 1 || target.Dumps[0].FileName() != "pg.sql" {
		t.Errorf("dumps = %+v", target.Dumps)
	}
	if len(target.Excludes) != 1 || target.Excludes[0] != "*.tmp" {
		t.Errorf("excludes = %v", target.Excludes)
	}
}

func TestLoadTargets_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no container", "targets:\n  - name: a\n    paths: [/a]\n", "container or service"},
		{"both", "targets:\n  - name: a\n    container: a\n    service: b\n", "mutually exclusive"},
		{"duplicate", "targets:\n  - name: a\n    container: a\n  - name: a\n    container: b\n", "duplicate"},
		{"bad policy", "targets:\n  - name: a\n    container: a\n    policy: freeze\n", "quiesce policy"},
		{"bad yaml", "targets: [", "parse targets file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTargets(writeTargets(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadTargets() error = %v, want %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadTargets(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
