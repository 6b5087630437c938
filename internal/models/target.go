// Package models holds the data types shared by the hoarder components.
package models

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// DefaultTag is attached to every snapshot created by hoarder.
const DefaultTag = "hoarder"

// QuiescePolicy selects how a container is quiesced before its data is staged.
type QuiescePolicy string

const (
	// QuiesceNone leaves the container running; staging must use a
	// crash-consistent snapshot primitive.
	QuiesceNone QuiescePolicy = "none"
	// QuiescePause freezes the container's processes for the duration of staging.
	QuiescePause QuiescePolicy = "pause"
	// QuiesceStop stops the container and starts it again afterwards.
	QuiesceStop QuiescePolicy = "stop"
)

// ParseQuiescePolicy parses a policy name. An empty string yields QuiesceStop.
func ParseQuiescePolicy(s string) (QuiescePolicy, error) {
	switch QuiescePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", QuiesceStop:
		return QuiesceStop, nil
	case QuiescePause:
		return QuiescePause, nil
	case QuiesceNone:
		return QuiesceNone, nil
	default:
		return "", fmt.Errorf("unknown quiesce policy %q", s)
	}
}

// Valid reports whether p is one of the known policies.
func (p QuiescePolicy) Valid() bool {
	return p == QuiesceNone || p == QuiescePause || p == QuiesceStop
}

// Quiesces reports whether the policy touches the container's run state.
func (p QuiescePolicy) Quiesces() bool {
	return p == QuiescePause || p == QuiesceStop
}

// DumpCommand is a command executed inside the live container whose stdout
// is captured into the staging area and backed up with the mounts.
type DumpCommand struct {
	Name    string   `yaml:"name" json:"name"`
	Command []string `yaml:"command" json:"command"`
	Ext     string   `yaml:"ext" json:"ext"`
}

// FileName returns the staged file name for the dump output.
func (d DumpCommand) FileName() string {
	ext := strings.TrimPrefix(d.Ext, ".")
	if ext == "" {
		ext = "out"
	}
	return d.Name + "." + ext
}

// ProtectedTarget identifies one container to back up. It is immutable for
// the duration of a cycle.
type ProtectedTarget struct {
	Name        string        `yaml:"name" json:"name"`
	ContainerID string        `yaml:"container" json:"container_id"`
	Paths       []string      `yaml:"paths" json:"paths"`
	Policy      QuiescePolicy `yaml:"policy" json:"policy"`
	Tags        []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
	Excludes    []string      `yaml:"exclude,omitempty" json:"excludes,omitempty"`
	Dumps       []DumpCommand `yaml:"dumps,omitempty" json:"dumps,omitempty"`
}

// Validate checks that the target can be processed by the coordinator.
func (t ProtectedTarget) Validate() error {
	if t.Name == "" {
		return errors.New("target name is required")
	}
	if t.ContainerID == "" {
		return fmt.Errorf("target %s: container is required", t.Name)
	}
	if len(t.Paths) == 0 && len(t.Dumps) == 0 {
		return fmt.Errorf("target %s: at least one path or dump is required", t.Name)
	}
	if !t.Policy.Valid() {
		return fmt.Errorf("target %s: invalid quiesce policy %q", t.Name, t.Policy)
	}
	seen := make(map[string]bool, len(t.Paths))
	for _, p := range t.Paths {
		if !path.IsAbs(p) {
			return fmt.Errorf("target %s: path %q must be absolute", t.Name, p)
		}
		clean := path.Clean(p)
		if seen[clean] {
			return fmt.Errorf("target %s: duplicate path %q", t.Name, p)
		}
		seen[clean] = true
	}
	for _, d := range t.Dumps {
		if d.Name == "" || len(d.Command) == 0 {
			return fmt.Errorf("target %s: dump requires a name and a command", t.Name)
		}
		if strings.ContainsAny(d.Name, "/\\") {
			return fmt.Errorf("target %s: dump name %q must not contain path separators", t.Name, d.Name)
		}
	}
	return nil
}

// BackupTags returns the tag set applied to every snapshot of this target:
// the hoarder tag, the target name, then the configured tags, deduplicated.
func (t ProtectedTarget) BackupTags() []string {
	tags := []string{DefaultTag, t.Name}
	seen := map[string]bool{DefaultTag: true, t.Name: true}
	for _, tag := range t.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// EntryName returns the staging entry name for a container-side path,
// e.g. "/var/lib/data" becomes "var_lib_data". Separators map to "_", while
// "%" and "_" in the path are escaped as "%25" and "%5F", so distinct paths
// never share a name. The root path is "%2F".
func EntryName(p string) string {
	clean := strings.Trim(path.Clean(p), "/")
	if clean == "" {
		return "%2F"
	}
	return entryEscaper.Replace(clean)
}

var entryEscaper = strings.NewReplacer("%", "%25", "_", "%5F", "/", "_")
