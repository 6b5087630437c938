// Package discovery builds the set of protected targets from container
// labels and the targets file.
package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/hoarderhq/hoarder/internal/runtime"
)

// DefaultLabelPrefix is the prefix of all hoarder backup labels.
const DefaultLabelPrefix = "hoarder.backup"

// Label suffixes, appended to the prefix with a dot. The bare prefix
// enables backup for the container (hoarder.backup=true).
const (
	// SuffixName overrides the target name (hoarder.backup.name=web).
	SuffixName = "name"
	// SuffixPaths lists container paths to back up (hoarder.backup.paths=/data,/config).
	SuffixPaths = "paths"
	// SuffixPolicy sets the quiesce policy (hoarder.backup.policy=pause).
	SuffixPolicy = "policy"
	// SuffixTags adds snapshot tags (hoarder.backup.tags=prod,web).
	SuffixTags = "tags"
	// SuffixExclude sets restic exclude globs (hoarder.backup.exclude=*.log,cache).
	SuffixExclude = "exclude"
	// SuffixBindMounts includes bind mounts when no paths are listed (hoarder.backup.bind-mounts=true).
	SuffixBindMounts = "bind-mounts"
	// SuffixDump defines a dump command (hoarder.backup.dump.pg.sql=pg_dumpall -U postgres).
	SuffixDump = "dump"
)

// Compose labels used to resolve compose_project and service.
const (
	ComposeProjectLabel = "com.docker.compose.project"
	ComposeServiceLabel = "com.docker.compose.service"
)

// LabelParser parses container labels into protected targets.
type LabelParser struct {
	prefix string
}

// NewLabelParser creates a LabelParser for prefix.
func NewLabelParser(prefix string) *LabelParser {
	if prefix == "" {
		prefix = DefaultLabelPrefix
	}
	return &LabelParser{prefix: strings.TrimSuffix(prefix, ".")}
}

// Prefix returns the label prefix.
func (p *LabelParser) Prefix() string {
	return p.prefix
}

func (p *LabelParser) key(suffix string) string {
	return p.prefix + "." + suffix
}

// Enabled reports whether backup is enabled by labels.
func (p *LabelParser) Enabled(labels map[string]string) bool {
	val, ok := labels[p.prefix]
	if !ok {
		return false
	}
	return parseBool(val)
}

// ParseTarget builds the target for a labelled container. Without a paths
// label every named volume (and bind mount, if enabled) is protected.
func (p *LabelParser) ParseTarget(info *runtime.ContainerInfo) (models.ProtectedTarget, error) {
	labels := info.Labels

	name := p.getString(labels, SuffixName)
	if name == "" {
		name = strings.TrimPrefix(info.Name, "/")
	}

	policy, err := models.ParseQuiescePolicy(p.getString(labels, SuffixPolicy))
	if err != nil {
		return models.ProtectedTarget{}, fmt.Errorf("container %s: %w", name, err)
	}

	paths := parseCSV(p.getString(labels, SuffixPaths))
	if len(paths) == 0 {
		bind := parseBool(p.getString(labels, SuffixBindMounts))
		for _, m := range info.Mounts {
			if m.Type == "volume" || (bind && m.Type == "bind") {
				paths = append(paths, m.Destination)
			}
		}
	}

	target := models.ProtectedTarget{
		Name:        name,
		ContainerID: info.ID,
		Paths:       paths,
		Policy:      policy,
		Tags:        parseCSV(p.getString(labels, SuffixTags)),
		Excludes:    parseCSV(p.getString(labels, SuffixExclude)),
		Dumps:       p.parseDumps(labels),
	}
	if err := target.Validate(); err != nil {
		return models.ProtectedTarget{}, err
	}
	return target, nil
}

// parseDumps reads dump labels of the form <prefix>.dump.<name>[.<ext>].
// Commands run through sh -c inside the container.
func (p *LabelParser) parseDumps(labels map[string]string) []models.DumpCommand {
	dumpPrefix := p.key(SuffixDump) + "."
	var dumps []models.DumpCommand
	for key, val := range labels {
		rest, ok := strings.CutPrefix(key, dumpPrefix)
		if !ok || rest == "" || strings.TrimSpace(val) == "" {
			continue
		}
		name, ext, _ := strings.Cut(rest, ".")
		dumps = append(dumps, models.DumpCommand{
			Name:    name,
			Command: []string{"sh", "-c", val},
			Ext:     ext,
		})
	}
	sort.Slice(dumps, func(i, j int) bool { return dumps[i].Name < dumps[j].Name })
	return dumps
}

// ValidateLabels validates the backup labels and returns any errors.
func (p *LabelParser) ValidateLabels(labels map[string]string) []string {
	var errs []string

	if val, ok := labels[p.key(SuffixPolicy)]; ok {
		if _, err := models.ParseQuiescePolicy(val); err != nil {
			errs = append(errs, "invalid policy value: "+val+". Use none, pause or stop")
		}
	}

	boolLabels := []string{p.prefix, p.key(SuffixBindMounts)}
	validBoolValues := map[string]bool{
		"true": true, "false": true, "yes": true, "no": true,
		"1": true, "0": true, "on": true, "off": true, "enabled": true, "disabled": true,
	}
	for _, label := range boolLabels {
		if val, ok := labels[label]; ok {
			if !validBoolValues[strings.ToLower(strings.TrimSpace(val))] {
				errs = append(errs, "invalid boolean value for "+label+": "+val)
			}
		}
	}

	for _, path := range parseCSV(labels[p.key(SuffixPaths)]) {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, "path must be absolute: "+path)
		}
	}
	return errs
}

// HasBackupLabel checks if a container has any hoarder backup label.
func (p *LabelParser) HasBackupLabel(labels map[string]string) bool {
	for key := range labels {
		if key == p.prefix || strings.HasPrefix(key, p.prefix+".") {
			return true
		}
	}
	return false
}

// getString retrieves a string label value.
func (p *LabelParser) getString(labels map[string]string, suffix string) string {
	return strings.TrimSpace(labels[p.key(suffix)])
}

// parseBool parses a boolean string value.
func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "yes", "1", "on", "enabled":
		return true
	default:
		return false
	}
}

// parseCSV parses a comma-separated value string into a slice.
func parseCSV(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
