package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hoarderhq/hoarder/internal/models"
	"gopkg.in/yaml.v3"
)

// TargetsFile is the optional YAML list of protected targets.
type TargetsFile struct {
	Defaults TargetDefaults `yaml:"defaults,omitempty"`
	Targets  []TargetSpec   `yaml:"targets"`
}

// TargetDefaults apply to every target that does not set the field.
type TargetDefaults struct {
	Policy  string   `yaml:"policy,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// TargetSpec is a target as written in the targets file. A target names its
// container directly or through a compose project and service.
type TargetSpec struct {
	Name           string               `yaml:"name"`
	Container      string               `yaml:"container,omitempty"`
	ComposeProject string               `yaml:"compose_project,omitempty"`
	Service        string               `yaml:"service,omitempty"`
	Paths          []string             `yaml:"paths,omitempty"`
	Policy         string               `yaml:"policy,omitempty"`
	Tags           []string             `yaml:"tags,omitempty"`
	Exclude        []string             `yaml:"exclude,omitempty"`
	Dumps          []models.DumpCommand `yaml:"dumps,omitempty"`
}

// Project returns the compose project, which defaults to the target name.
func (s TargetSpec) Project() string {
	if s.ComposeProject != "" {
		return s.ComposeProject
	}
	return s.Name
}

// Validate checks the spec before container resolution.
func (s TargetSpec) Validate() error {
	if s.Name == "" {
		return errors.New("target name is required")
	}
	if s.Container == "" && s.Service == "" {
		return fmt.Errorf("target %s: container or service is required", s.Name)
	}
	if s.Container != "" && s.Service != "" {
		return fmt.Errorf("target %s: container and service are mutually exclusive", s.Name)
	}
	if _, err := models.ParseQuiescePolicy(s.Policy); err != nil {
		return fmt.Errorf("target %s: %w", s.Name, err)
	}
	return nil
}

// Target builds the ProtectedTarget for the resolved container.
func (s TargetSpec) Target(containerID string) (models.ProtectedTarget, error) {
	policy, err := models.ParseQuiescePolicy(s.Policy)
	if err != nil {
		return models.ProtectedTarget{}, err
	}
	t := models.ProtectedTarget{
		Name:        s.Name,
		ContainerID: containerID,
		Paths:       s.Paths,
		Policy:      policy,
		Tags:        s.Tags,
		Excludes:    s.Exclude,
		Dumps:       s.Dumps,
	}
	return t, t.Validate()
}

// LoadTargets reads and validates the targets file at path.
func LoadTargets(path string) (*TargetsFile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	var file TargetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}

	seen := make(map[string]bool, len(file.Targets))
	for i := range file.Targets {
		spec := &file.Targets[i]
		if spec.Policy == "" {
			spec.Policy = file.Defaults.Policy
		}
		spec.Tags = append(append([]string(nil), file.Defaults.Tags...), spec.Tags...)
		spec.Exclude = append(append([]string(nil), file.Defaults.Exclude...), spec.Exclude...)

		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate target name %q", spec.Name)
		}
		seen[spec.Name] = true
	}
	return &file, nil
}
