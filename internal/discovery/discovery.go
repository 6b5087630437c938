package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hoarderhq/hoarder/internal/config"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/hoarderhq/hoarder/internal/runtime"
	"github.com/rs/zerolog"
)

// ErrServiceNotFound is returned when no container matches a compose
// project and service.
var ErrServiceNotFound = errors.New("no container for compose service")

// Options configures a Discoverer.
type Options struct {
	LabelDiscovery bool
	LabelPrefix    string
	// TargetsFile is re-read on every discovery so edits apply to the next cycle.
	TargetsFile string
}

// Discoverer resolves the protected targets for a cycle.
type Discoverer struct {
	rt     runtime.Client
	parser *LabelParser
	opts   Options
	logger zerolog.Logger
}

// New creates a Discoverer.
func New(rt runtime.Client, opts Options, logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		rt:     rt,
		parser: NewLabelParser(opts.LabelPrefix),
		opts:   opts,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Discover returns the targets ordered by name. Targets that cannot be
// resolved are skipped and reported in the returned error, which may be
// non-nil alongside a usable target list.
func (d *Discoverer) Discover(ctx context.Context) ([]models.ProtectedTarget, error) {
	var (
		problems []error
		fromFile []models.ProtectedTarget
		labelled []models.ProtectedTarget
	)

	if d.opts.TargetsFile != "" {
		file, err := config.LoadTargets(d.opts.TargetsFile)
		if err != nil {
			return nil, err
		}
		for _, spec := range file.Targets {
			target, err := d.resolve(ctx, spec)
			if err != nil {
				if errors.Is(err, runtime.ErrRuntimeUnavailable) {
					return nil, err
				}
				problems = append(problems, err)
				continue
			}
			fromFile = append(fromFile, target)
		}
	}

	if d.opts.LabelDiscovery {
		targets, errs, err := d.fromLabels(ctx)
		if err != nil {
			return nil, err
		}
		labelled = targets
		problems = append(problems, errs...)
	}

	targets, errs := merge(fromFile, labelled)
	problems = append(problems, errs...)

	d.logger.Debug().
		Int("file_targets", len(fromFile)).
		Int("label_targets", len(labelled)).
		Int("targets", len(targets)).
		Msg("targets discovered")
	return targets, errors.Join(problems...)
}

// resolve maps a targets file entry to its container.
func (d *Discoverer) resolve(ctx context.Context, spec config.TargetSpec) (models.ProtectedTarget, error) {
	if spec.Container != "" {
		return spec.Target(spec.Container)
	}

	project := spec.Project()
	containers, err := d.rt.ListContainers(ctx, runtime.ListFilter{
		All: true,
		Labels: []string{
			ComposeProjectLabel + "=" + project,
			ComposeServiceLabel + "=" + spec.Service,
		},
	})
	if err != nil {
		return models.ProtectedTarget{}, fmt.Errorf("target %s: %w", spec.Name, err)
	}
	if len(containers) == 0 {
		return models.ProtectedTarget{}, fmt.Errorf("target %s: %w: %s/%s", spec.Name, ErrServiceNotFound, project, spec.Service)
	}

	// Replicas share their volumes; prefer a running one.
	sort.Slice(containers, func(i, j int) bool {
		ri, rj := containers[i].State == "running", containers[j].State == "running"
		if ri != rj {
			return ri
		}
		return containers[i].Name < containers[j].Name
	})
	if len(containers) > 1 {
		d.logger.Debug().
			Str("target", spec.Name).
			Int("replicas", len(containers)).
			Str("container", containers[0].Name).
			Msg("compose service has several containers, using the first")
	}
	return spec.Target(containers[0].ID)
}

// fromLabels builds targets from labelled containers. The first error
// list holds per-container problems; the last error aborts discovery.
func (d *Discoverer) fromLabels(ctx context.Context) ([]models.ProtectedTarget, []error, error) {
	containers, err := d.rt.ListContainers(ctx, runtime.ListFilter{All: true, Labels: []string{d.parser.Prefix()}})
	if err != nil {
		return nil, nil, fmt.Errorf("list labelled containers: %w", err)
	}

	var (
		targets  []models.ProtectedTarget
		problems []error
	)
	for _, c := range containers {
		if !d.parser.Enabled(c.Labels) {
			continue
		}
		if errs := d.parser.ValidateLabels(c.Labels); len(errs) > 0 {
			problems = append(problems, fmt.Errorf("container %s: %s", c.Name, strings.Join(errs, "; ")))
			continue
		}

		info, err := d.rt.Inspect(ctx, c.ID)
		if err != nil {
			if errors.Is(err, runtime.ErrContainerNotFound) {
				continue
			}
			return nil, nil, err
		}
		target, err := d.parser.ParseTarget(info)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		targets = append(targets, target)
	}
	return targets, problems, nil
}

// merge combines file and label targets. File targets take precedence for
// the same container; target names must stay unique.
func merge(fromFile, labelled []models.ProtectedTarget) ([]models.ProtectedTarget, []error) {
	var problems []error
	byContainer := make(map[string]bool, len(fromFile))
	byName := make(map[string]bool, len(fromFile)+len(labelled))

	targets := make([]models.ProtectedTarget, 0, len(fromFile)+len(labelled))
	for _, t := range fromFile {
		byContainer[t.ContainerID] = true
		byName[t.Name] = true
		targets = append(targets, t)
	}
	for _, t := range labelled {
		if byContainer[t.ContainerID] {
			continue
		}
		if byName[t.Name] {
			problems = append(problems, fmt.Errorf("target name %q is already used, skipping container %s", t.Name, t.ContainerID))
			continue
		}
		byName[t.Name] = true
		targets = append(targets, t)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, problems
}

// Select returns the targets whose names are in names, in the given order.
// An empty names list selects every target.
func Select(targets []models.ProtectedTarget, names []string) ([]models.ProtectedTarget, error) {
	if len(names) == 0 {
		return targets, nil
	}
	byName := make(map[string]models.ProtectedTarget, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}

	selected := make([]models.ProtectedTarget, 0, len(names))
	var unknown []string
	for _, n := range names {
		t, ok := byName[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		selected = append(selected, t)
	}
	if len(unknown) > 0 {
		return selected, fmt.Errorf("unknown targets: %s", strings.Join(unknown, ", "))
	}
	return selected, nil
}
