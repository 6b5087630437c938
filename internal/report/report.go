// Package report delivers cycle reports to the configured sinks.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sink receives finished cycle reports.
type Sink interface {
	CycleFinished(ctx context.Context, cycle *models.CycleReport) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, cycle *models.CycleReport) error

// CycleFinished calls f.
func (f SinkFunc) CycleFinished(ctx context.Context, cycle *models.CycleReport) error {
	return f(ctx, cycle)
}

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher fans a cycle report out to every registered sink.
type Dispatcher struct {
	sinks  []namedSink
	logger zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.With().Str("component", "report_dispatcher").Logger(),
	}
}

// Add registers a sink under name.
func (d *Dispatcher) Add(name string, sink Sink) {
	d.sinks = append(d.sinks, namedSink{name: name, sink: sink})
}

// Len returns the number of registered sinks.
func (d *Dispatcher) Len() int {
	return len(d.sinks)
}

// Dispatch delivers the report to all sinks concurrently. A failing sink
// does not stop the others; all failures are returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, cycle *models.CycleReport) error {
	errs := make([]error, len(d.sinks))

	var g errgroup.Group
	for i, s := range d.sinks {
		i, s := i, s
		g.Go(func() error {
			if err := s.sink.CycleFinished(ctx, cycle); err != nil {
				d.logger.Warn().
					Err(err).
					Str("sink", s.name).
					Str("cycle_id", cycle.ID.String()).
					Msg("report sink failed")
				errs[i] = fmt.Errorf("%s: %w", s.name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// LogSink writes a one-line cycle summary and one line per failed job.
func LogSink(logger zerolog.Logger) Sink {
	logger = logger.With().Str("component", "report").Logger()
	return SinkFunc(func(_ context.Context, cycle *models.CycleReport) error {
		counts := cycle.Counts()
		logger.Info().
			Str("cycle_id", cycle.ID.String()).
			Str("trigger", cycle.Trigger).
			Int("jobs", len(cycle.Jobs)).
			Int("completed", counts.Completed).
			Int("failed", counts.Failed).
			Int("fatal", counts.Fatal).
			Int("degraded", counts.Degraded).
			Dur("elapsed", cycle.Elapsed).
			Msg("cycle report")

		for _, job := range cycle.Jobs {
			if job.State == models.JobStateCompleted {
				continue
			}
			logger.Warn().
				Str("cycle_id", cycle.ID.String()).
				Str("target", job.Target).
				Str("state", string(job.State)).
				Str("state_reached", string(job.StateReached)).
				Str("reason", string(job.Reason)).
				Strs("missing_paths", job.MissingPaths).
				Str("error", job.Error).
				Msg("job did not complete")
		}
		return nil
	})
}
