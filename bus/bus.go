// Package bus accepts named events and starts a run for every workflow
// whose trigger matches. Publishing does not wait for runs to finish.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
)

// Starter creates runs. *engine.Engine satisfies it.
type Starter interface {
	StartRun(ctx context.Context, wf *stepflow.Workflow, evt *stepflow.Event, opts ...stepflow.StartOption) (*stepflow.Run, error)
}

// PublishResult lists the runs an event started
type PublishResult struct {
	EventID string   `json:"eventId"`
	RunIDs  []string `json:"runIds"`
}

// Bus routes events to workflow triggers
type Bus struct {
	registry *stepflow.Registry
	starter  Starter
	logger   zerolog.Logger
}

// Option configures the bus
type Option func(*Bus)

// WithLogger sets a custom logger for the bus
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates a bus over registry that starts runs through starter
func New(registry *stepflow.Registry, starter Starter, opts ...Option) *Bus {
	b := &Bus{
		registry: registry,
		starter:  starter,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish wraps payload in a new event and publishes it
func (b *Bus) Publish(ctx context.Context, name string, payload any) (*PublishResult, error) {
	if name == "" {
		return nil, fmt.Errorf("event name is required")
	}
	evt, err := stepflow.NewEvent(name, payload)
	if err != nil {
		return nil, err
	}
	return b.PublishEvent(ctx, evt)
}

// PublishEvent starts one run per matching workflow. An event that matches
// nothing is accepted and starts nothing. A failure to start one run does
// not prevent the others.
func (b *Bus) PublishEvent(ctx context.Context, evt *stepflow.Event) (*PublishResult, error) {
	if evt.ID == "" {
		evt.ID = stepflow.NewEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	matched, matchErrs := b.registry.Match(evt)
	for _, err := range matchErrs {
		b.logger.Warn().
			Err(err).
			Str("event_id", evt.ID).
			Str("event_name", evt.Name).
			Msg("Trigger predicate failed")
	}

	result := &PublishResult{EventID: evt.ID, RunIDs: []string{}}
	if len(matched) == 0 {
		stepflow.LogEventUnmatched(b.logger, evt.ID, evt.Name)
		return result, nil
	}

	var errs []error
	for _, wf := range matched {
		run, err := b.starter.StartRun(ctx, wf, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", wf.ID(), err))
			continue
		}
		result.RunIDs = append(result.RunIDs, run.RunID)
	}

	stepflow.LogEventPublished(b.logger, evt.ID, evt.Name, len(result.RunIDs))
	return result, errors.Join(errs...)
}
