package helloworld

import (
	"context"
	"fmt"
	"time"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
)

// WorkflowID identifies the hello-world workflow
const WorkflowID = "hello-world"

// DefaultPause is how long each sleep step lasts
const DefaultPause = 10 * time.Second

// Option configures the workflow
type Option func(*settings)

type settings struct {
	pause time.Duration
}

// WithPause overrides the length of each sleep step
func WithPause(d time.Duration) Option {
	return func(s *settings) {
		s.pause = d
	}
}

// NewHelloWorldWorkflow sleeps three times and then creates a record in store
func NewHelloWorldWorkflow(store RecordStore, opts ...Option) (*stepflow.Workflow, error) {
	cfg := &settings{pause: DefaultPause}
	for _, opt := range opts {
		opt(cfg)
	}

	wf, err := builder.NewWorkflow(WorkflowID, "Hello World").
		WithDescription("Sleeps a few times and then records that it ran").
		On(EventName).
		WithRetries(5).
		Handler(func(ctx *stepflow.Context) (any, error) {
			for _, name := range []string{"wait-a-moment", "proccessing", "creating final result"} {
				if err := ctx.Sleep(name, cfg.pause); err != nil {
					return nil, err
				}
			}

			rec, err := stepflow.RunStep(ctx, "createo-workflow", func(c context.Context) (*Record, error) {
				ctx.Logger.Info().Str("name", RecordName).Msg("Creating workflow record")
				return store.CreateWorkflow(c, RecordName)
			})
			if err != nil {
				return nil, err
			}

			return &Output{
				Message: fmt.Sprintf("Hello %s!", ctx.Event.Name),
				Record:  rec,
			}, nil
		}).
		Build()

	if err != nil {
		return nil, fmt.Errorf("failed to build workflow: %w", err)
	}

	return wf, nil
}
