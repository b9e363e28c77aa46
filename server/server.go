// Package server exposes event intake and run inspection over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/bus"
)

// Publisher accepts events. *bus.Bus satisfies it.
type Publisher interface {
	PublishEvent(ctx context.Context, evt *stepflow.Event) (*bus.PublishResult, error)
}

// Runs answers run queries and cancellations. *engine.Engine satisfies it.
type Runs interface {
	LoadRun(ctx context.Context, runID string) (*stepflow.Run, error)
	GetSteps(ctx context.Context, runID string) ([]*stepflow.StepRecord, error)
	ListRuns(ctx context.Context, filter stepflow.RunFilter) ([]*stepflow.Run, error)
	Cancel(ctx context.Context, runID string) (*stepflow.RunSummary, error)
}

// Server is the HTTP surface
type Server struct {
	app       *fiber.App
	publisher Publisher
	runs      Runs
	logger    zerolog.Logger
	limiter   *RateLimiter
	gatherer  prometheus.Gatherer
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger for the server
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit throttles event intake per client IP
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewRateLimiter(rps, burst)
		}
	}
}

// WithMetricsGatherer serves gatherer at /metrics
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates the server and registers its routes
func New(publisher Publisher, runs Runs, opts ...Option) *Server {
	s := &Server{
		publisher: publisher,
		runs:      runs,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger().
			Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName: "stepflow",
	})
	s.registerRoutes()
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "stepflow",
		})
	})

	if s.gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.app.Group("/api/v1")

	if s.limiter != nil {
		v1.Post("/events/*", s.limiter.Handler(), s.handlePublish)
	} else {
		v1.Post("/events/*", s.handlePublish)
	}

	v1.Get("/runs", s.handleListRuns)
	v1.Get("/runs/:runId", s.handleGetRun)
	v1.Get("/runs/:runId/steps", s.handleGetSteps)
	v1.Post("/runs/:runId/cancel", s.handleCancel)
}

// handlePublish accepts an event named by the path with the body as data
func (s *Server) handlePublish(c fiber.Ctx) error {
	name := strings.Trim(c.Params("*"), "/")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "event name is required",
		})
	}

	data := json.RawMessage("{}")
	if body := c.Body(); len(body) > 0 {
		if !json.Valid(body) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "event body must be JSON",
			})
		}
		data = append(json.RawMessage(nil), body...)
	}

	evt := &stepflow.Event{
		ID:        stepflow.NewEventID(),
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	result, err := s.publisher.PublishEvent(c.Context(), evt)
	if err != nil {
		s.logger.Error().Err(err).Str("event_name", name).Msg("Failed to start runs for event")
		if result == nil || len(result.RunIDs) == 0 {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to publish event",
			})
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (s *Server) handleListRuns(c fiber.Ctx) error {
	filter := stepflow.RunFilter{
		WorkflowID: c.Query("workflow"),
		Limit:      50,
	}
	if status := c.Query("status"); status != "" {
		st := stepflow.RunStatus(strings.ToUpper(status))
		filter.Status = &st
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		filter.Limit = n
	}

	runs, err := s.runs.ListRuns(c.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list runs")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	summaries := make([]*stepflow.RunSummary, len(runs))
	for i, run := range runs {
		summaries[i] = run.Summary()
	}
	return c.JSON(fiber.Map{
		"runs":  summaries,
		"count": len(summaries),
	})
}

func (s *Server) handleGetRun(c fiber.Ctx) error {
	runID := c.Params("runId")

	run, err := s.runs.LoadRun(c.Context(), runID)
	if err != nil {
		return s.runError(c, runID, err, "Failed to get run")
	}
	return c.JSON(run)
}

func (s *Server) handleGetSteps(c fiber.Ctx) error {
	runID := c.Params("runId")

	steps, err := s.runs.GetSteps(c.Context(), runID)
	if err != nil {
		return s.runError(c, runID, err, "Failed to get steps")
	}
	return c.JSON(fiber.Map{
		"runId": runID,
		"steps": steps,
	})
}

func (s *Server) handleCancel(c fiber.Ctx) error {
	runID := c.Params("runId")

	summary, err := s.runs.Cancel(c.Context(), runID)
	if err != nil {
		return s.runError(c, runID, err, "Failed to cancel run")
	}
	return c.JSON(summary)
}

func (s *Server) runError(c fiber.Ctx, runID string, err error, msg string) error {
	switch {
	case errors.Is(err, stepflow.ErrRunNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	case errors.Is(err, stepflow.ErrRunTerminal):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	s.logger.Error().Err(err).Str("run_id", runID).Msg(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
	})
}
