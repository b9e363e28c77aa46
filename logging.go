package stepflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Event bus events
	EventEventPublished = "event_published"
	EventEventUnmatched = "event_unmatched"

	// Run-level events
	EventRunStarted    = "run_started"
	EventRunSleeping   = "run_sleeping"
	EventRunSucceeded  = "run_succeeded"
	EventRunFailed     = "run_failed"
	EventRunCancelled  = "run_cancelled"
	EventRunRestarting = "run_restarting"

	// Step-level events
	EventStepStarted   = "step_started"
	EventStepReplayed  = "step_replayed"
	EventStepRetrying  = "step_retrying"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	// Sleep events
	EventSleepScheduled = "sleep_scheduled"
	EventSleepWoken     = "sleep_woken"

	// Lease events
	EventLeaseContended = "lease_contended"
	EventLeaseLost      = "lease_lost"

	// Persistence events
	EventPersistenceError = "persistence_error"
	EventTelemetryError   = "telemetry_error"
)

// LogEventPublished logs an accepted event and the runs it started
func LogEventPublished(logger zerolog.Logger, eventID, name string, runs int) {
	logger.Info().
		Str("event", EventEventPublished).
		Str("event_id", eventID).
		Str("event_name", name).
		Int("runs", runs).
		Msg("Event published")
}

// LogEventUnmatched logs an event no workflow subscribed to
func LogEventUnmatched(logger zerolog.Logger, eventID, name string) {
	logger.Debug().
		Str("event", EventEventUnmatched).
		Str("event_id", eventID).
		Str("event_name", name).
		Msg("Event matched no workflow")
}

// LogRunStarted logs when a run is created
func LogRunStarted(logger zerolog.Logger, runID, workflowID, eventID string) {
	logger.Info().
		Str("event", EventRunStarted).
		Str("run_id", runID).
		Str("workflow_id", workflowID).
		Str("event_id", eventID).
		Msg("Run started")
}

// LogRunSleeping logs when a run parks on a sleep step
func LogRunSleeping(logger zerolog.Logger, runID, stepName string, wakeAt time.Time) {
	logger.Info().
		Str("event", EventRunSleeping).
		Str("run_id", runID).
		Str("step_name", stepName).
		Time("wake_at", wakeAt).
		Msg("Run sleeping")
}

// LogRunSucceeded logs successful run completion
func LogRunSucceeded(logger zerolog.Logger, runID string, duration time.Duration) {
	logger.Info().
		Str("event", EventRunSucceeded).
		Str("run_id", runID).
		Dur("duration", duration).
		Msg("Run succeeded")
}

// LogRunFailed logs run failure
func LogRunFailed(logger zerolog.Logger, runID string, err error) {
	logger.Error().
		Str("event", EventRunFailed).
		Str("run_id", runID).
		Err(err).
		Msg("Run failed")
}

// LogRunCancelled logs run cancellation
func LogRunCancelled(logger zerolog.Logger, runID string) {
	logger.Warn().
		Str("event", EventRunCancelled).
		Str("run_id", runID).
		Msg("Run cancelled")
}

// LogRunRestarting logs a run-level restart after an infrastructure failure
func LogRunRestarting(logger zerolog.Logger, runID string, attempt int, delay time.Duration, err error) {
	logger.Warn().
		Str("event", EventRunRestarting).
		Str("run_id", runID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Err(err).
		Msg("Run restarting")
}

// LogStepStarted logs when a step attempt starts
func LogStepStarted(logger zerolog.Logger, runID, stepName string, kind StepKind, attempt int) {
	logger.Info().
		Str("event", EventStepStarted).
		Str("run_id", runID).
		Str("step_name", stepName).
		Str("kind", kind.String()).
		Int("attempt", attempt).
		Msg("Step started")
}

// LogStepReplayed logs a step answered from the ledger
func LogStepReplayed(logger zerolog.Logger, runID, stepName string) {
	logger.Debug().
		Str("event", EventStepReplayed).
		Str("run_id", runID).
		Str("step_name", stepName).
		Msg("Step replayed from ledger")
}

// LogStepRetrying logs when a step is being retried
func LogStepRetrying(logger zerolog.Logger, runID, stepName string, attempt int, delay time.Duration) {
	logger.Warn().
		Str("event", EventStepRetrying).
		Str("run_id", runID).
		Str("step_name", stepName).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Step retrying")
}

// LogStepCompleted logs successful step completion
func LogStepCompleted(logger zerolog.Logger, runID, stepName string, durationMs int64) {
	logger.Info().
		Str("event", EventStepCompleted).
		Str("run_id", runID).
		Str("step_name", stepName).
		Int64("duration_ms", durationMs).
		Msg("Step completed")
}

// LogStepFailed logs step failure
func LogStepFailed(logger zerolog.Logger, runID, stepName string, err error, attempt int) {
	logger.Error().
		Str("event", EventStepFailed).
		Str("run_id", runID).
		Str("step_name", stepName).
		Err(err).
		Int("attempt", attempt).
		Msg("Step failed")
}

// LogSleepScheduled logs a persisted wake-up
func LogSleepScheduled(logger zerolog.Logger, runID, stepName string, wakeAt time.Time) {
	logger.Debug().
		Str("event", EventSleepScheduled).
		Str("run_id", runID).
		Str("step_name", stepName).
		Time("wake_at", wakeAt).
		Msg("Sleep scheduled")
}

// LogSleepWoken logs a run resubmitted because its sleep came due
func LogSleepWoken(logger zerolog.Logger, runID, stepName string) {
	logger.Debug().
		Str("event", EventSleepWoken).
		Str("run_id", runID).
		Str("step_name", stepName).
		Msg("Sleep due, resuming run")
}

// LogLeaseContended logs a refused lease acquisition
func LogLeaseContended(logger zerolog.Logger, runID, owner string) {
	logger.Debug().
		Str("event", EventLeaseContended).
		Str("run_id", runID).
		Str("owner", owner).
		Msg("Run lease held elsewhere")
}

// LogLeaseLost logs a lease that could not be renewed
func LogLeaseLost(logger zerolog.Logger, runID, owner string, err error) {
	logger.Warn().
		Str("event", EventLeaseLost).
		Str("run_id", runID).
		Str("owner", owner).
		Err(err).
		Msg("Run lease lost")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, runID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("run_id", runID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// LogTelemetryError logs a telemetry capture or export failure
func LogTelemetryError(logger zerolog.Logger, runID, stepName string, err error) {
	logger.Warn().
		Str("event", EventTelemetryError).
		Str("run_id", runID).
		Str("step_name", stepName).
		Err(err).
		Msg("Telemetry recording failed")
}

// RunLogger creates a logger enriched with run context
func RunLogger(baseLogger zerolog.Logger, runID, workflowID string) zerolog.Logger {
	return baseLogger.With().
		Str("run_id", runID).
		Str("workflow_id", workflowID).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(runLogger zerolog.Logger, stepName string, kind StepKind, attempt int) zerolog.Logger {
	return runLogger.With().
		Str("step_name", stepName).
		Str("kind", kind.String()).
		Int("attempt", attempt).
		Logger()
}
