// Package telemetry captures AI model invocations made through AIWrap
// steps. Entries are built from the step's params and raw result, stored
// with the step record, and optionally exported to sinks.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/tidwall/gjson"
)

// Extractor pulls the generated text and token usage out of a raw model
// result using gjson paths.
type Extractor struct {
	TextPath  string
	UsagePath string
}

// DefaultExtractor matches stepflow.ModelResponse
var DefaultExtractor = Extractor{
	TextPath:  "text",
	UsagePath: "usage",
}

// Extract returns the text and usage found in raw. Missing paths yield
// empty values.
func (x Extractor) Extract(raw []byte) (string, json.RawMessage) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return "", nil
	}

	var text string
	if x.TextPath != "" {
		if r := gjson.GetBytes(raw, x.TextPath); r.Exists() {
			text = r.String()
		}
	}

	var usage json.RawMessage
	if x.UsagePath != "" {
		if r := gjson.GetBytes(raw, x.UsagePath); r.Exists() && r.IsObject() {
			usage = json.RawMessage(r.Raw)
		}
	}
	return text, usage
}

// Recorder builds telemetry entries
type Recorder struct {
	extractor Extractor
}

// NewRecorder creates a recorder using x
func NewRecorder(x Extractor) *Recorder {
	return &Recorder{extractor: x}
}

// Record builds the entry for one invocation. Serialization problems are
// returned alongside a partial entry so the caller can log and continue.
func (r *Recorder) Record(params, result any, invokeErr error, startedAt time.Time, duration time.Duration) (*stepflow.TelemetryEntry, error) {
	entry := &stepflow.TelemetryEntry{
		StartedAt:  startedAt,
		DurationMs: duration.Milliseconds(),
	}
	if invokeErr != nil {
		entry.Error = invokeErr.Error()
	}

	var firstErr error
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			firstErr = fmt.Errorf("failed to serialize params: %w", err)
		} else {
			entry.Params = b
		}
	}

	if invokeErr == nil && result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to serialize result: %w", err)
			}
		} else {
			entry.Result = b
			entry.Text, entry.Usage = r.extractor.Extract(b)
		}
	}
	return entry, firstErr
}

// Sink receives completed telemetry entries. Export failures never fail
// the step that produced the entry.
type Sink interface {
	Export(ctx context.Context, runID, stepName string, entry *stepflow.TelemetryEntry) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, runID, stepName string, entry *stepflow.TelemetryEntry) error

// Export calls f
func (f SinkFunc) Export(ctx context.Context, runID, stepName string, entry *stepflow.TelemetryEntry) error {
	return f(ctx, runID, stepName, entry)
}

// LogSink writes each entry as a structured log line
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging at info level
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Export logs the entry
func (s *LogSink) Export(ctx context.Context, runID, stepName string, entry *stepflow.TelemetryEntry) error {
	ev := s.logger.Info().
		Str("event", "ai_invocation").
		Str("run_id", runID).
		Str("step_name", stepName).
		Int64("duration_ms", entry.DurationMs).
		Int("text_length", len(entry.Text))
	if len(entry.Usage) > 0 {
		ev = ev.RawJSON("usage", entry.Usage)
	}
	if entry.Error != "" {
		ev = ev.Str("error", entry.Error)
	}
	ev.Msg("AI invocation recorded")
	return nil
}
