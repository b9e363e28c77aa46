package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	events []*stepflow.Event
	runIDs []string
	err    error
}

func (f *fakePublisher) PublishEvent(ctx context.Context, evt *stepflow.Event) (*bus.PublishResult, error) {
	f.events = append(f.events, evt)
	return &bus.PublishResult{EventID: evt.ID, RunIDs: f.runIDs}, f.err
}

type fakeRuns struct {
	runs  map[string]*stepflow.Run
	steps map[string][]*stepflow.StepRecord
}

func (f *fakeRuns) LoadRun(ctx context.Context, runID string) (*stepflow.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, stepflow.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRuns) GetSteps(ctx context.Context, runID string) ([]*stepflow.StepRecord, error) {
	if _, ok := f.runs[runID]; !ok {
		return nil, stepflow.ErrRunNotFound
	}
	return f.steps[runID], nil
}

func (f *fakeRuns) ListRuns(ctx context.Context, filter stepflow.RunFilter) ([]*stepflow.Run, error) {
	var out []*stepflow.Run
	for _, run := range f.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeRuns) Cancel(ctx context.Context, runID string) (*stepflow.RunSummary, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("failed to get run: %w", stepflow.ErrRunNotFound)
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot cancel run in %s state: %w", run.Status, stepflow.ErrRunTerminal)
	}
	run.Status = stepflow.RunStatusCancelled
	return run.Summary(), nil
}

func newTestServer(pub *fakePublisher, opts ...Option) (*Server, *fakeRuns) {
	runs := &fakeRuns{
		runs: map[string]*stepflow.Run{
			"run-1": {RunID: "run-1", WorkflowID: "hello-world", Status: stepflow.RunStatusSleeping},
			"run-2": {RunID: "run-2", WorkflowID: "hello-world", Status: stepflow.RunStatusSucceeded},
		},
		steps: map[string][]*stepflow.StepRecord{
			"run-1": {{RunID: "run-1", Name: "wait-a-moment", Kind: stepflow.StepKindSleep, Status: stepflow.StepStatusPending}},
		},
	}
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(pub, runs, opts...), runs
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, v), string(body))
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(&fakePublisher{})

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishEvent(t *testing.T) {
	pub := &fakePublisher{runIDs: []string{"run-9"}}
	s, _ := newTestServer(pub)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/test/hello.world", strings.NewReader(`{"greeting":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result bus.PublishResult
	decodeBody(t, resp, &result)
	assert.Equal(t, []string{"run-9"}, result.RunIDs)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "test/hello.world", pub.events[0].Name)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(pub.events[0].Data))
	assert.True(t, strings.HasPrefix(pub.events[0].ID, "evt_"))
}

func TestPublishEventEmptyBody(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := newTestServer(pub)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodPost, "/api/v1/events/nothing/listens", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, pub.events, 1)
	assert.JSONEq(t, `{}`, string(pub.events[0].Data))
}

func TestPublishEventInvalidBody(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := newTestServer(pub)

	resp, err := s.App().Test(httptest.NewRequest(http.MethodPost, "/api/v1/events/test/bad", strings.NewReader("not json")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, pub.events)
}

func TestPublishEventRateLimited(t *testing.T) {
	pub := &fakePublisher{}
	s, _ := newTestServer(pub, WithRateLimit(0.001, 1))

	resp, err := s.App().Test(httptest.NewRequest(http.MethodPost, "/api/v1/events/test/limited", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodPost, "/api/v1/events/test/limited", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Len(t, pub.events, 1)
}

func TestGetRun(t *testing.T) {
	s, _ := newTestServer(&fakePublisher{})

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run stepflow.Run
	decodeBody(t, resp, &run)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, stepflow.RunStatusSleeping, run.Status)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSteps(t *testing.T) {
	s, _ := newTestServer(&fakePublisher{})

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1/steps", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		RunID string                 `json:"runId"`
		Steps []*stepflow.StepRecord `json:"steps"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Steps, 1)
	assert.Equal(t, "wait-a-moment", body.Steps[0].Name)
}

func TestListRunsByStatus(t *testing.T) {
	s, _ := newTestServer(&fakePublisher{})

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs?status=succeeded", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Runs  []*stepflow.RunSummary `json:"runs"`
		Count int                    `json:"count"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "run-2", body.Runs[0].RunID)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=abc", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	s, runs := newTestServer(&fakePublisher{})

	resp, err := s.App().Test(httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-1/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stepflow.RunStatusCancelled, runs.runs["run-1"].Status)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-2/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodPost, "/api/v1/runs/missing/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "stepflow_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s, _ := newTestServer(&fakePublisher{}, WithMetricsGatherer(reg))

	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stepflow_test_total 1")
}
