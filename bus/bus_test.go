package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
	fail    map[string]error
}

func (s *fakeStarter) StartRun(_ context.Context, wf *stepflow.Workflow, evt *stepflow.Event, _ ...stepflow.StartOption) (*stepflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail[wf.ID()]; err != nil {
		return nil, err
	}
	s.started = append(s.started, wf.ID())
	return &stepflow.Run{
		RunID:      fmt.Sprintf("run-%s-%s", wf.ID(), evt.ID),
		WorkflowID: wf.ID(),
		Event:      *evt,
	}, nil
}

func handler(ctx *stepflow.Context) (any, error) { return nil, nil }

func newRegistry(t *testing.T, triggers map[string]string) *stepflow.Registry {
	t.Helper()
	reg := stepflow.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		pattern, ok := triggers[id]
		if !ok {
			continue
		}
		trig, err := stepflow.NewTrigger(pattern, "")
		require.NoError(t, err)
		reg.MustRegister(stepflow.MustNewWorkflow(id, id, handler, stepflow.WithTrigger(trig)))
	}
	return reg
}

func TestPublish_Unmatched(t *testing.T) {
	starter := &fakeStarter{}
	b := New(newRegistry(t, map[string]string{"a": "order/placed"}), starter, WithLogger(zerolog.Nop()))

	res, err := b.Publish(context.Background(), "user/created", map[string]string{"id": "u1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.EventID, "evt_"))
	assert.Empty(t, res.RunIDs)
	assert.NotNil(t, res.RunIDs)
	assert.Empty(t, starter.started)
}

func TestPublish_MultipleMatches(t *testing.T) {
	starter := &fakeStarter{}
	b := New(newRegistry(t, map[string]string{
		"a": "order/placed",
		"b": "order/*",
		"c": "user/*",
	}), starter, WithLogger(zerolog.Nop()))

	res, err := b.Publish(context.Background(), "order/placed", nil)
	require.NoError(t, err)
	assert.Len(t, res.RunIDs, 2)
	assert.Equal(t, []string{"a", "b"}, starter.started)
}

func TestPublish_PartialFailure(t *testing.T) {
	starter := &fakeStarter{fail: map[string]error{"a": errors.New("ledger unavailable")}}
	b := New(newRegistry(t, map[string]string{
		"a": "order/placed",
		"b": "order/placed",
	}), starter, WithLogger(zerolog.Nop()))

	res, err := b.Publish(context.Background(), "order/placed", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow a")
	require.Len(t, res.RunIDs, 1)
	assert.Equal(t, []string{"b"}, starter.started)
}

func TestPublish_EmptyName(t *testing.T) {
	b := New(stepflow.NewRegistry(), &fakeStarter{}, WithLogger(zerolog.Nop()))

	_, err := b.Publish(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestPublishEvent_FillsIdentity(t *testing.T) {
	starter := &fakeStarter{}
	b := New(newRegistry(t, map[string]string{"a": "order/placed"}), starter, WithLogger(zerolog.Nop()))

	evt := &stepflow.Event{Name: "order/placed", Data: []byte(`{}`)}
	res, err := b.PublishEvent(context.Background(), evt)
	require.NoError(t, err)

	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Equal(t, evt.ID, res.EventID)

	// A caller-supplied ID is kept
	evt = &stepflow.Event{ID: "evt_fixed", Name: "order/placed"}
	res, err = b.PublishEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "evt_fixed", res.EventID)
	assert.Equal(t, []string{"run-a-evt_fixed"}, res.RunIDs)
}

func TestPublish_PredicateFailureSkipsWorkflow(t *testing.T) {
	reg := stepflow.NewRegistry()
	trig, err := stepflow.NewTrigger("order/placed", "event.data.items[2] > 0")
	require.NoError(t, err)
	reg.MustRegister(stepflow.MustNewWorkflow("broken", "", handler, stepflow.WithTrigger(trig)))

	starter := &fakeStarter{}
	b := New(reg, starter, WithLogger(zerolog.Nop()))

	res, err := b.Publish(context.Background(), "order/placed", map[string]any{"items": []int{}})
	require.NoError(t, err)
	assert.Empty(t, res.RunIDs)
}
