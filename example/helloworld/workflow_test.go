package helloworld

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, wf *stepflow.Workflow) (*engine.Engine, *store.MemoryLedger) {
	t.Helper()
	registry := stepflow.NewRegistry()
	require.NoError(t, registry.Register(wf))

	ledger := store.NewMemoryLedger()
	eng := engine.NewEngine(ledger, registry, engine.WithLogger(zerolog.Nop()))
	t.Cleanup(eng.Close)
	return eng, ledger
}

func TestHelloWorldWorkflow_Definition(t *testing.T) {
	wf, err := NewHelloWorldWorkflow(NewMemoryRecordStore())
	require.NoError(t, err)

	assert.Equal(t, WorkflowID, wf.ID())
	assert.Equal(t, 5, wf.RetryPolicy().MaxAttempts)
	require.NotNil(t, wf.Trigger())
	assert.Equal(t, EventName, wf.Trigger().Event)
}

func TestHelloWorldWorkflow_Run(t *testing.T) {
	records := NewMemoryRecordStore()
	wf, err := NewHelloWorldWorkflow(records, WithPause(0))
	require.NoError(t, err)
	eng, ledger := newTestEngine(t, wf)

	evt, err := stepflow.NewEvent(EventName, map[string]string{"email": "test@example.com"})
	require.NoError(t, err)

	run, err := eng.StartRun(context.Background(), wf, evt, stepflow.WithSynchronous())
	require.NoError(t, err)
	require.Equal(t, stepflow.RunStatusSucceeded, run.Status)

	var out Output
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.Equal(t, "Hello test/hello.world!", out.Message)
	require.NotNil(t, out.Record)
	assert.Equal(t, RecordName, out.Record.Name)

	stored, err := records.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, out.Record.ID, stored[0].ID)

	steps, err := ledger.ListSteps(context.Background(), run.RunID)
	require.NoError(t, err)
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"wait-a-moment", "proccessing", "creating final result", "createo-workflow"}, names)
}

func TestHelloWorldWorkflow_SleepsBeforeCreating(t *testing.T) {
	records := NewMemoryRecordStore()
	wf, err := NewHelloWorldWorkflow(records, WithPause(time.Hour))
	require.NoError(t, err)
	eng, _ := newTestEngine(t, wf)

	evt, err := stepflow.NewEvent(EventName, nil)
	require.NoError(t, err)

	run, err := eng.StartRun(context.Background(), wf, evt, stepflow.WithSynchronous())
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusSleeping, run.Status)

	stored, err := records.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSQLRecordStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLRecordStore(sqlx.NewDb(db, "postgres"))
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS workflows")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(ctx))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO workflows (id, name) VALUES ($1, $2) RETURNING id, name, created_at")).
		WithArgs(sqlmock.AnyArg(), RecordName).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).
			AddRow("7d1f0c3e-0000-4000-8000-000000000001", RecordName, created))

	rec, err := s.CreateWorkflow(ctx, RecordName)
	require.NoError(t, err)
	assert.Equal(t, "7d1f0c3e-0000-4000-8000-000000000001", rec.ID)
	assert.Equal(t, created, rec.CreatedAt)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, created_at FROM workflows ORDER BY created_at")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).
			AddRow("a", "first", created).
			AddRow("b", "second", created.Add(time.Minute)))

	list, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[1].Name)

	assert.NoError(t, mock.ExpectationsWereMet())
}
