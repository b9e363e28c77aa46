package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sicko7947/stepflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresLedger implements stepflow.Ledger on PostgreSQL via sqlx and lib/pq.
// Step writes run in a transaction that locks the run row, so the terminal
// guard and the step upsert commit together.
type PostgresLedger struct {
	db    *sqlx.DB
	clock stepflow.Clock
}

// NewPostgresLedger connects using a lib/pq connection string
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgresLedgerFromDB(db), nil
}

// NewPostgresLedgerFromDB wraps an existing connection pool
func NewPostgresLedgerFromDB(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{
		db:    db,
		clock: stepflow.SystemClock{},
	}
}

var _ stepflow.Ledger = (*PostgresLedger)(nil)

// DB exposes the underlying pool
func (s *PostgresLedger) DB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresLedger) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the pool
func (s *PostgresLedger) Close() error {
	return s.db.Close()
}

// Run operations

func (s *PostgresLedger) CreateRun(ctx context.Context, run *stepflow.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stepflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.RunID, m.WorkflowID, jsonb(m.Event), m.Status, m.Attempt, m.LastStep,
		jsonb(m.Output), jsonb(m.Error), m.CreatedAt, m.UpdatedAt, m.StartedAt, m.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s already exists", run.RunID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresLedger) GetRun(ctx context.Context, runID string) (*stepflow.Run, error) {
	var m runModel
	err := s.db.GetContext(ctx, &m, `SELECT `+runColumns+` FROM stepflow_runs WHERE run_id = $1`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, stepflow.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return fromRunModel(&m)
}

func (s *PostgresLedger) UpdateRun(ctx context.Context, run *stepflow.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE stepflow_runs SET
			status = $2, attempt = $3, last_step = $4, output = $5, error = $6,
			updated_at = $7, started_at = $8, completed_at = $9
		WHERE run_id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`,
		m.RunID, m.Status, m.Attempt, m.LastStep, jsonb(m.Output), jsonb(m.Error),
		m.UpdatedAt, m.StartedAt, m.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if rows == 0 {
		current, err := s.GetRun(ctx, run.RunID)
		if err != nil {
			return err
		}
		return fmt.Errorf("run %s is %s: %w", run.RunID, current.Status, stepflow.ErrRunTerminal)
	}
	return nil
}

func (s *PostgresLedger) ListRuns(ctx context.Context, filter stepflow.RunFilter) ([]*stepflow.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM stepflow_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var models []runModel
	if err := s.db.SelectContext(ctx, &models, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*stepflow.Run, 0, len(models))
	for i := range models {
		run, err := fromRunModel(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Step operations

func (s *PostgresLedger) GetStep(ctx context.Context, runID, name string) (*stepflow.StepRecord, error) {
	var m stepModel
	err := s.db.GetContext(ctx, &m,
		`SELECT `+stepColumns+` FROM stepflow_steps WHERE run_id = $1 AND name = $2`, runID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("step %s of run %s: %w", name, runID, stepflow.ErrStepNotFound)
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return fromStepModel(&m)
}

func (s *PostgresLedger) ListSteps(ctx context.Context, runID string) ([]*stepflow.StepRecord, error) {
	var models []stepModel
	err := s.db.SelectContext(ctx, &models,
		`SELECT `+stepColumns+` FROM stepflow_steps WHERE run_id = $1 ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return fromStepModels(models)
}

func (s *PostgresLedger) SaveStep(ctx context.Context, step *stepflow.StepRecord) error {
	m, err := toStepModel(step)
	if err != nil {
		return fmt.Errorf("%w: %w", stepflow.ErrRecordRejected, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var status string
	err = tx.GetContext(ctx, &status, `SELECT status FROM stepflow_runs WHERE run_id = $1 FOR UPDATE`, step.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", step.RunID, stepflow.ErrRunNotFound)
		}
		return fmt.Errorf("failed to lock run: %w", err)
	}
	if stepflow.RunStatus(status).IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", step.RunID, status, stepflow.ErrRunTerminal)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stepflow_steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id, name) DO UPDATE SET
			idx = EXCLUDED.idx,
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			wake_at = EXCLUDED.wake_at,
			telemetry = EXCLUDED.telemetry,
			duration_ms = EXCLUDED.duration_ms,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
		WHERE stepflow_steps.status <> 'COMPLETED'`,
		m.RunID, m.Name, m.Index, m.Kind, m.Status, m.Attempts, jsonb(m.Result), jsonb(m.Error),
		m.WakeAt, jsonb(m.Telemetry), m.DurationMs, m.CreatedAt, m.UpdatedAt, m.CompletedAt,
	)
	if err != nil {
		if isRejectedValue(err) {
			return fmt.Errorf("failed to save step: %w: %w", stepflow.ErrRecordRejected, err)
		}
		return fmt.Errorf("failed to save step: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("step %s of run %s: %w", step.Name, step.RunID, stepflow.ErrStepCompleted)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}
	return nil
}

func (s *PostgresLedger) ListDueSleeps(ctx context.Context, now time.Time, limit int) ([]*stepflow.StepRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []stepModel
	err := s.db.SelectContext(ctx, &models, `
		SELECT s.run_id, s.name, s.idx, s.kind, s.status, s.attempts, s.result, s.error, s.wake_at,
			s.telemetry, s.duration_ms, s.created_at, s.updated_at, s.completed_at
		FROM stepflow_steps s
		JOIN stepflow_runs r ON r.run_id = s.run_id
		WHERE s.kind = 'SLEEP' AND s.status = 'PENDING' AND s.wake_at <= $1
			AND r.status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
		ORDER BY s.wake_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due sleeps: %w", err)
	}
	return fromStepModels(models)
}

// Lease operations

func (s *PostgresLedger) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE stepflow_runs SET lease_owner = $2, lease_expires_at = $3
		WHERE run_id = $1 AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires_at < $4)`,
		runID, owner, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return affectedOne(res)
}

func (s *PostgresLedger) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stepflow_runs SET lease_expires_at = $3
		WHERE run_id = $1 AND lease_owner = $2`,
		runID, owner, s.clock.Now().Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return affectedOne(res)
}

func (s *PostgresLedger) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stepflow_runs SET lease_owner = NULL, lease_expires_at = NULL
		WHERE run_id = $1 AND lease_owner = $2`,
		runID, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func fromStepModels(models []stepModel) ([]*stepflow.StepRecord, error) {
	records := make([]*stepflow.StepRecord, 0, len(models))
	for i := range models {
		rec, err := fromStepModel(&models[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func affectedOne(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isRejectedValue reports data exceptions (class 22) and program limits
// such as oversized values (class 54)
func isRejectedValue(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	class := pqErr.Code.Class()
	return class == "22" || class == "54"
}
