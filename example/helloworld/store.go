package helloworld

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RecordStore persists the records the workflow creates
type RecordStore interface {
	CreateWorkflow(ctx context.Context, name string) (*Record, error)
	ListWorkflows(ctx context.Context) ([]*Record, error)
}

// MemoryRecordStore keeps records in memory
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryRecordStore creates an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*Record)}
}

// CreateWorkflow stores a new record
func (s *MemoryRecordStore) CreateWorkflow(ctx context.Context, name string) (*Record, error) {
	rec := &Record{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	clone := *rec
	return &clone, nil
}

// ListWorkflows returns every record, oldest first
func (s *MemoryRecordStore) ListWorkflows(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SQLRecordStore keeps records in the workflows table
type SQLRecordStore struct {
	db *sqlx.DB
}

// NewSQLRecordStore wraps an open database
func NewSQLRecordStore(db *sqlx.DB) *SQLRecordStore {
	return &SQLRecordStore{db: db}
}

const createWorkflowsTable = `CREATE TABLE IF NOT EXISTS workflows (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate creates the workflows table
func (s *SQLRecordStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createWorkflowsTable); err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}
	return nil
}

// CreateWorkflow inserts a new record
func (s *SQLRecordStore) CreateWorkflow(ctx context.Context, name string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO workflows (id, name) VALUES ($1, $2) RETURNING id, name, created_at`,
		uuid.New().String(), name,
	).StructScan(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow record: %w", err)
	}
	return &rec, nil
}

// ListWorkflows returns every record, oldest first
func (s *SQLRecordStore) ListWorkflows(ctx context.Context) ([]*Record, error) {
	var records []*Record
	if err := s.db.SelectContext(ctx, &records,
		`SELECT id, name, created_at FROM workflows ORDER BY created_at`,
	); err != nil {
		return nil, fmt.Errorf("failed to list workflow records: %w", err)
	}
	return records, nil
}
