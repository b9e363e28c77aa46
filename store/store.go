package store

// Package store provides ledger implementations for the stepflow engine.
// The Ledger interface is defined in the parent stepflow package
// (../ledger.go) to avoid import cycles between the engine and store
// packages.
//
// This package contains concrete implementations:
//   - DynamoDBLedger: AWS DynamoDB single-table backend (schema.go)
//   - PostgresLedger: PostgreSQL backend via sqlx and lib/pq
//   - MemoryLedger: In-memory backend for tests and single-process use
//
// The redislease subpackage provides a stepflow.Leaser backed by Redis for
// deployments that keep leases out of the ledger.
