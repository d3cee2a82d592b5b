// Package store persists terminal transaction results to Postgres. It is the
// durable Reporter implementation; when no database is configured the
// workflow falls back to a log-only reporter instead.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/receiving"
)

// DBPool abstracts the pgxpool.Pool surface the store needs, so tests can
// substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a PostgreSQL-backed receiving.Reporter.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const createResultsTable = `
	CREATE TABLE IF NOT EXISTS receiving_results (
		transaction_id UUID PRIMARY KEY,
		warehouse      TEXT NOT NULL,
		shipment       TEXT NOT NULL,
		status         TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		lines          JSONB NOT NULL,
		warnings       JSONB NOT NULL,
		started_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ NOT NULL
	)`

// EnsureSchema creates the results table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createResultsTable); err != nil {
		return fmt.Errorf("creating receiving_results table: %w", err)
	}
	return nil
}

const insertResult = `
	INSERT INTO receiving_results
		(transaction_id, warehouse, shipment, status, reason, lines, warnings, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Report persists one terminal result row. Line outcomes and warnings land
// as JSONB so reconciliation queries can reach into them.
func (s *Store) Report(ctx context.Context, result *receiving.OperationResult) error {
	lines, err := json.Marshal(result.Lines)
	if err != nil {
		return fmt.Errorf("encoding line outcomes: %w", err)
	}
	warnings, err := json.Marshal(result.Warnings)
	if err != nil {
		return fmt.Errorf("encoding warnings: %w", err)
	}

	if _, err := s.pool.Exec(ctx, insertResult,
		result.TransactionID,
		result.Warehouse,
		result.Shipment,
		string(result.Status),
		result.Reason,
		lines,
		warnings,
		result.StartedAt,
		result.FinishedAt,
	); err != nil {
		return fmt.Errorf("inserting result for transaction %s: %w", result.TransactionID, err)
	}

	s.log.Debug("Transaction result persisted.",
		zap.String("transaction_id", result.TransactionID.String()),
		zap.String("status", string(result.Status)))
	return nil
}
