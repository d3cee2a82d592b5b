package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/receiving"
)

// flexibleSQLMatcher builds a whitespace-insensitive regex for SQL matching.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	s, err := New(context.Background(), mock, zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func sampleResult() *receiving.OperationResult {
	now := time.Now().UTC()
	return &receiving.OperationResult{
		TransactionID: uuid.New(),
		Warehouse:     "WH-01",
		Shipment:      "ASN-100",
		Status:        receiving.StatusCompleteWithRejections,
		Lines: []receiving.LineOutcome{
			{SKU: "SKU-1", Expected: 6, Received: 6, Status: receiving.LineConfirmed},
			{SKU: "SKU-2", Expected: 4, Status: receiving.LineRejected, Detail: "invalid item"},
		},
		Warnings:   []string{"WARNING: lot near expiry"},
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}
}

func TestNewFailsWhenPingFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	_, err = New(context.Background(), mock, zap.NewNop())
	assert.ErrorContains(t, err, "pinging database")
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(flexibleSQLMatcher(createResultsTable)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportPersistsResultRow(t *testing.T) {
	s, mock := newMockStore(t)
	result := sampleResult()

	wantLines, err := json.Marshal(result.Lines)
	require.NoError(t, err)
	wantWarnings, err := json.Marshal(result.Warnings)
	require.NoError(t, err)

	mock.ExpectExec(flexibleSQLMatcher(insertResult)).
		WithArgs(
			result.TransactionID,
			result.Warehouse,
			result.Shipment,
			string(result.Status),
			result.Reason,
			wantLines,
			wantWarnings,
			result.StartedAt,
			result.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Report(context.Background(), result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportSurfacesInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)
	result := sampleResult()

	mock.ExpectExec(flexibleSQLMatcher(insertResult)).
		WithArgs(
			result.TransactionID,
			result.Warehouse,
			result.Shipment,
			string(result.Status),
			result.Reason,
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			result.StartedAt,
			result.FinishedAt,
		).
		WillReturnError(errors.New("deadlock detected"))

	err := s.Report(context.Background(), result)
	assert.ErrorContains(t, err, "inserting result")
	assert.NoError(t, mock.ExpectationsWereMet())
}
