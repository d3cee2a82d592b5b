// File: internal/receiving/reporter.go
package receiving

import (
	"context"

	"go.uber.org/zap"
)

// LogReporter is the fallback sink when no database is configured: terminal
// results go to the structured log and nowhere else.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a log-only reporter.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("reporter")}
}

// Report writes the terminal record at info level, one entry per line so
// partial failures stay visible in log search.
func (r *LogReporter) Report(ctx context.Context, result *OperationResult) error {
	r.logger.Info("Transaction result.",
		zap.String("transaction_id", result.TransactionID.String()),
		zap.String("warehouse", result.Warehouse),
		zap.String("shipment", result.Shipment),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
		zap.Int("lines", len(result.Lines)),
		zap.Strings("warnings", result.Warnings))
	for _, line := range result.Lines {
		r.logger.Info("Line outcome.",
			zap.String("transaction_id", result.TransactionID.String()),
			zap.String("sku", line.SKU),
			zap.String("status", string(line.Status)),
			zap.Int("expected", line.Expected),
			zap.Int("received", line.Received),
			zap.String("detail", line.Detail))
	}
	return nil
}
