// Package oplog adapts the credit service's operation callbacks to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
	"go.uber.org/zap"
)

// ZapLogger emits one structured log line per credit operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps the given zap logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation implements credits.OperationLogger.
func (adapter *ZapLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if orderID := entry.OrderID.String(); orderID != "" {
		fields = append(fields, zap.String("order_id", orderID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("credit operation", fields...)
		return
	}
	adapter.logger.Info("credit operation", fields...)
}
