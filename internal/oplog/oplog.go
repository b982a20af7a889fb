// Package oplog adapts a zap logger to the credit engine's operation callback.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

// Logger writes one structured line per credit operation.
type Logger struct {
	base *zap.Logger
}

// New returns a Logger writing through the supplied zap logger.
func New(base *zap.Logger) *Logger {
	return &Logger{base: base.Named("credits")}
}

// LogOperation implements credits.OperationLogger.
func (logger *Logger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.TransactionRef != "" {
		fields = append(fields, zap.String("transaction_ref", entry.TransactionRef))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		logger.base.Warn("credit operation failed", fields...)
		return
	}
	logger.base.Info("credit operation", fields...)
}
