// Package oplog adapts billing operation callbacks onto zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
	"go.uber.org/zap"
)

// ZapOperationLogger writes one structured log line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// New wires a ZapOperationLogger.
func New(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements billing.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("organization_id", entry.OrganizationID.String()),
		zap.String("user_id", entry.UserID.String()),
		zap.String("type", entry.Type.String()),
		zap.Int64("amount_cents", entry.AmountCents.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.ExternalReference != "" {
		fields = append(fields, zap.String("external_reference", entry.ExternalReference))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation applied", fields...)
}
