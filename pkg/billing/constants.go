package billing

const (
	operationApply      = "apply"
	operationApplyUsage = "apply_usage"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// One cent of slack covers histories migrated from floating-point systems.
	reconciliationToleranceCents = 1
)
