package mileage

// InitialGrant is the balance every user record starts with. It is not backed by a transaction row.
const InitialGrant Mileage = 100

const (
	operationAddMileage    = "add_mileage"
	operationDeductMileage = "deduct_mileage"
	operationAudit         = "audit"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	defaultMaxAttempts = 5

	errorOperationLedger       = "ledger"
	errorSubjectBalance        = "balance"
	errorSubjectDirectory      = "directory"
	errorCodeConflictExhausted = "conflict_retries_exhausted"
	errorCodeOverflow          = "overflow"
	errorCodeList              = "page_unreadable"
)
