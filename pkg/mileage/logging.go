package mileage

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing or auditing ledger operation.
type OperationLog struct {
	Operation   string
	UserID      UserID
	Type        TransactionType
	Amount      Mileage
	Description string
	ResourceID  string
	Balance     Mileage
	Attempts    int
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithConsistencyCheck toggles the post-commit balance audit. It is enabled by default.
// The audit runs after the mutation commits, so an audit whose snapshot cannot be read does not
// fail the mutation: it is reported to the OperationLogger with status "skipped" and an error
// matching ErrAuditSkipped. Without an OperationLogger such skips are not observable; run
// AuditAll to re-check those users.
func WithConsistencyCheck(enabled bool) ServiceOption {
	return func(service *Service) {
		service.consistencyCheck = enabled
	}
}

// WithMaxAttempts bounds how many times a mutation is attempted after balance conflicts.
func WithMaxAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.maxAttempts = attempts
		}
	}
}

// WithIDGenerator replaces the transaction id generator.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		if newID != nil {
			service.newID = newID
		}
	}
}
