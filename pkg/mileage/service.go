package mileage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Service contains the mileage ledger logic over a Store.
type Service struct {
	store            Store
	nowFn            func() time.Time
	newID            func() string
	logger           OperationLogger
	consistencyCheck bool
	maxAttempts      int
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		newID:            uuid.NewString,
		consistencyCheck: true,
		maxAttempts:      defaultMaxAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the current balance of a user.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Mileage, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	return service.store.GetBalance(ctx, userID)
}

// GetTransactions returns up to limit transactions, newest first.
func (service *Service) GetTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidLimit)
	}
	transactions, err := service.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if transactions == nil {
		transactions = []Transaction{}
	}
	return transactions, nil
}

// HasSufficientMileage reports whether the balance covers required. It is advisory only:
// DeductMileage re-checks at commit time.
func (service *Service) HasSufficientMileage(ctx context.Context, userID UserID, required Mileage) (bool, error) {
	if required < 0 {
		return false, fmt.Errorf("%w: must be non-negative", ErrInvalidRequiredMileage)
	}
	balance, err := service.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= required, nil
}

// AddMileage credits amount and appends an earn transaction.
func (service *Service) AddMileage(ctx context.Context, userID UserID, amount PositiveMileage, description Description, resource *ResourceRef) error {
	return service.mutate(ctx, operationAddMileage, TransactionEarn, userID, amount, description, resource)
}

// DeductMileage debits amount and appends a spend transaction when the balance covers it at commit time.
// A rejected debit returns *InsufficientMileageError and changes nothing.
func (service *Service) DeductMileage(ctx context.Context, userID UserID, amount PositiveMileage, description Description, resource *ResourceRef) error {
	return service.mutate(ctx, operationDeductMileage, TransactionSpend, userID, amount, description, resource)
}

// AuditBalance returns the stored balance alongside the transaction sums for a user.
func (service *Service) AuditBalance(ctx context.Context, userID UserID) (BalanceAudit, error) {
	if err := validateUserID(userID); err != nil {
		return BalanceAudit{}, err
	}
	return service.store.AuditBalance(ctx, userID)
}

func (service *Service) mutate(ctx context.Context, operation string, transactionType TransactionType, userID UserID, amount PositiveMileage, description Description, resource *ResourceRef) error {
	var (
		balance  Mileage
		attempts int
	)
	operationError := validateMutation(userID, amount, description, resource)
	if operationError == nil {
		balance, attempts, operationError = service.commitWithRetry(ctx, transactionType, userID, amount, description, resource)
	}
	if operationError == nil && service.consistencyCheck {
		operationError = service.verifyConsistency(ctx, userID)
	}
	entry := OperationLog{
		Operation:   operation,
		UserID:      userID,
		Type:        transactionType,
		Amount:      amount.ToMileage(),
		Description: description.String(),
		Balance:     balance,
		Attempts:    attempts,
		Error:       operationError,
	}
	if resource != nil {
		entry.ResourceID = resource.ID()
	}
	service.logOperation(ctx, entry)
	return operationError
}

func (service *Service) commitWithRetry(ctx context.Context, transactionType TransactionType, userID UserID, amount PositiveMileage, description Description, resource *ResourceRef) (Mileage, int, error) {
	var lastConflict error
	for attempt := 1; attempt <= service.maxAttempts; attempt++ {
		next, err := service.commitOnce(ctx, transactionType, userID, amount, description, resource)
		if err == nil {
			return next, attempt, nil
		}
		if !errors.Is(err, ErrBalanceConflict) {
			return 0, attempt, err
		}
		lastConflict = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, attempt, StoreUnavailable(ctxErr)
		}
	}
	return 0, service.maxAttempts, WrapError(errorOperationLedger, errorSubjectBalance, errorCodeConflictExhausted, lastConflict)
}

func (service *Service) commitOnce(ctx context.Context, transactionType TransactionType, userID UserID, amount PositiveMileage, description Description, resource *ResourceRef) (Mileage, error) {
	var next Mileage
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		next, err = applyDelta(current, transactionType, amount)
		if err != nil {
			return err
		}
		transactionID, err := NewTransactionID(service.newID())
		if err != nil {
			return err
		}
		now := service.nowFn()
		input, err := NewTransactionInput(transactionID, userID, transactionType, amount, description, resource, now)
		if err != nil {
			return err
		}
		if err := transactionStore.CompareAndSwapBalance(ctx, userID, current, next, now); err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, input)
	})
	return next, err
}

// verifyConsistency runs after commit. A failed snapshot read is reported to the operation logger
// as ErrAuditSkipped and does not fail the committed mutation. A mismatch is returned as
// *BalanceInconsistencyError.
func (service *Service) verifyConsistency(ctx context.Context, userID UserID) error {
	audit, err := service.store.AuditBalance(ctx, userID)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationAudit,
			UserID:    userID,
			Status:    operationStatusSkipped,
			Error:     fmt.Errorf("%w: %w", ErrAuditSkipped, err),
		})
		return nil
	}
	if audit.Consistent() {
		return nil
	}
	return &BalanceInconsistencyError{UserID: userID, Stored: audit.Stored, Expected: audit.Expected()}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func applyDelta(current Mileage, transactionType TransactionType, amount PositiveMileage) (Mileage, error) {
	switch transactionType {
	case TransactionEarn:
		if current > Mileage(math.MaxInt64)-amount.ToMileage() {
			return 0, WrapError(errorOperationLedger, errorSubjectBalance, errorCodeOverflow, fmt.Errorf("%w: balance would overflow", ErrInvalidAmount))
		}
		return current + amount.ToMileage(), nil
	case TransactionSpend:
		if current < amount.ToMileage() {
			return 0, &InsufficientMileageError{Required: amount.ToMileage(), Current: current}
		}
		return current - amount.ToMileage(), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTransactionType, transactionType)
	}
}

func validateUserID(userID UserID) error {
	if userID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return nil
}

func validateMutation(userID UserID, amount PositiveMileage, description Description, resource *ResourceRef) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if description.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if resource != nil && resource.ID() == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalidResourceRef)
	}
	return nil
}
