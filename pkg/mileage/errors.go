package mileage

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the mileage service and its stores.
var (
	ErrUserNotFound           = errors.New("user not found")
	ErrInsufficientMileage    = errors.New("insufficient mileage")
	ErrBalanceInconsistency   = errors.New("balance inconsistency")
	ErrBalanceConflict        = errors.New("balance conflict")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidLimit           = errors.New("invalid limit")
	ErrInvalidRequiredMileage = errors.New("invalid required mileage")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidDescription     = errors.New("invalid description")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidResourceRef     = errors.New("invalid resource reference")
	ErrInvalidBalance         = errors.New("invalid balance")
	ErrInvalidServiceConfig   = errors.New("invalid service config")

	// ErrAuditSkipped marks a post-commit audit whose snapshot could not be read.
	ErrAuditSkipped = errors.New("balance audit skipped")
)

var invalidArgumentErrors = []error{
	ErrInvalidAmount,
	ErrInvalidLimit,
	ErrInvalidRequiredMileage,
	ErrInvalidUserID,
	ErrInvalidTransactionID,
	ErrInvalidDescription,
	ErrInvalidTransactionType,
	ErrInvalidResourceRef,
}

// InsufficientMileageError reports a debit rejected because the balance did not cover it.
type InsufficientMileageError struct {
	Required Mileage
	Current  Mileage
}

func (insufficientError *InsufficientMileageError) Error() string {
	return fmt.Sprintf("%v: required %d, current %d", ErrInsufficientMileage, insufficientError.Required, insufficientError.Current)
}

// Is matches ErrInsufficientMileage.
func (insufficientError *InsufficientMileageError) Is(target error) bool {
	return target == ErrInsufficientMileage
}

// BalanceInconsistencyError reports a stored balance that disagrees with the transaction log.
// It indicates data corruption and must never be retried.
type BalanceInconsistencyError struct {
	UserID   UserID
	Stored   Mileage
	Expected Mileage
}

func (inconsistencyError *BalanceInconsistencyError) Error() string {
	return fmt.Sprintf("%v for user %s: stored %d, expected %d", ErrBalanceInconsistency, inconsistencyError.UserID.String(), inconsistencyError.Stored, inconsistencyError.Expected)
}

// Is matches ErrBalanceInconsistency.
func (inconsistencyError *BalanceInconsistencyError) Is(target error) bool {
	return target == ErrBalanceInconsistency
}

// LedgerError tags a failure with the layer that raised it (ledger or store), the ledger subject
// it concerns (balance, user, transaction, directory) and a stable code.
type LedgerError struct {
	layer   string
	subject string
	code    string
	cause   error
}

func (ledgerError LedgerError) Error() string {
	return fmt.Sprintf("mileage %s: %s %s: %v", ledgerError.layer, ledgerError.subject, ledgerError.code, ledgerError.cause)
}

func (ledgerError LedgerError) Unwrap() error {
	return ledgerError.cause
}

// Layer is "ledger" for service failures and "store" for persistence failures.
func (ledgerError LedgerError) Layer() string {
	return ledgerError.layer
}

func (ledgerError LedgerError) Subject() string {
	return ledgerError.subject
}

// Code is stable across releases and safe to match on.
func (ledgerError LedgerError) Code() string {
	return ledgerError.code
}

// WrapError tags cause with its layer, subject and code. A nil cause stays nil.
func WrapError(layer string, subject string, code string, cause error) error {
	if cause == nil {
		return nil
	}
	return LedgerError{layer: layer, subject: subject, code: code, cause: cause}
}

// StoreUnavailable marks an infrastructure failure so callers can classify it as retryable.
func StoreUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// IsRetryable reports whether a caller may safely retry the failed operation.
// Insufficient mileage and balance inconsistencies are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBalanceInconsistency) || errors.Is(err, ErrInsufficientMileage) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrBalanceConflict)
}

// IsInvalidArgument reports whether err was caused by caller input.
func IsInvalidArgument(err error) bool {
	for _, target := range invalidArgumentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
