package mileage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mileage is an integer point balance.
type Mileage int64

// Int64 exposes the raw value.
func (value Mileage) Int64() int64 {
	return int64(value)
}

// NewBalance validates a stored balance, which can never be negative.
func NewBalance(raw int64) (Mileage, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidBalance)
	}
	return Mileage(raw), nil
}

// PositiveMileage is a strictly positive transaction amount.
type PositiveMileage int64

// NewPositiveMileage validates a transaction amount.
func NewPositiveMileage(raw int64) (PositiveMileage, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveMileage(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveMileage) Int64() int64 {
	return int64(amount)
}

// ToMileage converts the amount to a balance-compatible value.
func (amount PositiveMileage) ToMileage() Mileage {
	return Mileage(amount)
}

// UserID identifies a user record.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// TransactionID identifies a mileage transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// Description is the human-readable reason recorded on a transaction.
type Description struct {
	value string
}

// NewDescription validates and normalizes a description.
func NewDescription(raw string) (Description, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Description{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	return Description{value: trimmed}, nil
}

// String returns the normalized description.
func (description Description) String() string {
	return description.value
}

// TransactionType enumerates the direction of a transaction.
type TransactionType string

const (
	TransactionEarn  TransactionType = "earn"
	TransactionSpend TransactionType = "spend"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionEarn:
		return TransactionEarn, nil
	case TransactionSpend:
		return TransactionSpend, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ResourceRef links a transaction to the catalog resource that caused it.
type ResourceRef struct {
	id    string
	title string
}

// NewResourceRef validates a resource reference. The title is optional.
func NewResourceRef(id string, title string) (ResourceRef, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return ResourceRef{}, fmt.Errorf("%w: empty resource id", ErrInvalidResourceRef)
	}
	return ResourceRef{id: trimmedID, title: strings.TrimSpace(title)}, nil
}

// ID returns the resource identifier.
func (ref ResourceRef) ID() string {
	return ref.id
}

// Title returns the resource title captured at transaction time.
func (ref ResourceRef) Title() string {
	return ref.title
}

// TransactionInput describes a transaction row before it is stored.
type TransactionInput struct {
	transactionID   TransactionID
	userID          UserID
	transactionType TransactionType
	amount          PositiveMileage
	description     Description
	resource        *ResourceRef
	createdAt       time.Time
}

// NewTransactionInput validates a transaction for insertion.
func NewTransactionInput(
	transactionID TransactionID,
	userID UserID,
	transactionType TransactionType,
	amount PositiveMileage,
	description Description,
	resource *ResourceRef,
	createdAt time.Time,
) (TransactionInput, error) {
	if transactionID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if description.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if resource != nil && resource.ID() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty resource id", ErrInvalidResourceRef)
	}
	return TransactionInput{
		transactionID:   transactionID,
		userID:          userID,
		transactionType: transactionType,
		amount:          amount,
		description:     description,
		resource:        copyResourceRef(resource),
		createdAt:       createdAt.UTC(),
	}, nil
}

// TransactionID returns the new row id.
func (input TransactionInput) TransactionID() TransactionID {
	return input.transactionID
}

// UserID returns the owner.
func (input TransactionInput) UserID() UserID {
	return input.userID
}

// Type returns the transaction direction.
func (input TransactionInput) Type() TransactionType {
	return input.transactionType
}

// Amount returns the transaction amount.
func (input TransactionInput) Amount() PositiveMileage {
	return input.amount
}

// Description returns the transaction description.
func (input TransactionInput) Description() Description {
	return input.description
}

// Resource returns the linked resource, if any.
func (input TransactionInput) Resource() (ResourceRef, bool) {
	if input.resource == nil {
		return ResourceRef{}, false
	}
	return *input.resource, true
}

// CreatedAt returns the UTC creation time.
func (input TransactionInput) CreatedAt() time.Time {
	return input.createdAt
}

// Transaction is an immutable stored mileage transaction.
type Transaction struct {
	transactionID   TransactionID
	userID          UserID
	transactionType TransactionType
	amount          PositiveMileage
	description     Description
	resource        *ResourceRef
	createdAt       time.Time
	sequence        int64
}

// NewTransaction validates a stored transaction row.
func NewTransaction(
	transactionID TransactionID,
	userID UserID,
	transactionType TransactionType,
	amount PositiveMileage,
	description Description,
	resource *ResourceRef,
	createdAt time.Time,
	sequence int64,
) (Transaction, error) {
	input, err := NewTransactionInput(transactionID, userID, transactionType, amount, description, resource, createdAt)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		transactionID:   input.transactionID,
		userID:          input.userID,
		transactionType: input.transactionType,
		amount:          input.amount,
		description:     input.description,
		resource:        input.resource,
		createdAt:       input.createdAt,
		sequence:        sequence,
	}, nil
}

// TransactionID returns the row id.
func (transaction Transaction) TransactionID() TransactionID {
	return transaction.transactionID
}

// UserID returns the owner.
func (transaction Transaction) UserID() UserID {
	return transaction.userID
}

// Type returns the transaction direction.
func (transaction Transaction) Type() TransactionType {
	return transaction.transactionType
}

// Amount returns the transaction amount.
func (transaction Transaction) Amount() PositiveMileage {
	return transaction.amount
}

// Description returns the transaction description.
func (transaction Transaction) Description() Description {
	return transaction.description
}

// Resource returns the linked resource, if any.
func (transaction Transaction) Resource() (ResourceRef, bool) {
	if transaction.resource == nil {
		return ResourceRef{}, false
	}
	return *transaction.resource, true
}

// CreatedAt returns the UTC creation time.
func (transaction Transaction) CreatedAt() time.Time {
	return transaction.createdAt
}

// Sequence returns the store-assigned monotonic order.
func (transaction Transaction) Sequence() int64 {
	return transaction.sequence
}

// BalanceAudit is a consistent snapshot of a stored balance and its transaction sums.
type BalanceAudit struct {
	Stored Mileage
	Earned Mileage
	Spent  Mileage
}

// Expected returns the balance implied by the transaction log.
func (audit BalanceAudit) Expected() Mileage {
	return InitialGrant + audit.Earned - audit.Spent
}

// Consistent reports whether the stored balance matches the transaction log exactly.
func (audit BalanceAudit) Consistent() bool {
	return audit.Stored == audit.Expected()
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID UserID) (Mileage, error)
	// LockBalance reads the balance inside a transaction, taking a row lock where supported.
	LockBalance(ctx context.Context, userID UserID) (Mileage, error)
	// CompareAndSwapBalance returns ErrBalanceConflict when the stored balance no longer equals expected.
	CompareAndSwapBalance(ctx context.Context, userID UserID, expected Mileage, next Mileage, updatedAt time.Time) error
	InsertTransaction(ctx context.Context, input TransactionInput) error
	// AuditBalance reads balance and transaction sums in a single statement.
	AuditBalance(ctx context.Context, userID UserID) (BalanceAudit, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
}

// UserDirectory pages through user ids in ascending order for batch audits.
type UserDirectory interface {
	ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error)
}

func copyResourceRef(resource *ResourceRef) *ResourceRef {
	if resource == nil {
		return nil
	}
	copied := *resource
	return &copied
}
