package mileage

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubStore struct {
	txMutex      sync.Mutex
	dataMutex    sync.Mutex
	balances     map[UserID]Mileage
	transactions []Transaction
	nextSequence int64
	conflicts    int
	casCalls     int
	auditErr     error
	insertErr    error
	listErr      error
}

type stubSnapshot struct {
	balances     map[UserID]Mileage
	transactions []Transaction
	nextSequence int64
}

func newStubStore(test *testing.T, rawUserIDs ...string) *stubStore {
	test.Helper()
	store := &stubStore{balances: make(map[UserID]Mileage, len(rawUserIDs))}
	for _, rawUserID := range rawUserIDs {
		store.balances[mustUserID(test, rawUserID)] = InitialGrant
	}
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Mileage, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	balance, ok := store.balances[userID]
	if !ok {
		return 0, WrapError("store", "user", "lookup", ErrUserNotFound)
	}
	return balance, nil
}

func (store *stubStore) LockBalance(ctx context.Context, userID UserID) (Mileage, error) {
	return store.GetBalance(ctx, userID)
}

func (store *stubStore) CompareAndSwapBalance(ctx context.Context, userID UserID, expected Mileage, next Mileage, updatedAt time.Time) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.casCalls++
	if store.conflicts > 0 {
		store.conflicts--
		return WrapError("store", "balance", "conflict", ErrBalanceConflict)
	}
	current, ok := store.balances[userID]
	if !ok {
		return WrapError("store", "user", "lookup", ErrUserNotFound)
	}
	if current != expected {
		return WrapError("store", "balance", "conflict", ErrBalanceConflict)
	}
	store.balances[userID] = next
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) error {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if store.insertErr != nil {
		return store.insertErr
	}
	store.nextSequence++
	var resource *ResourceRef
	if ref, ok := input.Resource(); ok {
		resource = &ref
	}
	transaction, err := NewTransaction(
		input.TransactionID(),
		input.UserID(),
		input.Type(),
		input.Amount(),
		input.Description(),
		resource,
		input.CreatedAt(),
		store.nextSequence,
	)
	if err != nil {
		return err
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) AuditBalance(ctx context.Context, userID UserID) (BalanceAudit, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if store.auditErr != nil {
		return BalanceAudit{}, store.auditErr
	}
	balance, ok := store.balances[userID]
	if !ok {
		return BalanceAudit{}, WrapError("store", "user", "lookup", ErrUserNotFound)
	}
	audit := BalanceAudit{Stored: balance}
	for _, transaction := range store.transactions {
		if transaction.UserID() != userID {
			continue
		}
		switch transaction.Type() {
		case TransactionEarn:
			audit.Earned += transaction.Amount().ToMileage()
		case TransactionSpend:
			audit.Spent += transaction.Amount().ToMileage()
		}
	}
	return audit, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	if store.listErr != nil {
		return nil, store.listErr
	}
	var owned []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID() == userID {
			owned = append(owned, transaction)
		}
	}
	sort.Slice(owned, func(left, right int) bool {
		if !owned[left].CreatedAt().Equal(owned[right].CreatedAt()) {
			return owned[left].CreatedAt().After(owned[right].CreatedAt())
		}
		return owned[left].Sequence() > owned[right].Sequence()
	})
	if len(owned) > limit {
		owned = owned[:limit]
	}
	return owned, nil
}

// corruptBalance overwrites a balance without a transaction row.
func (store *stubStore) corruptBalance(userID UserID, balance Mileage) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.balances[userID] = balance
}

func (store *stubStore) transactionCount() int {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	return len(store.transactions)
}

func (store *stubStore) snapshot() stubSnapshot {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	balances := make(map[UserID]Mileage, len(store.balances))
	for userID, balance := range store.balances {
		balances[userID] = balance
	}
	return stubSnapshot{
		balances:     balances,
		transactions: append([]Transaction(nil), store.transactions...),
		nextSequence: store.nextSequence,
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.dataMutex.Lock()
	defer store.dataMutex.Unlock()
	store.balances = snapshot.balances
	store.transactions = snapshot.transactions
	store.nextSequence = snapshot.nextSequence
}

type stubDirectory struct {
	userIDs []UserID
	err     error
	calls   int
}

func (directory *stubDirectory) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error) {
	directory.calls++
	if directory.err != nil {
		return nil, directory.err
	}
	page := make([]UserID, 0, limit)
	for _, userID := range directory.userIDs {
		if userID.String() <= afterUserID {
			continue
		}
		page = append(page, userID)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func fixedClock() time.Time {
	return time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustPositiveMileage(test *testing.T, raw int64) PositiveMileage {
	test.Helper()
	value, err := NewPositiveMileage(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustDescription(test *testing.T, raw string) Description {
	test.Helper()
	value, err := NewDescription(raw)
	if err != nil {
		test.Fatalf("description: %v", err)
	}
	return value
}

func mustResourceRef(test *testing.T, id string, title string) *ResourceRef {
	test.Helper()
	value, err := NewResourceRef(id, title)
	if err != nil {
		test.Fatalf("resource ref: %v", err)
	}
	return &value
}

func mustBalance(test *testing.T, service *Service, userID UserID) Mileage {
	test.Helper()
	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}
