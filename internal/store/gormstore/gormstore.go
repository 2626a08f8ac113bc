package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectCache       = "cache"
	errorSubjectTransaction = "transaction"
	errorSubjectUser        = "user"
	errorCodeAudit          = "snapshot_unreadable"
	errorCodeConflict       = "stale_balance"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "transaction_id_taken"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "corrupt_row"
	errorCodeList           = "list"
	errorCodeLock           = "row_lock"
	errorCodeLookup         = "no_such_user"
	errorCodePing           = "ping"
	errorCodeSet            = "set"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"

	auditBalanceSQL = `SELECT u.mileage AS stored,
	COALESCE((SELECT SUM(t.amount) FROM mileage_transactions t WHERE t.user_id = u.id AND t.type = 'earn'), 0) AS earned,
	COALESCE((SELECT SUM(t.amount) FROM mileage_transactions t WHERE t.user_id = u.id AND t.type = 'spend'), 0) AS spent
FROM users u
WHERE u.id = ?`
)

// Store implements mileage.Store and mileage.UserDirectory using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore mileage.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// Ping verifies the database connection.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodePing, mileage.StoreUnavailable(err))
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectUser, errorCodePing, mileage.StoreUnavailable(err))
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID mileage.UserID) (mileage.Mileage, error) {
	return store.readBalance(store.db.WithContext(ctx), userID, errorCodeGet)
}

// LockBalance takes a row lock on databases that support it; SQLite serializes writers instead.
func (store *Store) LockBalance(ctx context.Context, userID mileage.UserID) (mileage.Mileage, error) {
	return store.readBalance(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, errorCodeLock)
}

func (store *Store) readBalance(query *gorm.DB, userID mileage.UserID, code string) (mileage.Mileage, error) {
	var user User
	err := query.Select("id", "mileage").Where("id = ?", userID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectUser, errorCodeLookup, mileage.ErrUserNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, code, mileage.StoreUnavailable(err))
	}
	balance, err := mileage.NewBalance(user.Mileage)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) CompareAndSwapBalance(ctx context.Context, userID mileage.UserID, expected mileage.Mileage, next mileage.Mileage, updatedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND mileage = ?", userID.String(), expected.Int64()).
		Updates(map[string]any{
			"mileage":    next.Int64(),
			"updated_at": updatedAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, mileage.StoreUnavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeConflict, mileage.ErrBalanceConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input mileage.TransactionInput) error {
	row := MileageTransaction{
		TransactionID: input.TransactionID().String(),
		UserID:        input.UserID().String(),
		Type:          input.Type().String(),
		Amount:        input.Amount().Int64(),
		Description:   input.Description().String(),
		CreatedAt:     input.CreatedAt(),
	}
	if resource, ok := input.Resource(); ok {
		resourceID := resource.ID()
		row.ResourceID = &resourceID
		if title := resource.Title(); title != "" {
			row.ResourceTitle = &title
		}
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, mileage.ErrBalanceConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, mileage.StoreUnavailable(err))
	}
	return nil
}

func (store *Store) AuditBalance(ctx context.Context, userID mileage.UserID) (mileage.BalanceAudit, error) {
	var row auditRow
	result := store.db.WithContext(ctx).Raw(auditBalanceSQL, userID.String()).Scan(&row)
	if result.Error != nil {
		return mileage.BalanceAudit{}, wrapStoreError(errorSubjectBalance, errorCodeAudit, mileage.StoreUnavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return mileage.BalanceAudit{}, wrapStoreError(errorSubjectUser, errorCodeLookup, mileage.ErrUserNotFound)
	}
	return mileage.BalanceAudit{
		Stored: mileage.Mileage(row.Stored),
		Earned: mileage.Mileage(row.Earned),
		Spent:  mileage.Mileage(row.Spent),
	}, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID mileage.UserID, limit int) ([]mileage.Transaction, error) {
	var rows []MileageTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("sequence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, mileage.StoreUnavailable(err))
	}
	transactions := make([]mileage.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapMileageTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// ListUserIDs pages through user ids in ascending order.
func (store *Store) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]mileage.UserID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id > ?", afterUserID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, mileage.StoreUnavailable(err))
	}
	userIDs := make([]mileage.UserID, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		userID, err := mileage.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return mileage.WrapError(errorOperationStore, subject, code, err)
}

type auditRow struct {
	Stored int64
	Earned int64
	Spent  int64
}

func mapMileageTransaction(row MileageTransaction) (mileage.Transaction, error) {
	transactionID, err := mileage.NewTransactionID(row.TransactionID)
	if err != nil {
		return mileage.Transaction{}, err
	}
	userID, err := mileage.NewUserID(row.UserID)
	if err != nil {
		return mileage.Transaction{}, err
	}
	transactionType, err := mileage.ParseTransactionType(row.Type)
	if err != nil {
		return mileage.Transaction{}, err
	}
	amount, err := mileage.NewPositiveMileage(row.Amount)
	if err != nil {
		return mileage.Transaction{}, err
	}
	description, err := mileage.NewDescription(row.Description)
	if err != nil {
		return mileage.Transaction{}, err
	}
	var resource *mileage.ResourceRef
	if row.ResourceID != nil {
		ref, err := mileage.NewResourceRef(*row.ResourceID, stringOrEmpty(row.ResourceTitle))
		if err != nil {
			return mileage.Transaction{}, err
		}
		resource = &ref
	}
	return mileage.NewTransaction(transactionID, userID, transactionType, amount, description, resource, row.CreatedAt, row.Sequence)
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
