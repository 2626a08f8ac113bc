package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectUser        = "user"
	errorCodeAudit          = "snapshot_unreadable"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeConflict       = "stale_balance"
	errorCodeDuplicate      = "transaction_id_taken"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "corrupt_row"
	errorCodeList           = "list"
	errorCodeLock           = "row_lock"
	errorCodeLookup         = "no_such_user"
	errorCodePing           = "ping"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"

	sqlPing = `select 1`

	sqlSelectBalance = `
		select mileage from users where id = $1
	`

	sqlSelectBalanceForUpdate = `
		select mileage from users where id = $1
		for update
	`

	sqlCompareAndSwapBalance = `
		update users
		set mileage = $3, updated_at = $4
		where id = $1 and mileage = $2
	`

	sqlInsertTransaction = `
		insert into mileage_transactions(
			transaction_id, user_id, type, amount, description, resource_id, resource_title, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlAuditBalance = `
		select
			u.mileage,
			coalesce((select sum(t.amount) from mileage_transactions t where t.user_id = u.id and t.type = 'earn'), 0),
			coalesce((select sum(t.amount) from mileage_transactions t where t.user_id = u.id and t.type = 'spend'), 0)
		from users u
		where u.id = $1
	`

	sqlListTransactions = `
		select sequence, transaction_id, user_id, type, amount, description, resource_id, resource_title, created_at
		from mileage_transactions
		where user_id = $1
		order by created_at desc, sequence desc
		limit $2
	`

	sqlListUserIDs = `
		select id from users
		where id > $1
		order by id asc
		limit $2
	`

	sqlUpsertGitHubUser = `
		insert into users(id, github_id, username, email, avatar_url, role, mileage, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, $8, $8)
		on conflict (github_id) do update set
			username = excluded.username,
			email = excluded.email,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at,
			role = case when $9::boolean and excluded.role <> 'admin' then users.role else excluded.role end
		returning id, github_id, username, email, avatar_url, role, mileage, created_at, updated_at
	`

	sqlSelectUser = `
		select id, github_id, username, email, avatar_url, role, mileage, created_at, updated_at
		from users
		where id = $1
	`
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements mileage.Store, mileage.UserDirectory and users.Store using pgx.
// A Store returned to a WithTx callback is bound to that transaction.
type Store struct {
	db    queryer
	begin beginner
}

// New returns a Store backed by a pgx pool (autocommit).
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, begin: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore mileage.Store) error) error {
	if store.begin == nil {
		return fn(ctx, store)
	}
	tx, err := store.begin.Begin(ctx)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, mileage.StoreUnavailable(err))
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, mileage.StoreUnavailable(err))
	}
	return nil
}

// Ping verifies the database connection.
func (store *Store) Ping(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlPing); err != nil {
		return wrapStoreError(errorSubjectUser, errorCodePing, mileage.StoreUnavailable(err))
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID mileage.UserID) (mileage.Mileage, error) {
	return store.readBalance(ctx, sqlSelectBalance, userID, errorCodeGet)
}

func (store *Store) LockBalance(ctx context.Context, userID mileage.UserID) (mileage.Mileage, error) {
	return store.readBalance(ctx, sqlSelectBalanceForUpdate, userID, errorCodeLock)
}

func (store *Store) readBalance(ctx context.Context, query string, userID mileage.UserID, code string) (mileage.Mileage, error) {
	var raw int64
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectUser, errorCodeLookup, mileage.ErrUserNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, code, mileage.StoreUnavailable(err))
	}
	balance, err := mileage.NewBalance(raw)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) CompareAndSwapBalance(ctx context.Context, userID mileage.UserID, expected mileage.Mileage, next mileage.Mileage, updatedAt time.Time) error {
	tag, err := store.db.Exec(ctx, sqlCompareAndSwapBalance, userID.String(), expected.Int64(), next.Int64(), updatedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, mileage.StoreUnavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeConflict, mileage.ErrBalanceConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input mileage.TransactionInput) error {
	var resourceID, resourceTitle *string
	if resource, ok := input.Resource(); ok {
		id := resource.ID()
		resourceID = &id
		if title := resource.Title(); title != "" {
			resourceTitle = &title
		}
	}
	createdAt := input.CreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		input.TransactionID().String(),
		input.UserID().String(),
		input.Type().String(),
		input.Amount().Int64(),
		input.Description().String(),
		resourceID,
		resourceTitle,
		createdAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, mileage.ErrBalanceConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, mileage.StoreUnavailable(err))
	}
	return nil
}

func (store *Store) AuditBalance(ctx context.Context, userID mileage.UserID) (mileage.BalanceAudit, error) {
	var stored, earned, spent int64
	err := store.db.QueryRow(ctx, sqlAuditBalance, userID.String()).Scan(&stored, &earned, &spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return mileage.BalanceAudit{}, wrapStoreError(errorSubjectUser, errorCodeLookup, mileage.ErrUserNotFound)
	}
	if err != nil {
		return mileage.BalanceAudit{}, wrapStoreError(errorSubjectBalance, errorCodeAudit, mileage.StoreUnavailable(err))
	}
	return mileage.BalanceAudit{
		Stored: mileage.Mileage(stored),
		Earned: mileage.Mileage(earned),
		Spent:  mileage.Mileage(spent),
	}, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID mileage.UserID, limit int) ([]mileage.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, mileage.StoreUnavailable(err))
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func (store *Store) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]mileage.UserID, error) {
	rows, err := store.db.Query(ctx, sqlListUserIDs, afterUserID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, mileage.StoreUnavailable(err))
	}
	defer rows.Close()
	var userIDs []mileage.UserID
	for rows.Next() {
		var rawID string
		if err := rows.Scan(&rawID); err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeList, mileage.StoreUnavailable(err))
		}
		userID, err := mileage.NewUserID(rawID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, mileage.StoreUnavailable(err))
	}
	return userIDs, nil
}

// UpsertGitHubUser inserts or refreshes a user in one statement; mileage is only set on insert.
func (store *Store) UpsertGitHubUser(ctx context.Context, input users.UpsertInput) (users.User, error) {
	row := store.db.QueryRow(ctx, sqlUpsertGitHubUser,
		uuid.NewString(),
		input.Profile.ID,
		input.Profile.Login,
		input.Profile.Email,
		input.Profile.AvatarURL,
		input.Role.String(),
		input.InitialMileage.Int64(),
		input.Now.UTC(),
		input.PromoteOnly,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, mileage.ErrInvalidBalance) || errors.Is(err, users.ErrInvalidRole) {
			return users.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeUpsert, mileage.StoreUnavailable(err))
	}
	return user, nil
}

func (store *Store) GetUser(ctx context.Context, userID mileage.UserID) (users.User, error) {
	user, err := scanUser(store.db.QueryRow(ctx, sqlSelectUser, userID.String()))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, mileage.ErrUserNotFound)
	case errors.Is(err, mileage.ErrInvalidBalance), errors.Is(err, users.ErrInvalidRole):
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	case err != nil:
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, mileage.StoreUnavailable(err))
	}
	return user, nil
}

func scanUser(row pgx.Row) (users.User, error) {
	var (
		user    users.User
		role    string
		balance int64
	)
	if err := row.Scan(
		&user.ID,
		&user.GitHubID,
		&user.Username,
		&user.Email,
		&user.AvatarURL,
		&role,
		&balance,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return users.User{}, err
	}
	parsedRole, err := users.ParseRole(role)
	if err != nil {
		return users.User{}, err
	}
	parsedBalance, err := mileage.NewBalance(balance)
	if err != nil {
		return users.User{}, err
	}
	user.Role = parsedRole
	user.Mileage = parsedBalance
	return user, nil
}

func scanTransactions(rows pgx.Rows) ([]mileage.Transaction, error) {
	var transactions []mileage.Transaction
	for rows.Next() {
		var (
			sequence      int64
			transactionID string
			userID        string
			kind          string
			amount        int64
			description   string
			resourceID    *string
			resourceTitle *string
			createdAt     time.Time
		)
		if err := rows.Scan(&sequence, &transactionID, &userID, &kind, &amount, &description, &resourceID, &resourceTitle, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, mileage.StoreUnavailable(err))
		}
		transaction, err := buildTransaction(sequence, transactionID, userID, kind, amount, description, resourceID, resourceTitle, createdAt)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, mileage.StoreUnavailable(err))
	}
	return transactions, nil
}

func buildTransaction(sequence int64, rawTransactionID, rawUserID, kind string, rawAmount int64, rawDescription string, resourceID, resourceTitle *string, createdAt time.Time) (mileage.Transaction, error) {
	transactionID, err := mileage.NewTransactionID(rawTransactionID)
	if err != nil {
		return mileage.Transaction{}, err
	}
	userID, err := mileage.NewUserID(rawUserID)
	if err != nil {
		return mileage.Transaction{}, err
	}
	transactionType, err := mileage.ParseTransactionType(kind)
	if err != nil {
		return mileage.Transaction{}, err
	}
	amount, err := mileage.NewPositiveMileage(rawAmount)
	if err != nil {
		return mileage.Transaction{}, err
	}
	description, err := mileage.NewDescription(rawDescription)
	if err != nil {
		return mileage.Transaction{}, err
	}
	var resource *mileage.ResourceRef
	if resourceID != nil {
		title := ""
		if resourceTitle != nil {
			title = *resourceTitle
		}
		ref, err := mileage.NewResourceRef(*resourceID, title)
		if err != nil {
			return mileage.Transaction{}, err
		}
		resource = &ref
	}
	return mileage.NewTransaction(transactionID, userID, transactionType, amount, description, resource, createdAt, sequence)
}

func wrapStoreError(subject string, code string, err error) error {
	return mileage.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
