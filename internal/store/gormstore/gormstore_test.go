package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	// Every :memory: connection is a separate database.
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedUser(test *testing.T, db *gorm.DB, githubID int64) mileage.UserID {
	test.Helper()
	userStore := NewUserStore(db)
	user, err := userStore.UpsertGitHubUser(context.Background(), users.UpsertInput{
		Profile:        users.GitHubProfile{ID: githubID, Login: fmt.Sprintf("user-%d", githubID)},
		InitialMileage: mileage.InitialGrant,
		Role:           users.RoleUser,
		PromoteOnly:    true,
		Now:            time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		test.Fatalf("seed user: %v", err)
	}
	userID, err := mileage.NewUserID(user.ID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func newTestService(test *testing.T, store *Store) *mileage.Service {
	test.Helper()
	service, err := mileage.NewService(store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func mustPositive(test *testing.T, raw int64) mileage.PositiveMileage {
	test.Helper()
	amount, err := mileage.NewPositiveMileage(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustDescription(test *testing.T, raw string) mileage.Description {
	test.Helper()
	description, err := mileage.NewDescription(raw)
	if err != nil {
		test.Fatalf("description: %v", err)
	}
	return description
}

func TestLedgerFlowAgainstSQLite(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := New(db)
	service := newTestService(test, store)
	userID := seedUser(test, db, 1)
	ctx := context.Background()
	resource, err := mileage.NewResourceRef("notion-page-1", "Particles cheat sheet")
	if err != nil {
		test.Fatalf("resource: %v", err)
	}

	if err := service.AddMileage(ctx, userID, mustPositive(test, 50), mustDescription(test, "Resource upload reward"), &resource); err != nil {
		test.Fatalf("add: %v", err)
	}
	if err := service.DeductMileage(ctx, userID, mustPositive(test, 30), mustDescription(test, "Resource download"), &resource); err != nil {
		test.Fatalf("deduct: %v", err)
	}
	balance, err := service.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 120 {
		test.Fatalf("expected balance 120, got %d", balance)
	}
	transactions, err := service.GetTransactions(ctx, userID, 50)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].Type() != mileage.TransactionSpend || transactions[1].Type() != mileage.TransactionEarn {
		test.Fatalf("expected newest first, got %s then %s", transactions[0].Type(), transactions[1].Type())
	}
	ref, ok := transactions[0].Resource()
	if !ok || ref.ID() != "notion-page-1" || ref.Title() != "Particles cheat sheet" {
		test.Fatalf("unexpected resource: %+v", ref)
	}
	audit, err := store.AuditBalance(ctx, userID)
	if err != nil {
		test.Fatalf("audit: %v", err)
	}
	if !audit.Consistent() || audit.Earned != 50 || audit.Spent != 30 {
		test.Fatalf("unexpected audit: %+v", audit)
	}
}

func TestTransactionsWithEqualTimestampsOrderBySequence(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := New(db)
	frozen := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	service, err := mileage.NewService(store, func() time.Time { return frozen })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	userID := seedUser(test, db, 7)
	ctx := context.Background()

	for _, description := range []string{"first", "second", "third"} {
		if err := service.AddMileage(ctx, userID, mustPositive(test, 1), mustDescription(test, description), nil); err != nil {
			test.Fatalf("add %s: %v", description, err)
		}
	}
	transactions, err := service.GetTransactions(ctx, userID, 10)
	if err != nil {
		test.Fatalf("transactions: %v", err)
	}
	if len(transactions) != 3 {
		test.Fatalf("expected 3 transactions, got %d", len(transactions))
	}
	for index, expected := range []string{"third", "second", "first"} {
		if got := transactions[index].Description().String(); got != expected {
			test.Fatalf("position %d: expected %q, got %q", index, expected, got)
		}
		if !transactions[index].CreatedAt().Equal(frozen) {
			test.Fatalf("position %d: expected frozen timestamp, got %s", index, transactions[index].CreatedAt())
		}
		if index > 0 && transactions[index].Sequence() >= transactions[index-1].Sequence() {
			test.Fatalf("expected descending sequence, got %d after %d", transactions[index].Sequence(), transactions[index-1].Sequence())
		}
	}
}

func TestInsufficientMileageLeavesRowsUntouched(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := New(db)
	service := newTestService(test, store)
	userID := seedUser(test, db, 2)
	ctx := context.Background()

	err := service.DeductMileage(ctx, userID, mustPositive(test, 101), mustDescription(test, "Resource download"), nil)
	var insufficient *mileage.InsufficientMileageError
	if !errors.As(err, &insufficient) || insufficient.Current != 100 || insufficient.Required != 101 {
		test.Fatalf("expected insufficient mileage, got %v", err)
	}
	var count int64
	if err := db.Model(&MileageTransaction{}).Count(&count).Error; err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 0 {
		test.Fatalf("expected no transaction rows, got %d", count)
	}
}

func TestConcurrentDebitsAgainstSQLite(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := New(db)
	service := newTestService(test, store)
	userID := seedUser(test, db, 3)
	const debitCount = 5

	var waitGroup sync.WaitGroup
	results := make(chan error, debitCount)
	for index := 0; index < debitCount; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			amount, _ := mileage.NewPositiveMileage(30)
			description, _ := mileage.NewDescription("Resource download")
			results <- service.DeductMileage(context.Background(), userID, amount, description, nil)
		}()
	}
	waitGroup.Wait()
	close(results)

	succeeded := 0
	for result := range results {
		if result == nil {
			succeeded++
			continue
		}
		if !errors.Is(result, mileage.ErrInsufficientMileage) {
			test.Fatalf("unexpected error: %v", result)
		}
	}
	if succeeded != 3 {
		test.Fatalf("expected 3 successful debits, got %d", succeeded)
	}
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		test.Fatalf("expected balance 10, got %d", balance)
	}
}

func TestCompareAndSwapDetectsStaleBalance(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := New(db)
	userID := seedUser(test, db, 4)

	err := store.CompareAndSwapBalance(context.Background(), userID, 99, 50, time.Now())
	if !errors.Is(err, mileage.ErrBalanceConflict) {
		test.Fatalf("expected ErrBalanceConflict, got %v", err)
	}
	if err := store.CompareAndSwapBalance(context.Background(), userID, 100, 50, time.Now()); err != nil {
		test.Fatalf("expected swap to succeed, got %v", err)
	}
}

func TestUnknownUserLookups(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := New(db)
	userID, err := mileage.NewUserID("missing")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := store.GetBalance(context.Background(), userID); !errors.Is(err, mileage.ErrUserNotFound) {
		test.Fatalf("balance: expected ErrUserNotFound, got %v", err)
	}
	if _, err := store.AuditBalance(context.Background(), userID); !errors.Is(err, mileage.ErrUserNotFound) {
		test.Fatalf("audit: expected ErrUserNotFound, got %v", err)
	}
	transactions, err := store.ListTransactions(context.Background(), userID, 10)
	if err != nil || len(transactions) != 0 {
		test.Fatalf("expected empty history, got %v %v", transactions, err)
	}
}

func TestAuditAllFindsCorruptedBalance(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	store := New(db)
	service := newTestService(test, store)
	healthy := seedUser(test, db, 5)
	corrupted := seedUser(test, db, 6)
	if err := db.Model(&User{}).Where("id = ?", corrupted.String()).Update("mileage", 999).Error; err != nil {
		test.Fatalf("corrupt: %v", err)
	}

	report, err := service.AuditAll(context.Background(), store, 1)
	if err != nil {
		test.Fatalf("audit all: %v", err)
	}
	if report.Checked != 2 || len(report.Inconsistent) != 1 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if report.Inconsistent[0].UserID != corrupted || report.Inconsistent[0].UserID == healthy {
		test.Fatalf("expected corrupted user flagged, got %+v", report.Inconsistent[0])
	}
}

func TestUpsertGitHubUserPreservesBalance(test *testing.T) {
	test.Parallel()
	db := newTestDB(test)
	userStore := NewUserStore(db)
	service := newTestService(test, New(db))
	userID := seedUser(test, db, 7)
	ctx := context.Background()
	if err := service.DeductMileage(ctx, userID, mustPositive(test, 40), mustDescription(test, "Resource download"), nil); err != nil {
		test.Fatalf("deduct: %v", err)
	}

	email := "renamed@example.com"
	user, err := userStore.UpsertGitHubUser(ctx, users.UpsertInput{
		Profile:        users.GitHubProfile{ID: 7, Login: "renamed", Email: &email},
		InitialMileage: mileage.InitialGrant,
		Role:           users.RoleAdmin,
		PromoteOnly:    true,
		Now:            time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		test.Fatalf("upsert: %v", err)
	}
	if user.ID != userID.String() || user.Username != "renamed" || user.Mileage != 60 || user.Role != users.RoleAdmin {
		test.Fatalf("unexpected user after relogin: %+v", user)
	}

	demoted, err := userStore.UpsertGitHubUser(ctx, users.UpsertInput{
		Profile:        users.GitHubProfile{ID: 7, Login: "renamed"},
		InitialMileage: mileage.InitialGrant,
		Role:           users.RoleUser,
		PromoteOnly:    true,
		Now:            time.Date(2024, time.June, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		test.Fatalf("upsert: %v", err)
	}
	if demoted.Role != users.RoleAdmin {
		test.Fatalf("expected promote-only upsert to keep admin role, got %s", demoted.Role)
	}

	fetched, err := userStore.GetUser(ctx, userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if fetched.Email != nil {
		test.Fatalf("expected cleared email, got %v", *fetched.Email)
	}
}
