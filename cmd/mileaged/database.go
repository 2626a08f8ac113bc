package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/mileage/internal/cache"
	"github.com/MarkoPoloResearchLab/mileage/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/mileage/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	sqliteScheme      = "sqlite://"
	sqliteMemory      = ":memory:"
	defaultSQLiteFile = "mileage.db"
)

// ledgerStore is what both store backends provide to the services.
type ledgerStore interface {
	mileage.Store
	mileage.UserDirectory
	users.Store
	Ping(ctx context.Context) error
}

type gormLedgerStore struct {
	*gormstore.Store
	*gormstore.UserStore
}

// backend bundles the persistence layer selected by configuration.
type backend struct {
	ledger ledgerStore
	cache  cache.Store
	close  func()
}

func openBackend(ctx context.Context, cfg databaseConfig) (*backend, error) {
	gormDB, closeGorm, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if cfg.AutoMigrate {
		if err := prepareSchema(gormDB, driver); err != nil {
			closeGorm()
			return nil, err
		}
	}
	opened := &backend{
		ledger: gormLedgerStore{Store: gormstore.New(gormDB), UserStore: gormstore.NewUserStore(gormDB)},
		cache:  gormstore.NewCacheStore(gormDB),
		close:  closeGorm,
	}
	if cfg.Store != storePgx {
		return opened, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		closeGorm()
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	opened.ledger = pgstore.New(pool)
	opened.close = func() {
		pool.Close()
		closeGorm()
	}
	return opened, nil
}

// databaseTarget is what --database-url resolves to: a dialect and its gorm source.
type databaseTarget struct {
	driver string
	source string
}

func openDatabase(ctx context.Context, databaseURL string) (*gorm.DB, func(), string, error) {
	target, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, nil, "", err
	}

	var dialector gorm.Dialector
	switch target.driver {
	case driverPostgres:
		dialector = postgres.Open(target.source)
	default:
		dialector = sqlite.Open(target.source)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	// One writer keeps sqlite from reporting SQLITE_BUSY under concurrent mutations.
	if target.driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	return db.WithContext(ctx), func() { _ = sqlDB.Close() }, target.driver, nil
}

func isPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

// parseDatabaseURL accepts postgres URLs, sqlite:// URLs and bare sqlite file paths.
// The parent directory of a sqlite file is created when missing.
func parseDatabaseURL(databaseURL string) (databaseTarget, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if isPostgresURL(databaseURL) {
		return databaseTarget{driver: driverPostgres, source: databaseURL}, nil
	}
	path := strings.TrimPrefix(databaseURL, sqliteScheme)
	if path == "" || path == "/" {
		path = defaultSQLiteFile
	}
	if path == sqliteMemory {
		return databaseTarget{driver: driverSQLite, source: path}, nil
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return databaseTarget{}, fmt.Errorf("sqlite directory for %s: %w", path, err)
	}
	return databaseTarget{driver: driverSQLite, source: path}, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate %s: %w", driver, err)
	}
	return nil
}
