package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/cache"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	likeEscape       = `\`
	emptyCounterJSON = "null"
)

// CacheStore implements cache.Store on the cache_entries table.
type CacheStore struct {
	db *gorm.DB
}

// NewCacheStore returns a CacheStore backed by gorm.DB.
func NewCacheStore(db *gorm.DB) *CacheStore {
	return &CacheStore{db: db}
}

func (store *CacheStore) Get(ctx context.Context, key string, now time.Time) ([]byte, error) {
	var entry CacheEntry
	err := store.db.WithContext(ctx).
		Where("cache_key = ? AND expires_at > ?", key, now.UTC()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, cache.ErrCacheMiss
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectCache, errorCodeGet, mileage.StoreUnavailable(err))
	}
	return []byte(entry.Value), nil
}

func (store *CacheStore) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	entry := CacheEntry{CacheKey: key, Value: datatypes.JSON(value), ExpiresAt: expiresAt.UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "counter", "expires_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeSet, mileage.StoreUnavailable(err))
	}
	return nil
}

func (store *CacheStore) Delete(ctx context.Context, key string) error {
	err := store.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&CacheEntry{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCache, errorCodeDelete, mileage.StoreUnavailable(err))
	}
	return nil
}

func (store *CacheStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("cache_key LIKE ? ESCAPE ?", escapeLike(prefix)+"%", likeEscape).
		Delete(&CacheEntry{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectCache, errorCodeDelete, mileage.StoreUnavailable(result.Error))
	}
	return result.RowsAffected, nil
}

// Increment counts inside a transaction. Two first hits racing on a fresh window may both observe a count of one.
func (store *CacheStore) Increment(ctx context.Context, key string, now time.Time, expiresAt time.Time) (cache.Counter, error) {
	var entry CacheEntry
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		lookupErr := transaction.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("cache_key = ?", key).
			Take(&entry).Error
		if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) || !entry.ExpiresAt.After(now.UTC()) {
			entry = CacheEntry{
				CacheKey:  key,
				Value:     datatypes.JSON(emptyCounterJSON),
				Counter:   1,
				ExpiresAt: expiresAt.UTC(),
			}
			return transaction.
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "cache_key"}},
					DoUpdates: clause.AssignmentColumns([]string{"value", "counter", "expires_at"}),
				}).
				Create(&entry).Error
		}
		entry.Counter++
		return transaction.
			Model(&CacheEntry{}).
			Where("cache_key = ?", key).
			UpdateColumn("counter", gorm.Expr("counter + ?", 1)).Error
	})
	if err != nil {
		return cache.Counter{}, wrapStoreError(errorSubjectCache, errorCodeIncrement, mileage.StoreUnavailable(err))
	}
	return cache.Counter{Count: entry.Counter, ExpiresAt: entry.ExpiresAt}, nil
}

func (store *CacheStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&CacheEntry{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectCache, errorCodeDelete, mileage.StoreUnavailable(result.Error))
	}
	return result.RowsAffected, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return replacer.Replace(value)
}
