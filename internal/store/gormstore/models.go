package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User mirrors the users table. Mileage is the authoritative balance.
type User struct {
	ID           string               `gorm:"primaryKey"`
	GitHubID     int64                `gorm:"column:github_id;not null;uniqueIndex:idx_users_github_id"`
	Username     string               `gorm:"not null"`
	Email        *string              `gorm:""`
	AvatarURL    string               `gorm:"not null;default:''"`
	Role         string               `gorm:"not null;default:'user'"`
	Mileage      int64                `gorm:"not null;check:chk_users_mileage_non_negative,mileage >= 0"`
	CreatedAt    time.Time            `gorm:"not null"`
	UpdatedAt    time.Time            `gorm:"not null"`
	Transactions []MileageTransaction `gorm:"foreignKey:UserID;references:ID"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	return nil
}

// MileageTransaction mirrors the append-only mileage_transactions table.
type MileageTransaction struct {
	Sequence      int64     `gorm:"primaryKey;autoIncrement"`
	TransactionID string    `gorm:"not null;uniqueIndex:idx_mileage_transactions_transaction_id"`
	UserID        string    `gorm:"not null;index:idx_mileage_transactions_user_created,priority:1"`
	Type          string    `gorm:"not null"`
	Amount        int64     `gorm:"not null;check:chk_mileage_transactions_amount_positive,amount > 0"`
	Description   string    `gorm:"not null"`
	ResourceID    *string   `gorm:""`
	ResourceTitle *string   `gorm:""`
	CreatedAt     time.Time `gorm:"not null;index:idx_mileage_transactions_user_created,priority:2"`
}

func (MileageTransaction) TableName() string { return "mileage_transactions" }

func (transaction *MileageTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CacheEntry mirrors the cache_entries table used as a shared TTL cache.
type CacheEntry struct {
	CacheKey  string         `gorm:"primaryKey"`
	Value     datatypes.JSON `gorm:"not null"`
	Counter   int64          `gorm:"not null;default:0"`
	ExpiresAt time.Time      `gorm:"not null;index:idx_cache_entries_expires_at"`
}

func (CacheEntry) TableName() string { return "cache_entries" }

// Models lists every table for schema preparation.
func Models() []any {
	return []any{&User{}, &MileageTransaction{}, &CacheEntry{}}
}
