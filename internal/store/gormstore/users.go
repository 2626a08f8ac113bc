package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserStore implements users.Store using GORM.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore returns a UserStore backed by gorm.DB.
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// UpsertGitHubUser creates a user keyed by GitHub id, or refreshes its profile fields.
// A concurrent first login that loses the insert race re-reads the winner's row.
func (store *UserStore) UpsertGitHubUser(ctx context.Context, input users.UpsertInput) (users.User, error) {
	model, err := store.upsertOnce(ctx, input)
	if isUniqueViolation(err) {
		model, err = store.upsertOnce(ctx, input)
	}
	if err != nil {
		return users.User{}, err
	}
	return mapUser(model)
}

func (store *UserStore) upsertOnce(ctx context.Context, input users.UpsertInput) (User, error) {
	var model User
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		lookupErr := transaction.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("github_id = ?", input.Profile.ID).
			Take(&model).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			model = User{
				GitHubID:  input.Profile.ID,
				Username:  input.Profile.Login,
				Email:     input.Profile.Email,
				AvatarURL: input.Profile.AvatarURL,
				Role:      input.Role.String(),
				Mileage:   input.InitialMileage.Int64(),
				CreatedAt: input.Now,
				UpdatedAt: input.Now,
			}
			return transaction.Create(&model).Error
		}
		if lookupErr != nil {
			return lookupErr
		}
		updates := map[string]any{
			"username":   input.Profile.Login,
			"email":      input.Profile.Email,
			"avatar_url": input.Profile.AvatarURL,
			"updated_at": input.Now,
		}
		if !input.PromoteOnly || input.Role == users.RoleAdmin {
			updates["role"] = input.Role.String()
		}
		if err := transaction.Model(&User{}).Where("id = ?", model.ID).Updates(updates).Error; err != nil {
			return err
		}
		model.Username = input.Profile.Login
		model.Email = input.Profile.Email
		model.AvatarURL = input.Profile.AvatarURL
		model.UpdatedAt = input.Now
		if role, ok := updates["role"].(string); ok {
			model.Role = role
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, err
		}
		return User{}, wrapStoreError(errorSubjectUser, errorCodeUpsert, mileage.StoreUnavailable(err))
	}
	return model, nil
}

func (store *UserStore) GetUser(ctx context.Context, userID mileage.UserID) (users.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where("id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeLookup, mileage.ErrUserNotFound)
	}
	if err != nil {
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, mileage.StoreUnavailable(err))
	}
	return mapUser(model)
}

func mapUser(model User) (users.User, error) {
	role, err := users.ParseRole(model.Role)
	if err != nil {
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	balance, err := mileage.NewBalance(model.Mileage)
	if err != nil {
		return users.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return users.User{
		ID:        model.ID,
		GitHubID:  model.GitHubID,
		Username:  model.Username,
		Email:     model.Email,
		AvatarURL: model.AvatarURL,
		Role:      role,
		Mileage:   balance,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}, nil
}
