package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
)

// Role controls access to moderation endpoints.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	// ErrUserNotFound aliases the ledger error so transports map both the same way.
	ErrUserNotFound         = mileage.ErrUserNotFound
	ErrInvalidProfile       = errors.New("invalid github profile")
	ErrInvalidRole          = errors.New("invalid role")
	ErrInvalidServiceConfig = errors.New("invalid users service config")
)

// ParseRole validates a stored role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(raw)) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// String returns the stored representation.
func (role Role) String() string {
	return string(role)
}

// User is a platform account created from a GitHub identity.
type User struct {
	ID        string
	GitHubID  int64
	Username  string
	Email     *string
	AvatarURL string
	Role      Role
	Mileage   mileage.Mileage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAdmin reports whether the user may moderate resources.
func (user User) IsAdmin() bool {
	return user.Role == RoleAdmin
}

// GitHubProfile is the subset of the GitHub user payload the platform keeps.
type GitHubProfile struct {
	ID        int64
	Login     string
	Email     *string
	AvatarURL string
}

// UpsertInput carries everything a store needs to create or refresh a user.
type UpsertInput struct {
	Profile        GitHubProfile
	InitialMileage mileage.Mileage
	Role           Role
	// PromoteOnly means Role is applied to existing users only when it grants admin.
	PromoteOnly bool
	Now         time.Time
}

// Store persists users.
type Store interface {
	UpsertGitHubUser(ctx context.Context, input UpsertInput) (User, error)
	GetUser(ctx context.Context, userID mileage.UserID) (User, error)
}

// Service manages platform users.
type Service struct {
	store       Store
	nowFn       func() time.Time
	adminLogins map[string]struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAdminLogins grants the admin role to the listed GitHub logins when they sign in.
func WithAdminLogins(logins []string) ServiceOption {
	return func(service *Service) {
		for _, login := range logins {
			normalized := strings.ToLower(strings.TrimSpace(login))
			if normalized != "" {
				service.adminLogins[normalized] = struct{}{}
			}
		}
	}
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, adminLogins: map[string]struct{}{}}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// UpsertGitHubUser creates the user with the initial mileage grant, or refreshes profile fields.
// Existing balances are never touched.
func (service *Service) UpsertGitHubUser(ctx context.Context, profile GitHubProfile) (User, error) {
	if profile.ID <= 0 {
		return User{}, fmt.Errorf("%w: missing github id", ErrInvalidProfile)
	}
	profile.Login = strings.TrimSpace(profile.Login)
	if profile.Login == "" {
		return User{}, fmt.Errorf("%w: missing login", ErrInvalidProfile)
	}
	role := RoleUser
	if _, ok := service.adminLogins[strings.ToLower(profile.Login)]; ok {
		role = RoleAdmin
	}
	return service.store.UpsertGitHubUser(ctx, UpsertInput{
		Profile:        profile,
		InitialMileage: mileage.InitialGrant,
		Role:           role,
		PromoteOnly:    true,
		Now:            service.nowFn().UTC(),
	})
}

// Get returns a user by id.
func (service *Service) Get(ctx context.Context, rawUserID string) (User, error) {
	userID, err := mileage.NewUserID(rawUserID)
	if err != nil {
		return User{}, err
	}
	return service.store.GetUser(ctx, userID)
}
