package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
)

type recordingStore struct {
	inputs []UpsertInput
	users  map[string]User
}

func (store *recordingStore) UpsertGitHubUser(ctx context.Context, input UpsertInput) (User, error) {
	store.inputs = append(store.inputs, input)
	return User{ID: "user-1", GitHubID: input.Profile.ID, Username: input.Profile.Login, Role: input.Role, Mileage: input.InitialMileage}, nil
}

func (store *recordingStore) GetUser(ctx context.Context, userID mileage.UserID) (User, error) {
	user, ok := store.users[userID.String()]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func fixedNow() time.Time {
	return time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
}

func TestUpsertGitHubUserGrantsInitialMileage(test *testing.T) {
	test.Parallel()
	store := &recordingStore{}
	service, err := NewService(store, fixedNow, WithAdminLogins([]string{" Hangul-Admin "}))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	testCases := []struct {
		login        string
		expectedRole Role
	}{
		{login: "student", expectedRole: RoleUser},
		{login: "hangul-admin", expectedRole: RoleAdmin},
	}
	for index, testCase := range testCases {
		user, err := service.UpsertGitHubUser(context.Background(), GitHubProfile{ID: int64(index + 1), Login: testCase.login})
		if err != nil {
			test.Fatalf("%s: upsert: %v", testCase.login, err)
		}
		if user.Role != testCase.expectedRole {
			test.Fatalf("%s: expected role %s, got %s", testCase.login, testCase.expectedRole, user.Role)
		}
		input := store.inputs[index]
		if input.InitialMileage != mileage.InitialGrant || !input.PromoteOnly || !input.Now.Equal(fixedNow()) {
			test.Fatalf("%s: unexpected upsert input %+v", testCase.login, input)
		}
	}
}

func TestUpsertGitHubUserRejectsInvalidProfiles(test *testing.T) {
	test.Parallel()
	service, err := NewService(&recordingStore{}, fixedNow)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	testCases := []GitHubProfile{
		{ID: 0, Login: "someone"},
		{ID: 7, Login: "  "},
	}
	for _, profile := range testCases {
		if _, err := service.UpsertGitHubUser(context.Background(), profile); !errors.Is(err, ErrInvalidProfile) {
			test.Fatalf("expected ErrInvalidProfile for %+v, got %v", profile, err)
		}
	}
}

func TestGetUser(test *testing.T) {
	test.Parallel()
	store := &recordingStore{users: map[string]User{"user-1": {ID: "user-1", Role: RoleAdmin}}}
	service, err := NewService(store, fixedNow)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	user, err := service.Get(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if !user.IsAdmin() {
		test.Fatalf("expected admin user")
	}
	if _, err := service.Get(context.Background(), "missing"); !errors.Is(err, mileage.ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := service.Get(context.Background(), " "); !errors.Is(err, mileage.ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestParseRole(test *testing.T) {
	test.Parallel()
	if role, err := ParseRole("admin"); err != nil || role != RoleAdmin {
		test.Fatalf("expected admin role, got %s %v", role, err)
	}
	if _, err := ParseRole("owner"); !errors.Is(err, ErrInvalidRole) {
		test.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, fixedNow); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewService(&recordingStore{}, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
