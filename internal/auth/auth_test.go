package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type manualClock struct {
	current time.Time
}

func (clock *manualClock) Now() time.Time {
	return clock.current
}

func newIssuer(test *testing.T, clock *manualClock) *TokenIssuer {
	test.Helper()
	issuer, err := NewTokenIssuer([]byte("test-secret"), 0, clock.Now)
	require.NoError(test, err)
	return issuer
}

func TestTokenRoundTrip(test *testing.T) {
	test.Parallel()
	clock := &manualClock{current: time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)}
	issuer := newIssuer(test, clock)

	token, err := issuer.Issue(users.User{ID: "user-1", Role: users.RoleAdmin})
	require.NoError(test, err)

	claims, err := issuer.Verify(token)
	require.NoError(test, err)
	assert.Equal(test, "user-1", claims.UserID)
	assert.True(test, claims.IsAdmin())
	assert.Equal(test, clock.current.Add(DefaultTokenValidity), claims.ExpiresAt.Time.UTC())
}

func TestVerifyRejectsExpiredAndForeignTokens(test *testing.T) {
	test.Parallel()
	clock := &manualClock{current: time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)}
	issuer := newIssuer(test, clock)
	token, err := issuer.Issue(users.User{ID: "user-1", Role: users.RoleUser})
	require.NoError(test, err)

	clock.current = clock.current.Add(DefaultTokenValidity + time.Second)
	_, err = issuer.Verify(token)
	assert.ErrorIs(test, err, ErrTokenExpired)

	otherIssuer, err := NewTokenIssuer([]byte("another-secret"), time.Hour, clock.Now)
	require.NoError(test, err)
	foreign, err := otherIssuer.Issue(users.User{ID: "user-1", Role: users.RoleUser})
	require.NoError(test, err)
	_, err = issuer.Verify(foreign)
	assert.ErrorIs(test, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1", Role: "user"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(test, err)
	_, err = issuer.Verify(raw)
	assert.ErrorIs(test, err, ErrInvalidToken)

	_, err = issuer.Verify("not-a-token")
	assert.ErrorIs(test, err, ErrInvalidToken)
}

func TestNewTokenIssuerValidation(test *testing.T) {
	test.Parallel()
	_, err := NewTokenIssuer(nil, time.Hour, time.Now)
	assert.ErrorIs(test, err, ErrInvalidIssuerConfig)
	_, err = NewTokenIssuer([]byte("secret"), time.Hour, nil)
	assert.ErrorIs(test, err, ErrInvalidIssuerConfig)
}

func TestMiddleware(test *testing.T) {
	test.Parallel()
	gin.SetMode(gin.TestMode)
	clock := &manualClock{current: time.Now().UTC()}
	issuer := newIssuer(test, clock)
	userToken, err := issuer.Issue(users.User{ID: "user-1", Role: users.RoleUser})
	require.NoError(test, err)
	adminToken, err := issuer.Issue(users.User{ID: "admin-1", Role: users.RoleAdmin})
	require.NoError(test, err)

	reject := func(ctx *gin.Context, err error) {
		status := http.StatusUnauthorized
		if err == ErrForbidden {
			status = http.StatusForbidden
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
	}
	router := gin.New()
	router.GET("/me", RequireUser(issuer, reject), func(ctx *gin.Context) {
		claims, ok := ClaimsFromContext(ctx)
		require.True(test, ok)
		ctx.JSON(http.StatusOK, gin.H{"userId": claims.UserID})
	})
	router.GET("/admin", RequireUser(issuer, reject), RequireAdmin(reject), func(ctx *gin.Context) {
		ctx.Status(http.StatusNoContent)
	})

	testCases := []struct {
		name           string
		path           string
		header         string
		expectedStatus int
	}{
		{name: "missing header", path: "/me", expectedStatus: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/me", header: "Basic abc", expectedStatus: http.StatusUnauthorized},
		{name: "garbage token", path: "/me", header: "Bearer abc", expectedStatus: http.StatusUnauthorized},
		{name: "valid user", path: "/me", header: "Bearer " + userToken, expectedStatus: http.StatusOK},
		{name: "lowercase scheme", path: "/me", header: "bearer " + userToken, expectedStatus: http.StatusOK},
		{name: "user on admin route", path: "/admin", header: "Bearer " + userToken, expectedStatus: http.StatusForbidden},
		{name: "admin on admin route", path: "/admin", header: "Bearer " + adminToken, expectedStatus: http.StatusNoContent},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			request := httptest.NewRequest(http.MethodGet, testCase.path, nil)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)
			assert.Equal(test, testCase.expectedStatus, recorder.Code)
		})
	}
}

func newGitHubServer(test *testing.T, profileStatus int) *httptest.Server {
	test.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(writer http.ResponseWriter, request *http.Request) {
		require.NoError(test, request.ParseForm())
		if request.Form.Get("code") != "good-code" {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusBadRequest)
			_, _ = writer.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"access_token":"gho_test","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer gho_test" {
			writer.WriteHeader(http.StatusUnauthorized)
			return
		}
		if profileStatus != http.StatusOK {
			writer.WriteHeader(profileStatus)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"id":         42,
			"login":      "octocat",
			"email":      nil,
			"avatar_url": "https://avatars.example/42",
		})
	})
	server := httptest.NewServer(mux)
	test.Cleanup(server.Close)
	return server
}

func newGitHubClient(test *testing.T, server *httptest.Server) *GitHubOAuth {
	test.Helper()
	client, err := NewGitHubOAuth(GitHubConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   server.URL + "/login/oauth/authorize",
			TokenURL:  server.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIBaseURL: server.URL,
		HTTPClient: server.Client(),
	})
	require.NoError(test, err)
	return client
}

func TestGitHubExchange(test *testing.T) {
	test.Parallel()
	server := newGitHubServer(test, http.StatusOK)
	client := newGitHubClient(test, server)

	profile, err := client.Exchange(test.Context(), "good-code")
	require.NoError(test, err)
	assert.Equal(test, int64(42), profile.ID)
	assert.Equal(test, "octocat", profile.Login)
	assert.Nil(test, profile.Email)
	assert.Equal(test, "https://avatars.example/42", profile.AvatarURL)

	_, err = client.Exchange(test.Context(), "bad-code")
	assert.ErrorIs(test, err, ErrOAuthExchange)

	_, err = client.Exchange(test.Context(), " ")
	assert.ErrorIs(test, err, ErrMissingAuthorization)
}

func TestGitHubProfileFailure(test *testing.T) {
	test.Parallel()
	server := newGitHubServer(test, http.StatusBadGateway)
	client := newGitHubClient(test, server)

	_, err := client.Exchange(test.Context(), "good-code")
	assert.ErrorIs(test, err, ErrOAuthProfile)
	var githubErr *gogithub.ErrorResponse
	require.ErrorAs(test, err, &githubErr)
	assert.Equal(test, http.StatusBadGateway, githubErr.Response.StatusCode)
}

func TestNewGitHubOAuthValidation(test *testing.T) {
	test.Parallel()
	_, err := NewGitHubOAuth(GitHubConfig{ClientID: "id"})
	assert.ErrorIs(test, err, ErrInvalidOAuthConfig)

	client, err := NewGitHubOAuth(GitHubConfig{ClientID: "id", ClientSecret: "secret"})
	require.NoError(test, err)
	assert.Contains(test, client.AuthCodeURL("state-1"), "github.com/login/oauth/authorize")
}
