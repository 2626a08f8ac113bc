package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenValidity is how long an issued session token stays valid.
const DefaultTokenValidity = 7 * 24 * time.Hour

var (
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrMissingToken         = errors.New("missing bearer token")
	ErrForbidden            = errors.New("admin access required")
	ErrInvalidIssuerConfig  = errors.New("invalid token issuer config")
	ErrOAuthExchange        = errors.New("github code exchange failed")
	ErrOAuthProfile         = errors.New("github profile fetch failed")
	ErrInvalidOAuthConfig   = errors.New("invalid github oauth config")
	ErrMissingAuthorization = errors.New("authorization code is required")
)

// Claims is the session token payload.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token grants moderation access.
func (claims *Claims) IsAdmin() bool {
	return claims != nil && claims.Role == users.RoleAdmin.String()
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret   []byte
	validity time.Duration
	nowFn    func() time.Time
}

// NewTokenIssuer validates the signing secret; validity <= 0 falls back to DefaultTokenValidity.
func NewTokenIssuer(secret []byte, validity time.Duration, now func() time.Time) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidIssuerConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: nil clock", ErrInvalidIssuerConfig)
	}
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	return &TokenIssuer{secret: secret, validity: validity, nowFn: now}, nil
}

// Issue returns a signed token for the user.
func (issuer *TokenIssuer) Issue(user users.User) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidToken)
	}
	issuedAt := issuer.nowFn().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: user.ID,
		Role:   user.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(issuer.validity)),
		},
	})
	signed, err := token.SignedString(issuer.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (issuer *TokenIssuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return issuer.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(issuer.nowFn),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrInvalidToken
	}
	if _, err := users.ParseRole(claims.Role); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
