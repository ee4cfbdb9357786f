package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Token types carried in the token_type claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Default lifetimes of the token pair.
const (
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
)

// Claims is the JWT payload of both tokens.
type Claims struct {
	UserID    int64  `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is the response body of login and register.
type TokenPair struct {
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
}

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer returns an issuer. Zero TTLs take the defaults.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: token secret must not be empty (set auth.secret or CW_AUTH_SECRET)")
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// Pair issues a fresh access and refresh token for the identity.
func (ti *TokenIssuer) Pair(identityID int64) (*TokenPair, error) {
	access, err := ti.sign(identityID, TokenAccess, ti.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := ti.sign(identityID, TokenRefresh, ti.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Refresh: refresh, Access: access}, nil
}

// Access issues only an access token.
func (ti *TokenIssuer) Access(identityID int64) (string, error) {
	return ti.sign(identityID, TokenAccess, ti.accessTTL)
}

func (ti *TokenIssuer) sign(identityID int64, kind string, ttl time.Duration) (string, error) {
	now := ti.now()
	claims := Claims{
		UserID:    identityID,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify parses token and checks its signature, expiry, and type. Every
// failure wraps types.ErrAuthenticationFailed.
func (ti *TokenIssuer) Verify(token, kind string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token is expired", types.ErrAuthenticationFailed)
		}
		return nil, fmt.Errorf("%w: token is invalid", types.ErrAuthenticationFailed)
	}
	if claims.TokenType != kind {
		return nil, fmt.Errorf("%w: token has wrong type %q", types.ErrAuthenticationFailed, claims.TokenType)
	}
	if claims.UserID == 0 {
		return nil, fmt.Errorf("%w: token contained no recognizable user identification", types.ErrAuthenticationFailed)
	}
	return claims, nil
}
