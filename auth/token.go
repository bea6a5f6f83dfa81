//go:generate go run go.uber.org/mock/mockgen -source=token.go -destination=../mocks/mock_auth.go -package=mocks

// Package auth is the opaque authentication capability of the chat core.
// The core trusts the user id extracted from a valid token verbatim and
// performs no further credential validation.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	cerrors "chat-core/errors"
)

// Provider authenticates opaque credentials into a stable user id.
type Provider interface {
	Authenticate(credentials string) (string, error)
}

// Claims is the payload stored inside the JWT.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTProvider signs and validates HMAC-SHA256 bearer tokens.
type JWTProvider struct {
	secret   []byte
	issuer   string
	tokenTTL time.Duration
}

func NewJWTProvider(secret []byte, issuer string, tokenTTL time.Duration) *JWTProvider {
	return &JWTProvider{secret: secret, issuer: issuer, tokenTTL: tokenTTL}
}

// Mint creates a signed token for a user id.
func (p *JWTProvider) Mint(userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(p.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    p.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

// Authenticate validates signature and expiry and returns the user id the
// token was minted for.
func (p *JWTProvider) Authenticate(credentials string) (string, error) {
	token, err := jwt.ParseWithClaims(credentials, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", cerrors.ErrAuthFailed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", cerrors.ErrAuthFailed
	}
	return claims.UserID, nil
}
