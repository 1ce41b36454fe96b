package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultTTLMinutes applies when GenerateAccessToken is given a non-positive TTL.
const defaultTTLMinutes = 15

// CustomClaims extends JWT standard claims with the tenant and role.
type CustomClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid"`
	Role     Role   `json:"role"`
}

// Identity returns the caller described by the claims.
func (c *CustomClaims) Identity() Identity {
	return Identity{Subject: c.Subject, TenantID: c.TenantID, Role: c.Role}
}

// GenerateAccessToken creates a signed HS256 access token for id.
// Tokens are issued by the account service in production; this is used by
// tooling and tests.
func GenerateAccessToken(id Identity, secret string, ttlMinutes int) (string, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = defaultTTLMinutes
	}

	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			ID:        uuid.NewString(),
		},
		TenantID: id.TenantID,
		Role:     id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken validates the signature and expiry of tokenString and returns
// its claims. Subject and tenant are not checked here; see TokenAuthenticator.
func ParseToken(tokenString, secret string) (*CustomClaims, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
