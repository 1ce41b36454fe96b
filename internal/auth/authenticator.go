package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// TokenAuthenticator verifies bearer tokens against a shared HS256 secret.
type TokenAuthenticator struct {
	secret string
}

// NewTokenAuthenticator creates a TokenAuthenticator.
func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: secret}
}

// Authenticate verifies token and returns the identity it carries.
//
// Errors:
//   - ErrTokenMissing: empty token
//   - ErrTokenInvalid / ErrTokenExpired: bad signature, malformed or expired
//   - ErrMissingSubject / ErrMissingTenant: verified token without a user or tenant
//   - ErrUnknownRole: a role outside ValidRoles
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	claims, err := ParseToken(token, a.secret)
	if err != nil {
		return Identity{}, err
	}
	id := claims.Identity()
	if id.Subject == "" {
		return Identity{}, ErrMissingSubject
	}
	if id.TenantID == "" {
		return Identity{}, ErrMissingTenant
	}
	if id.Role == "" {
		id.Role = RoleViewer
	}
	if !IsValidRole(id.Role) {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownRole, id.Role)
	}
	return id, nil
}

// BearerToken extracts a token from the Authorization header, falling back to
// the "token" query parameter for clients that cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
