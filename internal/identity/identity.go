// Package identity implements the identity-provider capability: durable
// identities with a small signed claim set, bearer token minting, and token
// verification with revocation checks. The rest of the core treats this
// package through the Provider interface and never inspects tokens itself.
package identity

import (
	"context"
	"time"
)

// Claims is the signed authorization attribute set attached to a credential.
// ResourcePermissions is populated only for the guest role: a map of
// collection name to the document ids the guest may reach.
type Claims struct {
	TenantID            string
	Role                string
	ResourcePermissions map[string][]string
}

// Empty reports whether no tenant assignment has been committed yet.
func (c Claims) Empty() bool {
	return c.TenantID == "" && c.Role == ""
}

// Identity is one stored account.
type Identity struct {
	UID              string
	Email            string
	Disabled         bool
	Claims           Claims
	TokensValidAfter time.Time
	CreatedAt        time.Time
}

// TokenClaims is the verified content of a bearer token.
type TokenClaims struct {
	UID       string
	Email     string
	Claims    Claims
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Provider is the identity-provider contract consumed by the membership
// state machine and the session verification pipeline.
type Provider interface {
	// CreateIdentity registers a new account with a hashed credential.
	// Duplicate emails fail with fault.AlreadyExists.
	CreateIdentity(ctx context.Context, email, password string) (*Identity, error)

	// GetIdentity loads an account. Missing accounts fail with
	// fault.NotFound.
	GetIdentity(ctx context.Context, uid string) (*Identity, error)

	// GetIdentityByEmail loads an account by its normalized email.
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)

	// SetClaims replaces the signed claim set. Tokens minted before the
	// change keep their old claims until refreshed.
	SetClaims(ctx context.Context, uid string, claims Claims) error

	// RevokeTokens invalidates every token issued before now; verification
	// of such tokens fails even though their signature is still valid.
	RevokeTokens(ctx context.Context, uid string) error

	// DisableIdentity blocks authentication without removing the account.
	DisableIdentity(ctx context.Context, uid string) error

	// DeleteIdentity removes the account permanently.
	DeleteIdentity(ctx context.Context, uid string) error

	// VerifyCredentials checks an email/password pair and returns the
	// account on success; every failure mode maps to fault.Unauthenticated.
	VerifyCredentials(ctx context.Context, email, password string) (*Identity, error)

	// IssueToken mints a bearer token carrying the account's current claims.
	IssueToken(ctx context.Context, uid string) (string, time.Time, error)

	// VerifyToken validates signature, expiry, and revocation state.
	VerifyToken(ctx context.Context, token string) (*TokenClaims, error)
}
