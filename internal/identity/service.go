package identity

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"tenantcore.org/internal/docstore"
	"tenantcore.org/internal/fault"
)

// Collection is where identity documents live. Identities are not owned by
// any tenant; the claim set merely references one.
const Collection = "identities"

const defaultAccessTTL = 15 * time.Minute

// Allow a small clock skew when validating issued-at.
const issuedAtSkew = 5 * time.Second

// Service implements Provider on the document store with HS256 JWTs.
type Service struct {
	docs      docstore.Store
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

var _ Provider = (*Service)(nil)

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the provider. The signing secret is injected; there
// is no process-global fallback.
func NewService(docs docstore.Store, secret string, opts ...Option) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fault.New(fault.InvalidArgument, "identity signing secret is required")
	}
	s := &Service{
		docs:      docs,
		secret:    []byte(secret),
		issuer:    "tenantcore",
		accessTTL: defaultAccessTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) CreateIdentity(ctx context.Context, email, password string) (*Identity, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fault.New(fault.InvalidArgument, "valid email is required")
	}
	if len(password) < 8 {
		return nil, fault.New(fault.InvalidArgument, "password must be at least 8 characters")
	}

	if _, err := s.GetIdentityByEmail(ctx, email); err == nil {
		return nil, fault.New(fault.AlreadyExists, "account for %s already exists", email)
	} else if !fault.IsCode(err, fault.NotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "hash password")
	}

	doc, err := s.docs.Create(ctx, &docstore.Document{
		Collection: Collection,
		CreatedBy:  "system",
		Data: map[string]any{
			"email":         email,
			"password_hash": string(hash),
			"disabled":      false,
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeIdentity(doc)
}

func (s *Service) GetIdentity(ctx context.Context, uid string) (*Identity, error) {
	doc, err := s.docs.Get(ctx, Collection, uid)
	if err != nil {
		return nil, err
	}
	return decodeIdentity(doc)
}

func (s *Service) GetIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	email = normalizeEmail(email)
	docs, err := s.docs.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{docstore.Eq("email", email)},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fault.New(fault.NotFound, "no account for %s", email)
	}
	return decodeIdentity(docs[0])
}

func (s *Service) SetClaims(ctx context.Context, uid string, claims Claims) error {
	fields := map[string]any{
		"tenant_id":            nilIfEmpty(claims.TenantID),
		"role":                 nilIfEmpty(claims.Role),
		"resource_permissions": nil,
	}
	if len(claims.ResourcePermissions) > 0 {
		perms := make(map[string]any, len(claims.ResourcePermissions))
		for coll, ids := range claims.ResourcePermissions {
			vals := make([]any, len(ids))
			for i, id := range ids {
				vals[i] = id
			}
			perms[coll] = vals
		}
		fields["resource_permissions"] = perms
	}
	_, err := s.docs.Update(ctx, Collection, uid, fields)
	return err
}

func (s *Service) RevokeTokens(ctx context.Context, uid string) error {
	_, err := s.docs.Update(ctx, Collection, uid, map[string]any{
		"tokens_valid_after": docstore.FormatTime(s.now()),
	})
	return err
}

func (s *Service) DisableIdentity(ctx context.Context, uid string) error {
	_, err := s.docs.Update(ctx, Collection, uid, map[string]any{"disabled": true})
	return err
}

func (s *Service) DeleteIdentity(ctx context.Context, uid string) error {
	return s.docs.Delete(ctx, Collection, uid)
}

func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (*Identity, error) {
	id, err := s.GetIdentityByEmail(ctx, email)
	if err != nil {
		if fault.IsCode(err, fault.NotFound) {
			return nil, fault.New(fault.Unauthenticated, "invalid credentials")
		}
		return nil, err
	}
	if id.Disabled {
		return nil, fault.New(fault.Unauthenticated, "invalid credentials")
	}
	doc, err := s.docs.Get(ctx, Collection, id.UID)
	if err != nil {
		return nil, err
	}
	hash, _ := doc.Data["password_hash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, fault.New(fault.Unauthenticated, "invalid credentials")
	}
	return id, nil
}

type tokenClaims struct {
	Email               string              `json:"email"`
	TenantID            string              `json:"tenant_id,omitempty"`
	Role                string              `json:"role,omitempty"`
	ResourcePermissions map[string][]string `json:"resource_permissions,omitempty"`
	jwt.RegisteredClaims
}

func (s *Service) IssueToken(ctx context.Context, uid string) (string, time.Time, error) {
	id, err := s.GetIdentity(ctx, uid)
	if err != nil {
		return "", time.Time{}, err
	}
	if id.Disabled {
		return "", time.Time{}, fault.New(fault.Unauthenticated, "account is disabled")
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.accessTTL)
	claims := tokenClaims{
		Email:               id.Email,
		TenantID:            id.Claims.TenantID,
		Role:                id.Claims.Role,
		ResourcePermissions: id.Claims.ResourcePermissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fault.Wrap(fault.Internal, err, "sign token")
	}
	return signed, expiresAt, nil
}

func (s *Service) VerifyToken(ctx context.Context, token string) (*TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fault.New(fault.Unauthenticated, "missing token")
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fault.New(fault.Unauthenticated, "unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return nil, fault.New(fault.Unauthenticated, "invalid token")
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, fault.New(fault.Unauthenticated, "invalid token")
	}
	if err := s.validateClaims(claims); err != nil {
		return nil, fault.New(fault.Unauthenticated, "invalid token")
	}

	// Revocation check: a token issued before tokens_valid_after is dead
	// even though its signature and expiry are still good.
	id, err := s.GetIdentity(ctx, claims.Subject)
	if err != nil {
		if fault.IsCode(err, fault.NotFound) {
			return nil, fault.New(fault.Unauthenticated, "account no longer exists")
		}
		return nil, err
	}
	if id.Disabled {
		return nil, fault.New(fault.Unauthenticated, "account is disabled")
	}
	if !id.TokensValidAfter.IsZero() && claims.IssuedAt.Unix() < id.TokensValidAfter.Unix() {
		return nil, fault.New(fault.Unauthenticated, "token has been revoked")
	}

	return &TokenClaims{
		UID:   claims.Subject,
		Email: claims.Email,
		Claims: Claims{
			TenantID:            claims.TenantID,
			Role:                claims.Role,
			ResourcePermissions: claims.ResourcePermissions,
		},
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) validateClaims(claims *tokenClaims) error {
	if claims.Issuer != s.issuer {
		return fault.New(fault.Unauthenticated, "unexpected issuer %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return fault.New(fault.Unauthenticated, "subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return fault.New(fault.Unauthenticated, "timestamps missing")
	}
	now := s.now().UTC()
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return fault.New(fault.Unauthenticated, "token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return fault.New(fault.Unauthenticated, "token expiry precedes issued-at")
	}
	return nil
}

func decodeIdentity(doc *docstore.Document) (*Identity, error) {
	id := &Identity{
		UID:       doc.ID,
		CreatedAt: doc.CreatedAt,
	}
	id.Email, _ = doc.Data["email"].(string)
	id.Disabled, _ = doc.Data["disabled"].(bool)
	id.Claims.TenantID, _ = doc.Data["tenant_id"].(string)
	id.Claims.Role, _ = doc.Data["role"].(string)
	if raw, ok := doc.Data["tokens_valid_after"].(string); ok {
		id.TokensValidAfter = docstore.ParseTime(raw)
	}
	if raw, ok := doc.Data["resource_permissions"].(map[string]any); ok {
		perms := make(map[string][]string, len(raw))
		for coll, v := range raw {
			perms[coll] = toStringSlice(v)
		}
		id.Claims.ResourcePermissions = perms
	}
	return id, nil
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func normalizeEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at:], ".") {
		return ""
	}
	return email
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
