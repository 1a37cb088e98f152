// Package repository holds the GORM-backed stores for admin-session
// concerns (users, refresh tokens, OIDC provider config) that sit outside
// the orchestration core — the REST layer's own auth, not node admission.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fleetmesh/server/internal/db"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("repository: record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, e.g. registering a user with an email already in use.
var ErrConflict = errors.New("repository: record already exists")

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// UserRepository persists admin/operator accounts.
type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDC(ctx context.Context, provider, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// RefreshTokenRepository persists the opaque refresh tokens issued alongside
// JWT access tokens.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// OIDCProviderRepository persists the single-sign-on provider configuration
// used by the admin REST surface's OIDC login flow.
type OIDCProviderRepository interface {
	Create(ctx context.Context, provider *db.OIDCProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OIDCProvider, error)
	GetEnabled(ctx context.Context) (*db.OIDCProvider, error)
	Update(ctx context.Context, provider *db.OIDCProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
}
