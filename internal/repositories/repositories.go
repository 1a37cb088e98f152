package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/fleetmesh/server/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination and filtering options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDC(ctx context.Context, provider, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// OIDCProviderRepository
// -----------------------------------------------------------------------------

type OIDCProviderRepository interface {
	Create(ctx context.Context, provider *db.OIDCProvider) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.OIDCProvider, error)
	GetEnabled(ctx context.Context) (*db.OIDCProvider, error)
	Update(ctx context.Context, provider *db.OIDCProvider) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// NotificationRepository
// -----------------------------------------------------------------------------

type NotificationRepository interface {
	Create(ctx context.Context, notification *db.Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Notification, int64, error)
	DeleteReadOlderThan(ctx context.Context, t time.Time) error
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

// SettingsRepository stores arbitrary key/value configuration namespaces
// (e.g. "smtp.host", "webhook.url") used by the notification service. Values
// are stored as db.EncryptedString so secrets (SMTP passwords, webhook
// signing keys) are encrypted at rest the same way OIDC client secrets are.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}