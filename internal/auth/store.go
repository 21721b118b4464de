package auth

import (
	"context"
	"time"
)

type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	// RegisterFailedLogin increments the failed counter and, when it reaches
	// maxAttempts, locks the account and returns the lockout deadline.
	RegisterFailedLogin(ctx context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetFailedLogins(ctx context.Context, userID string) error
	SetTwoFactor(ctx context.Context, userID string, secret *string, enabled bool) error
	SetActive(ctx context.Context, userID string, active bool) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	// EnsureAdmin inserts user unless the username exists and reports whether
	// a row was created.
	EnsureAdmin(ctx context.Context, user User) (bool, error)
}

type AuthLogStore interface {
	AppendAuthLog(ctx context.Context, entry AuthAttemptLog) error
	ListAuthLogs(ctx context.Context, userID string, limit int) ([]AuthAttemptLog, error)
}

type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, meta RequestMeta, ttl time.Duration) (IssuedRefreshToken, error)
	Rotate(ctx context.Context, rawToken string, meta RequestMeta) (IssuedRefreshToken, error)
	Revoke(ctx context.Context, rawToken string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	IsActive(ctx context.Context, rawToken string) (bool, error)
}
