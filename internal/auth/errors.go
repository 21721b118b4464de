package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrAccountInactive         = errors.New("account is inactive")
	ErrUserNotFound            = errors.New("user not found")
	ErrDuplicateUsername       = errors.New("username already taken")
	ErrDuplicateEmail          = errors.New("email already registered")
	ErrInvalidCode             = errors.New("invalid verification code")
	ErrNoPendingTwoFactor      = errors.New("no pending two-factor login")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication already enabled")
	ErrTwoFactorNotPending     = errors.New("two-factor setup has not been started")
	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrRefreshNotFound         = errors.New("refresh token not found")
	ErrRefreshRevoked          = errors.New("refresh token revoked")
	ErrRefreshExpired          = errors.New("refresh token expired")
	ErrMissingSigningKey       = errors.New("configuration: token signing secret is empty")
)

type LoginLockedError struct {
	Until time.Time
}

func (e LoginLockedError) Error() string {
	return "login temporarily locked"
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsRefreshFailure reports whether err is one of the refresh rotation
// rejections a client can cause.
func IsRefreshFailure(err error) bool {
	return errors.Is(err, ErrRefreshNotFound) || errors.Is(err, ErrRefreshRevoked) || errors.Is(err, ErrRefreshExpired)
}
