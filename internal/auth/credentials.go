package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

type VerificationResult string

const (
	VerificationSuccess       VerificationResult = "success"
	VerificationWrongPassword VerificationResult = "wrong_password"
	VerificationUserNotFound  VerificationResult = "user_not_found"
	VerificationLocked        VerificationResult = "locked"
	VerificationInactive      VerificationResult = "inactive"
)

type Verification struct {
	Result      VerificationResult
	User        User
	LockedUntil time.Time
}

type CredentialValidator struct {
	users        UserStore
	maxAttempts  int
	lockDuration time.Duration
	now          func() time.Time
}

func NewCredentialValidator(users UserStore, maxAttempts int, lockDuration time.Duration) *CredentialValidator {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if lockDuration <= 0 {
		lockDuration = defaultLockWindow
	}
	return &CredentialValidator{
		users:        users,
		maxAttempts:  maxAttempts,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

func (v *CredentialValidator) WithClock(now func() time.Time) *CredentialValidator {
	v.now = now
	return v
}

func (v *CredentialValidator) VerifyPassword(ctx context.Context, username, password string) (Verification, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return Verification{Result: VerificationUserNotFound}, nil
	}

	user, err := v.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Verification{Result: VerificationUserNotFound}, nil
		}
		return Verification{}, err
	}

	now := v.now().UTC()
	if user.LockedAt(now) {
		return Verification{Result: VerificationLocked, User: user, LockedUntil: user.LockoutUntil.UTC()}, nil
	}
	if !user.Active {
		return Verification{Result: VerificationInactive, User: user}, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		lockedUntil, regErr := v.users.RegisterFailedLogin(ctx, user.ID, v.maxAttempts, v.lockDuration, now)
		if regErr != nil {
			return Verification{}, regErr
		}
		if lockedUntil != nil {
			return Verification{Result: VerificationLocked, User: user, LockedUntil: lockedUntil.UTC()}, nil
		}
		return Verification{Result: VerificationWrongPassword, User: user}, nil
	}

	if user.FailedLogins > 0 || user.LockoutUntil != nil {
		if err := v.users.ResetFailedLogins(ctx, user.ID); err != nil {
			return Verification{}, err
		}
		user.FailedLogins = 0
		user.LockoutUntil = nil
	}

	return Verification{Result: VerificationSuccess, User: user}, nil
}

// RegisterFailure counts a failed second factor against the same lockout
// budget as a wrong password. A non-nil deadline means the account is locked.
func (v *CredentialValidator) RegisterFailure(ctx context.Context, user User) (*time.Time, error) {
	lockedUntil, err := v.users.RegisterFailedLogin(ctx, user.ID, v.maxAttempts, v.lockDuration, v.now().UTC())
	if err != nil {
		return nil, err
	}
	if lockedUntil != nil {
		until := lockedUntil.UTC()
		return &until, nil
	}
	return nil, nil
}

// ClearFailures resets the failed counter after a completed login.
func (v *CredentialValidator) ClearFailures(ctx context.Context, user User) error {
	if user.FailedLogins == 0 && user.LockoutUntil == nil {
		return nil
	}
	return v.users.ResetFailedLogins(ctx, user.ID)
}

func (v *CredentialValidator) Unlock(ctx context.Context, username string) (User, error) {
	user, err := v.users.GetUserByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return User{}, err
	}
	if err := v.users.ResetFailedLogins(ctx, user.ID); err != nil {
		return User{}, err
	}
	user.FailedLogins = 0
	user.LockoutUntil = nil
	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
