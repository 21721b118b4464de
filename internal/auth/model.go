package auth

import "time"

type Role string

const (
	RoleAdmin  Role = "Admin"
	RoleStaff  Role = "Staff"
	RoleViewer Role = "Viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleViewer:
		return true
	default:
		return false
	}
}

type User struct {
	ID               string
	Username         string
	Email            string
	PasswordHash     string
	Role             Role
	TwoFactorSecret  *string
	TwoFactorEnabled bool
	FailedLogins     int
	LockoutUntil     *time.Time
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TwoFactorState derives the secret lifecycle from the stored columns.
func (u User) TwoFactorState() TwoFactorState {
	switch {
	case u.TwoFactorEnabled && u.TwoFactorSecret != nil:
		return TwoFactorActive
	case u.TwoFactorSecret != nil:
		return TwoFactorPending
	default:
		return TwoFactorUnset
	}
}

func (u User) LockedAt(now time.Time) bool {
	return u.LockoutUntil != nil && now.Before(*u.LockoutUntil)
}

type TwoFactorState string

const (
	TwoFactorUnset   TwoFactorState = "unset"
	TwoFactorPending TwoFactorState = "pending_confirmation"
	TwoFactorActive  TwoFactorState = "active"
)

type UserProfile struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	Role             Role      `json:"role"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (u User) Profile() UserProfile {
	return UserProfile{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		Role:             u.Role,
		TwoFactorEnabled: u.TwoFactorEnabled,
		Active:           u.Active,
		CreatedAt:        u.CreatedAt,
	}
}

// Tokens is the result of a completed authentication. RefreshToken travels in
// the cookie side-channel only and is never serialized into a body.
type Tokens struct {
	AccessToken      string      `json:"accessToken"`
	TokenType        string      `json:"tokenType"`
	ExpiresAt        time.Time   `json:"expiresAt"`
	User             UserProfile `json:"user"`
	RefreshToken     string      `json:"-"`
	RefreshExpiresAt time.Time   `json:"-"`
}

type LoginOutcome string

const (
	LoginAuthenticated     LoginOutcome = "authenticated"
	LoginTwoFactorRequired LoginOutcome = "two_factor_required"
)

type TwoFactorChallenge struct {
	RequiresTwoFactor bool   `json:"requiresTwoFactor"`
	Username          string `json:"username"`
}

// LoginResult is exactly one of Tokens (Authenticated) or Challenge
// (TwoFactorRequired), selected by Outcome.
type LoginResult struct {
	Outcome   LoginOutcome
	Tokens    *Tokens
	Challenge *TwoFactorChallenge
}

type IssuedRefreshToken struct {
	Token     string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type AuthEvent string

const (
	EventRegister       AuthEvent = "register"
	EventLogin          AuthEvent = "login"
	EventVerifyTwoFA    AuthEvent = "verify_2fa"
	EventRefresh        AuthEvent = "refresh"
	EventLogout         AuthEvent = "logout"
	EventSetupTwoFA     AuthEvent = "setup_2fa"
	EventEnableTwoFA    AuthEvent = "enable_2fa"
	EventDisableTwoFA   AuthEvent = "disable_2fa"
	EventUnlock         AuthEvent = "unlock"
	EventChangePassword AuthEvent = "change_password"
	EventActivate       AuthEvent = "activate"
	EventDeactivate     AuthEvent = "deactivate"
)

type AuthOutcome string

const (
	OutcomeSuccess AuthOutcome = "success"
	OutcomeFailure AuthOutcome = "failure"
	OutcomeLocked  AuthOutcome = "locked"
)

type AuthAttemptLog struct {
	ID         string      `json:"id"`
	UserID     *string     `json:"userId,omitempty"`
	Username   string      `json:"username"`
	Event      AuthEvent   `json:"event"`
	Outcome    AuthOutcome `json:"outcome"`
	IPAddress  string      `json:"ipAddress"`
	UserAgent  string      `json:"userAgent"`
	OccurredAt time.Time   `json:"occurredAt"`
}

type TwoFactorSetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioningUri"`
	QRCode          string `json:"qrCode"`
}

type RequestMeta struct {
	IP        string
	UserAgent string
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedAuthLogs      int64 `json:"deleted_auth_logs"`
}
