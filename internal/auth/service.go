package auth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultRememberMeTTL = 30 * 24 * time.Hour
	authHistoryLimit     = 100
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

type Logger interface {
	Info(message string, fields map[string]any)
	Warn(message string, fields map[string]any)
	Error(message string, fields map[string]any)
}

type Recorder interface {
	ObserveAuthAttempt(event, outcome string)
}

type nopLogger struct{}

func (nopLogger) Info(string, map[string]any)  {}
func (nopLogger) Warn(string, map[string]any)  {}
func (nopLogger) Error(string, map[string]any) {}

type RegisterInput struct {
	Username string `json:"username" validate:"required,min=3,max=32,username"`
	Email    string `json:"email" validate:"required,max=254,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type Dependencies struct {
	Users       UserStore
	Logs        AuthLogStore
	Refresh     RefreshTokenStore
	Tokens      *TokenCodec
	Credentials *CredentialValidator
	TwoFactor   *TwoFactorVerifier
	Pending     *PendingLogins
}

// Service drives the login state machine: credentials, optional second
// factor, then an access token plus a persisted refresh token.
type Service struct {
	users         UserStore
	logs          AuthLogStore
	refresh       RefreshTokenStore
	tokens        *TokenCodec
	credentials   *CredentialValidator
	twoFactor     *TwoFactorVerifier
	pending       *PendingLogins
	validate      *validator.Validate
	refreshTTL    time.Duration
	rememberMeTTL time.Duration
	logger        Logger
	recorder      Recorder
	now           func() time.Time
}

func NewService(deps Dependencies) *Service {
	return &Service{
		users:         deps.Users,
		logs:          deps.Logs,
		refresh:       deps.Refresh,
		tokens:        deps.Tokens,
		credentials:   deps.Credentials,
		twoFactor:     deps.TwoFactor,
		pending:       deps.Pending,
		validate:      newValidator(),
		refreshTTL:    defaultRefreshTTL,
		rememberMeTTL: defaultRememberMeTTL,
		logger:        nopLogger{},
		now:           time.Now,
	}
}

func (s *Service) WithSessionConfig(refreshTTL, rememberMeTTL time.Duration) {
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	if rememberMeTTL > 0 {
		s.rememberMeTTL = rememberMeTTL
	}
}

func (s *Service) WithObservability(logger Logger, recorder Recorder) {
	if logger != nil {
		s.logger = logger
	}
	s.recorder = recorder
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register username validation: %v", err))
	}
	return v
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	var message string
	switch fe.Tag() {
	case "required":
		message = "is required"
	case "min":
		message = "must be at least " + fe.Param() + " characters"
	case "max":
		message = "must be at most " + fe.Param() + " characters"
	case "email":
		message = "must be a valid email address"
	case "username":
		message = "may only contain lowercase letters, digits, '_', '.' and '-'"
	default:
		message = "is invalid"
	}
	return &ValidationError{Field: fe.Field(), Message: message}
}

func (s *Service) Register(ctx context.Context, input RegisterInput, meta RequestMeta) (Tokens, error) {
	input.Username = normalizeUsername(input.Username)
	input.Email = normalizeEmail(input.Email)
	if err := s.validate.Struct(input); err != nil {
		s.record(ctx, EventRegister, OutcomeFailure, nil, input.Username, meta)
		return Tokens{}, toValidationError(err)
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return Tokens{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Tokens{}, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now().UTC()
	user := User{
		ID:           id.String(),
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: hash,
		Role:         RoleViewer,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateUsername) || errors.Is(err, ErrDuplicateEmail) {
			s.record(ctx, EventRegister, OutcomeFailure, nil, input.Username, meta)
		}
		return Tokens{}, err
	}

	tokens, err := s.issueTokens(ctx, user, meta, s.refreshTTL)
	if err != nil {
		return Tokens{}, err
	}
	s.record(ctx, EventRegister, OutcomeSuccess, &user, user.Username, meta)
	return tokens, nil
}

func (s *Service) Login(ctx context.Context, username, password string, meta RequestMeta) (LoginResult, error) {
	username = normalizeUsername(username)

	verification, err := s.credentials.VerifyPassword(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}

	user := verification.User
	switch verification.Result {
	case VerificationUserNotFound:
		s.record(ctx, EventLogin, OutcomeFailure, nil, username, meta)
		return LoginResult{}, ErrInvalidCredentials
	case VerificationWrongPassword:
		s.record(ctx, EventLogin, OutcomeFailure, &user, username, meta)
		return LoginResult{}, ErrInvalidCredentials
	case VerificationLocked:
		s.record(ctx, EventLogin, OutcomeLocked, &user, username, meta)
		s.logger.Warn("login_locked", map[string]any{"username": username, "ip": meta.IP, "locked_until": verification.LockedUntil.Format(time.RFC3339)})
		return LoginResult{}, LoginLockedError{Until: verification.LockedUntil}
	case VerificationInactive:
		s.record(ctx, EventLogin, OutcomeFailure, &user, username, meta)
		return LoginResult{}, ErrAccountInactive
	}

	if user.TwoFactorState() == TwoFactorActive {
		s.pending.put(user.Username, pendingLogin{UserID: user.ID, IP: meta.IP, UserAgent: meta.UserAgent})
		s.record(ctx, EventLogin, OutcomeSuccess, &user, username, meta)
		return LoginResult{
			Outcome:   LoginTwoFactorRequired,
			Challenge: &TwoFactorChallenge{RequiresTwoFactor: true, Username: user.Username},
		}, nil
	}

	tokens, err := s.issueTokens(ctx, user, meta, s.refreshTTL)
	if err != nil {
		return LoginResult{}, err
	}
	s.record(ctx, EventLogin, OutcomeSuccess, &user, username, meta)
	return LoginResult{Outcome: LoginAuthenticated, Tokens: &tokens}, nil
}

func (s *Service) VerifyTwoFactor(ctx context.Context, username, code string, rememberMe bool, meta RequestMeta) (Tokens, error) {
	username = normalizeUsername(username)

	pending, ok := s.pending.get(username)
	if !ok {
		s.record(ctx, EventVerifyTwoFA, OutcomeFailure, nil, username, meta)
		return Tokens{}, ErrNoPendingTwoFactor
	}

	user, err := s.users.GetUserByID(ctx, pending.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.pending.consume(username)
			return Tokens{}, ErrNoPendingTwoFactor
		}
		return Tokens{}, err
	}
	if user.LockedAt(s.now().UTC()) {
		s.pending.consume(username)
		s.record(ctx, EventVerifyTwoFA, OutcomeLocked, &user, username, meta)
		return Tokens{}, LoginLockedError{Until: *user.LockoutUntil}
	}
	if !user.Active {
		s.pending.consume(username)
		s.record(ctx, EventVerifyTwoFA, OutcomeFailure, &user, username, meta)
		return Tokens{}, ErrAccountInactive
	}
	if !s.twoFactor.check(user, code) {
		lockedUntil, err := s.credentials.RegisterFailure(ctx, user)
		if err != nil {
			return Tokens{}, err
		}
		if lockedUntil != nil {
			s.pending.consume(username)
			s.record(ctx, EventVerifyTwoFA, OutcomeLocked, &user, username, meta)
			return Tokens{}, LoginLockedError{Until: *lockedUntil}
		}
		s.record(ctx, EventVerifyTwoFA, OutcomeFailure, &user, username, meta)
		return Tokens{}, ErrInvalidCode
	}
	s.pending.consume(username)
	if err := s.credentials.ClearFailures(ctx, user); err != nil {
		return Tokens{}, err
	}

	ttl := s.refreshTTL
	if rememberMe {
		ttl = s.rememberMeTTL
	}
	tokens, err := s.issueTokens(ctx, user, meta, ttl)
	if err != nil {
		return Tokens{}, err
	}
	s.record(ctx, EventVerifyTwoFA, OutcomeSuccess, &user, username, meta)
	return tokens, nil
}

// RefreshToken rotates the presented token and reissues the access token from
// the user's current state, so role and email changes apply on next refresh.
func (s *Service) RefreshToken(ctx context.Context, oldToken string, meta RequestMeta) (Tokens, error) {
	oldToken = strings.TrimSpace(oldToken)
	if oldToken == "" {
		return Tokens{}, ErrRefreshNotFound
	}

	issued, err := s.refresh.Rotate(ctx, oldToken, meta)
	if err != nil {
		if IsRefreshFailure(err) {
			s.record(ctx, EventRefresh, OutcomeFailure, nil, "", meta)
		}
		return Tokens{}, err
	}

	user, err := s.users.GetUserByID(ctx, issued.UserID)
	if err != nil {
		return Tokens{}, err
	}
	if !user.Active {
		if err := s.refresh.Revoke(ctx, issued.Token); err != nil {
			return Tokens{}, err
		}
		s.record(ctx, EventRefresh, OutcomeFailure, &user, user.Username, meta)
		return Tokens{}, ErrAccountInactive
	}

	access, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return Tokens{}, err
	}
	s.record(ctx, EventRefresh, OutcomeSuccess, &user, user.Username, meta)

	return Tokens{
		AccessToken:      access,
		TokenType:        "Bearer",
		ExpiresAt:        expiresAt,
		User:             user.Profile(),
		RefreshToken:     issued.Token,
		RefreshExpiresAt: issued.ExpiresAt,
	}, nil
}

// Logout revokes the presented refresh token. Missing or unknown tokens are
// not an error.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string, meta RequestMeta) error {
	if err := s.refresh.Revoke(ctx, strings.TrimSpace(refreshToken)); err != nil {
		return err
	}

	var user *User
	username := ""
	if userID != "" {
		if found, err := s.users.GetUserByID(ctx, userID); err == nil {
			user = &found
			username = found.Username
		}
	}
	s.record(ctx, EventLogout, OutcomeSuccess, user, username, meta)
	return nil
}

func (s *Service) SetupTwoFactor(ctx context.Context, userID string, meta RequestMeta) (TwoFactorSetup, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return TwoFactorSetup{}, err
	}
	setup, err := s.twoFactor.SetupSecret(ctx, user.Username)
	if err != nil {
		if errors.Is(err, ErrTwoFactorAlreadyEnabled) {
			s.record(ctx, EventSetupTwoFA, OutcomeFailure, &user, user.Username, meta)
		}
		return TwoFactorSetup{}, err
	}
	s.record(ctx, EventSetupTwoFA, OutcomeSuccess, &user, user.Username, meta)
	return setup, nil
}

func (s *Service) EnableTwoFactor(ctx context.Context, userID, code string, meta RequestMeta) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.twoFactor.Enable(ctx, user.Username, code); err != nil {
		s.recordDomainFailure(ctx, EventEnableTwoFA, err, &user, meta)
		return err
	}
	s.record(ctx, EventEnableTwoFA, OutcomeSuccess, &user, user.Username, meta)
	return nil
}

func (s *Service) DisableTwoFactor(ctx context.Context, userID, code string, meta RequestMeta) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.twoFactor.Disable(ctx, user.Username, code); err != nil {
		s.recordDomainFailure(ctx, EventDisableTwoFA, err, &user, meta)
		return err
	}
	s.record(ctx, EventDisableTwoFA, OutcomeSuccess, &user, user.Username, meta)
	return nil
}

func (s *Service) AuthHistory(ctx context.Context, userID string) ([]AuthAttemptLog, error) {
	return s.logs.ListAuthLogs(ctx, userID, authHistoryLimit)
}

func (s *Service) UnlockUser(ctx context.Context, username string, meta RequestMeta) error {
	user, err := s.credentials.Unlock(ctx, username)
	if err != nil {
		return err
	}
	s.record(ctx, EventUnlock, OutcomeSuccess, &user, user.Username, meta)
	return nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (UserProfile, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return UserProfile{}, err
	}
	return user.Profile(), nil
}

// ChangePassword ends every session of the user by revoking all refresh tokens.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, meta RequestMeta) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		s.record(ctx, EventChangePassword, OutcomeFailure, &user, user.Username, meta)
		return ErrInvalidCredentials
	}
	if err := s.validate.Var(newPassword, "required,min=8,max=128"); err != nil {
		s.record(ctx, EventChangePassword, OutcomeFailure, &user, user.Username, meta)
		validationErr := toValidationError(err).(*ValidationError)
		validationErr.Field = "newPassword"
		return validationErr
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := s.refresh.RevokeAllForUser(ctx, user.ID); err != nil {
		return err
	}
	s.record(ctx, EventChangePassword, OutcomeSuccess, &user, user.Username, meta)
	return nil
}

// SetActive toggles the account flag. Deactivation revokes every refresh
// token; access tokens already issued stay valid until they expire.
func (s *Service) SetActive(ctx context.Context, username string, active bool, meta RequestMeta) error {
	user, err := s.users.GetUserByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return err
	}
	if err := s.users.SetActive(ctx, user.ID, active); err != nil {
		return err
	}

	event := EventActivate
	if !active {
		event = EventDeactivate
		if err := s.refresh.RevokeAllForUser(ctx, user.ID); err != nil {
			return err
		}
	}
	user.Active = active
	s.record(ctx, event, OutcomeSuccess, &user, user.Username, meta)
	return nil
}

// BootstrapAdmin creates the configured administrator on first start.
// Username, email and password must all be set, or none. An existing account
// keeps its password, lock and active state.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	username = normalizeUsername(username)
	email = normalizeEmail(email)

	if username == "" && email == "" && password == "" {
		return nil
	}
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate admin id: %w", err)
	}

	now := s.now().UTC()
	created, err := s.users.EnsureAdmin(ctx, User{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("admin_bootstrapped", map[string]any{"username": username})
	}
	return nil
}

func (s *Service) issueTokens(ctx context.Context, user User, meta RequestMeta, refreshTTL time.Duration) (Tokens, error) {
	access, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return Tokens{}, err
	}

	refresh, err := s.refresh.Issue(ctx, user.ID, meta, refreshTTL)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:      access,
		TokenType:        "Bearer",
		ExpiresAt:        expiresAt,
		User:             user.Profile(),
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *Service) recordDomainFailure(ctx context.Context, event AuthEvent, err error, user *User, meta RequestMeta) {
	switch {
	case errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrTwoFactorNotPending),
		errors.Is(err, ErrTwoFactorNotEnabled),
		errors.Is(err, ErrTwoFactorAlreadyEnabled):
		s.record(ctx, event, OutcomeFailure, user, user.Username, meta)
	}
}

// record appends to the auth log and bumps the attempt counter. A failed log
// write is reported but never fails the operation that triggered it.
func (s *Service) record(ctx context.Context, event AuthEvent, outcome AuthOutcome, user *User, username string, meta RequestMeta) {
	if s.recorder != nil {
		s.recorder.ObserveAuthAttempt(string(event), string(outcome))
	}

	entry := AuthAttemptLog{
		Username:   username,
		Event:      event,
		Outcome:    outcome,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		OccurredAt: s.now().UTC(),
	}
	if user != nil {
		id := user.ID
		entry.UserID = &id
		entry.Username = user.Username
	}

	if err := s.logs.AppendAuthLog(ctx, entry); err != nil {
		s.logger.Error("auth_log_append_failed", map[string]any{
			"event":   string(event),
			"outcome": string(outcome),
			"error":   err.Error(),
		})
	}
}
