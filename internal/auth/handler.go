package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"

	"garden-api/internal/requestip"
)

const (
	maxJSONBodyBytes  = 1 << 20
	RefreshCookieName = "refreshToken"
	refreshCookiePath = "/auth"
)

type Handler struct {
	service      *Service
	codec        *TokenCodec
	logger       Logger
	cookieSecure bool
	now          func() time.Time
}

func NewHandler(service *Service, codec *TokenCodec, logger Logger, cookieSecure bool) *Handler {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Handler{
		service:      service,
		codec:        codec,
		logger:       logger,
		cookieSecure: cookieSecure,
		now:          time.Now,
	}
}

// Routes returns the /auth subtree. Paths are relative to the mount point.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(NormalizeBearer)

	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/verify-2fa", h.VerifyTwoFactor)
	r.Post("/refresh-token", h.Refresh)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(h.codec))

		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
		r.Post("/change-password", h.ChangePassword)
		r.Get("/setup-2fa", h.SetupTwoFactor)
		r.Post("/enable-2fa", h.EnableTwoFactor)
		r.Post("/disable-2fa", h.DisableTwoFactor)
		r.Get("/auth-history", h.AuthHistory)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))

			r.Post("/unlock-user/{username}", h.UnlockUser)
			r.Post("/users/{username}/activate", h.setActive(true))
			r.Post("/users/{username}/deactivate", h.setActive(false))
		})
	})

	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyTwoFactorRequest struct {
	Username   string `json:"username"`
	Code       string `json:"code"`
	RememberMe bool   `json:"rememberMe"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Register(r.Context(), body, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to register")
		return
	}

	h.writeTokens(w, tokens)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Username) == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := h.service.Login(r.Context(), body.Username, body.Password, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	if result.Outcome == LoginTwoFactorRequired {
		writeJSON(w, http.StatusOK, result.Challenge)
		return
	}
	h.writeTokens(w, *result.Tokens)
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body verifyTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Username) == "" || strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "username and code are required")
		return
	}

	tokens, err := h.service.VerifyTwoFactor(r.Context(), body.Username, body.Code, body.RememberMe, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to verify code")
		return
	}

	h.writeTokens(w, tokens)
}

// Refresh reads the refresh token from the cookie only; a body is ignored.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusBadRequest, "refresh token is missing")
		return
	}

	tokens, err := h.service.RefreshToken(r.Context(), cookie.Value, requestMeta(r))
	if err != nil {
		if IsRefreshFailure(err) {
			h.clearRefreshCookie(w)
		}
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	h.writeTokens(w, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var refreshToken string
	if cookie, err := r.Cookie(RefreshCookieName); err == nil {
		refreshToken = cookie.Value
	}

	if err := h.service.Logout(r.Context(), claims.Subject, refreshToken, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to logout")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	profile, err := h.service.CurrentUser(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.Subject, body.CurrentPassword, body.NewPassword, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to change password")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	setup, err := h.service.SetupTwoFactor(r.Context(), claims.Subject, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to set up two-factor authentication")
		return
	}

	writeJSON(w, http.StatusOK, setup)
}

func (h *Handler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.EnableTwoFactor(r.Context(), claims.Subject, body.Code, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to enable two-factor authentication")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "two-factor authentication enabled"})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), claims.Subject, body.Code, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to disable two-factor authentication")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "two-factor authentication disabled"})
}

func (h *Handler) AuthHistory(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	logs, err := h.service.AuthHistory(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load auth history")
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	if err := h.service.UnlockUser(r.Context(), username, requestMeta(r)); err != nil {
		h.writeServiceError(w, r, err, "failed to unlock user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "user unlocked"})
}

func (h *Handler) setActive(active bool) http.HandlerFunc {
	message := "user deactivated"
	if active {
		message = "user activated"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		username := chi.URLParam(r, "username")

		if err := h.service.SetActive(r.Context(), username, active, requestMeta(r)); err != nil {
			h.writeServiceError(w, r, err, "failed to update user")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"message": message})
	}
}

func (h *Handler) writeTokens(w http.ResponseWriter, tokens Tokens) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    tokens.RefreshToken,
		Path:     refreshCookiePath,
		Expires:  tokens.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var validationErr *ValidationError
	var lockedErr LoginLockedError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationErr.Message, "field": validationErr.Field})
	case errors.As(err, &lockedErr):
		retryAfter := int(lockedErr.Until.Sub(h.now()).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "login temporarily locked")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrNoPendingTwoFactor):
		writeError(w, http.StatusUnauthorized, "no pending two-factor login")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account is inactive")
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrDuplicateUsername),
		errors.Is(err, ErrDuplicateEmail),
		errors.Is(err, ErrTwoFactorAlreadyEnabled),
		errors.Is(err, ErrTwoFactorNotPending),
		errors.Is(err, ErrTwoFactorNotEnabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case IsRefreshFailure(err):
		writeError(w, http.StatusBadRequest, "invalid refresh token")
	default:
		h.logger.Error("auth_internal_error", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{IP: requestip.FromRequest(r), UserAgent: r.UserAgent()}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
