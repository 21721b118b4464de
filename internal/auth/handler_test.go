package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	handler := NewHandler(env.service, env.codec, nil, true)
	handler.now = env.clock.Now
	return env, handler.Routes()
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.20:51234"
	for _, fn := range mutate {
		fn(req)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == RefreshCookieName {
			return cookie
		}
	}
	t.Fatalf("response has no %s cookie", RefreshCookieName)
	return nil
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestHandlerLoginSetsCookieAndKeepsRefreshOutOfBody(t *testing.T) {
	env, router := newTestRouter(t)
	env.register(t, "alice", "alice@garden.example", "P@ss1234")

	rec := doJSON(t, router, http.MethodPost, "/login", `{"username":"alice","password":"P@ss1234"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	cookie := refreshCookie(t, rec)
	require.True(t, cookie.HttpOnly)
	require.True(t, cookie.Secure)
	require.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	require.Equal(t, "/auth", cookie.Path)
	require.NotContains(t, rec.Body.String(), cookie.Value)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Bearer", body["tokenType"])
	require.NotEmpty(t, body["accessToken"])
	require.NotContains(t, body, "refreshToken")
}

func TestHandlerLoginErrors(t *testing.T) {
	env, router := newTestRouter(t)
	env.register(t, "alice", "alice@garden.example", "P@ss1234")

	rec := doJSON(t, router, http.MethodPost, "/login", `{"username":"alice","password":"wrong-pass"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/login", `{"username":"alice"`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 4; i++ {
		doJSON(t, router, http.MethodPost, "/login", `{"username":"alice","password":"wrong-pass"}`)
	}
	rec = doJSON(t, router, http.MethodPost, "/login", `{"username":"alice","password":"P@ss1234"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "900", rec.Header().Get("Retry-After"))
}

func TestHandlerRegisterDuplicateIsBadRequest(t *testing.T) {
	env, router := newTestRouter(t)
	env.register(t, "alice", "alice@garden.example", "P@ss1234")

	rec := doJSON(t, router, http.MethodPost, "/register", `{"username":"alice","email":"x@garden.example","password":"P@ss1234"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/register", `{"username":"bob","email":"bob@garden.example","password":"P@ss1234"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	refreshCookie(t, rec)
}

func TestHandlerRefreshUsesCookieOnly(t *testing.T) {
	env, router := newTestRouter(t)
	tokens := env.register(t, "alice", "alice@garden.example", "P@ss1234")

	rec := doJSON(t, router, http.MethodPost, "/refresh-token", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/refresh-token", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: tokens.RefreshToken})
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := refreshCookie(t, rec)
	require.NotEqual(t, tokens.RefreshToken, rotated.Value)

	rec = doJSON(t, router, http.MethodPost, "/refresh-token", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: tokens.RefreshToken})
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerLogoutRevokesCookieToken(t *testing.T) {
	env, router := newTestRouter(t)
	tokens := env.register(t, "alice", "alice@garden.example", "P@ss1234")

	rec := doJSON(t, router, http.MethodPost, "/logout", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/logout", "", withBearer(tokens.AccessToken), func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: tokens.RefreshToken})
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, -1, refreshCookie(t, rec).MaxAge)

	active, err := env.refresh.IsActive(context.Background(), tokens.RefreshToken)
	require.NoError(t, err)
	require.False(t, active)
}

func TestHandlerAcceptsBareJWT(t *testing.T) {
	env, router := newTestRouter(t)
	tokens := env.register(t, "alice", "alice@garden.example", "P@ss1234")

	rec := doJSON(t, router, http.MethodGet, "/me", "", func(r *http.Request) {
		r.Header.Set("Authorization", tokens.AccessToken)
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var profile UserProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	require.Equal(t, "alice", profile.Username)

	rec = doJSON(t, router, http.MethodGet, "/me", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Token "+tokens.AccessToken)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerAdminRoutesRequireAdmin(t *testing.T) {
	env, router := newTestRouter(t)
	viewer := env.register(t, "alice", "alice@garden.example", "P@ss1234")
	require.NoError(t, env.service.BootstrapAdmin(context.Background(), "curator", "curator@garden.example", "Adm1nPassword"))

	rec := doJSON(t, router, http.MethodPost, "/unlock-user/alice", "", withBearer(viewer.AccessToken))
	require.Equal(t, http.StatusForbidden, rec.Code)

	login := doJSON(t, router, http.MethodPost, "/login", `{"username":"curator","password":"Adm1nPassword"}`)
	require.Equal(t, http.StatusOK, login.Code)
	var admin Tokens
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &admin))

	rec = doJSON(t, router, http.MethodPost, "/unlock-user/alice", "", withBearer(admin.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/unlock-user/ghost", "", withBearer(admin.AccessToken))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/users/alice/deactivate", "", withBearer(admin.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/login", `{"username":"alice","password":"P@ss1234"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerTwoFactorChallenge(t *testing.T) {
	env, router := newTestRouter(t)
	tokens := env.register(t, "alice", "alice@garden.example", "P@ss1234")

	rec := doJSON(t, router, http.MethodGet, "/setup-2fa", "", withBearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var setup TwoFactorSetup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))

	code := currentCode(t, setup.Secret, env.clock.Now())
	rec = doJSON(t, router, http.MethodPost, "/enable-2fa", `{"code":"`+code+`"}`, withBearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/verify-2fa", `{"username":"alice","code":"`+code+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/login", `{"username":"alice","password":"P@ss1234"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"requiresTwoFactor":true,"username":"alice"}`, rec.Body.String())
	require.Empty(t, rec.Result().Cookies())

	rec = doJSON(t, router, http.MethodPost, "/verify-2fa", `{"username":"alice","code":"000"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/verify-2fa", `{"username":"alice","code":"`+code+`","rememberMe":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	refreshCookie(t, rec)
}
