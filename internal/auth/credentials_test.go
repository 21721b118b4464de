package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, users *fakeUserStore, username, password string) User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	user := User{
		ID:           "user-" + username,
		Username:     username,
		Email:        username + "@garden.example",
		PasswordHash: hash,
		Role:         RoleStaff,
		Active:       true,
	}
	require.NoError(t, users.CreateUser(context.Background(), user))
	return user
}

func TestVerifyPasswordResults(t *testing.T) {
	clock := newTestClock()
	users := newFakeUserStore()
	seedUser(t, users, "alice", "P@ss1234")
	inactive := seedUser(t, users, "carol", "P@ss1234")
	require.NoError(t, users.SetActive(context.Background(), inactive.ID, false))

	validator := NewCredentialValidator(users, 3, 10*time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
		want     VerificationResult
	}{
		{"success", "alice", "P@ss1234", VerificationSuccess},
		{"case insensitive username", " ALICE ", "P@ss1234", VerificationSuccess},
		{"wrong password", "alice", "nope-nope", VerificationWrongPassword},
		{"unknown user", "mallory", "P@ss1234", VerificationUserNotFound},
		{"empty input", "", "", VerificationUserNotFound},
		{"inactive", "carol", "P@ss1234", VerificationInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := validator.VerifyPassword(ctx, tc.username, tc.password)
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Result)
		})
	}
}

func TestVerifyPasswordLockout(t *testing.T) {
	clock := newTestClock()
	users := newFakeUserStore()
	seedUser(t, users, "alice", "P@ss1234")
	validator := NewCredentialValidator(users, 3, 10*time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := validator.VerifyPassword(ctx, "alice", "bad-password")
		require.NoError(t, err)
		require.Equal(t, VerificationWrongPassword, got.Result)
	}

	got, err := validator.VerifyPassword(ctx, "alice", "bad-password")
	require.NoError(t, err)
	require.Equal(t, VerificationLocked, got.Result)
	require.Equal(t, clock.Now().Add(10*time.Minute), got.LockedUntil)

	got, err = validator.VerifyPassword(ctx, "alice", "P@ss1234")
	require.NoError(t, err)
	require.Equal(t, VerificationLocked, got.Result)

	clock.Advance(10 * time.Minute)
	got, err = validator.VerifyPassword(ctx, "alice", "P@ss1234")
	require.NoError(t, err)
	require.Equal(t, VerificationSuccess, got.Result)
	require.Nil(t, got.User.LockoutUntil)
}

func TestUnlock(t *testing.T) {
	clock := newTestClock()
	users := newFakeUserStore()
	seedUser(t, users, "alice", "P@ss1234")
	validator := NewCredentialValidator(users, 1, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	got, err := validator.VerifyPassword(ctx, "alice", "bad-password")
	require.NoError(t, err)
	require.Equal(t, VerificationLocked, got.Result)

	_, err = validator.Unlock(ctx, "alice")
	require.NoError(t, err)

	got, err = validator.VerifyPassword(ctx, "alice", "P@ss1234")
	require.NoError(t, err)
	require.Equal(t, VerificationSuccess, got.Result)

	_, err = validator.Unlock(ctx, "ghost")
	require.ErrorIs(t, err, ErrUserNotFound)
}
