package auth

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]User{}}
}

func (s *fakeUserStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == user.Username {
			return ErrDuplicateUsername
		}
		if existing.Email == user.Email {
			return ErrDuplicateEmail
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *fakeUserStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *fakeUserStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *fakeUserStore) RegisterFailedLogin(_ context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if user.LockedAt(now) {
		until := *user.LockoutUntil
		return &until, nil
	}
	user.FailedLogins++
	var locked *time.Time
	if user.FailedLogins >= maxAttempts {
		until := now.Add(lockDuration)
		user.LockoutUntil = &until
		user.FailedLogins = 0
		locked = &until
	}
	s.users[userID] = user
	return locked, nil
}

func (s *fakeUserStore) update(userID string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	fn(&user)
	s.users[userID] = user
	return nil
}

func (s *fakeUserStore) ResetFailedLogins(_ context.Context, userID string) error {
	return s.update(userID, func(u *User) {
		u.FailedLogins = 0
		u.LockoutUntil = nil
	})
}

func (s *fakeUserStore) SetTwoFactor(_ context.Context, userID string, secret *string, enabled bool) error {
	return s.update(userID, func(u *User) {
		u.TwoFactorSecret = secret
		u.TwoFactorEnabled = enabled
	})
}

func (s *fakeUserStore) SetActive(_ context.Context, userID string, active bool) error {
	return s.update(userID, func(u *User) { u.Active = active })
}

func (s *fakeUserStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	return s.update(userID, func(u *User) { u.PasswordHash = passwordHash })
}

func (s *fakeUserStore) EnsureAdmin(ctx context.Context, user User) (bool, error) {
	if _, err := s.GetUserByUsername(ctx, user.Username); err == nil {
		return false, nil
	}
	user.Role = RoleAdmin
	user.Active = true
	if err := s.CreateUser(ctx, user); err != nil {
		return false, err
	}
	return true, nil
}

type fakeLogStore struct {
	mu      sync.Mutex
	entries []AuthAttemptLog
}

func (s *fakeLogStore) AppendAuthLog(_ context.Context, entry AuthAttemptLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeLogStore) ListAuthLogs(_ context.Context, userID string, limit int) ([]AuthAttemptLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuthAttemptLog, 0)
	for _, entry := range s.entries {
		if entry.UserID != nil && *entry.UserID == userID {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeLogStore) events() []AuthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuthEvent, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Event)
	}
	return out
}

type fakeRefreshRecord struct {
	userID    string
	issuedAt  time.Time
	expiresAt time.Time
	revoked   bool
}

// fakeRefreshStore mirrors the row-locking semantics of RefreshStore with a
// mutex standing in for SELECT ... FOR UPDATE.
type fakeRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]*fakeRefreshRecord
	now    func() time.Time
}

func newFakeRefreshStore(now func() time.Time) *fakeRefreshStore {
	return &fakeRefreshStore{tokens: map[string]*fakeRefreshRecord{}, now: now}
}

func (s *fakeRefreshStore) Issue(_ context.Context, userID string, _ RequestMeta, ttl time.Duration) (IssuedRefreshToken, error) {
	raw, err := newRefreshValue()
	if err != nil {
		return IssuedRefreshToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.tokens[hashRefreshToken(raw)] = &fakeRefreshRecord{userID: userID, issuedAt: now, expiresAt: now.Add(ttl)}
	return IssuedRefreshToken{Token: raw, UserID: userID, IssuedAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (s *fakeRefreshStore) Rotate(_ context.Context, rawToken string, _ RequestMeta) (IssuedRefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[hashRefreshToken(rawToken)]
	if !ok {
		return IssuedRefreshToken{}, ErrRefreshNotFound
	}
	if record.revoked {
		return IssuedRefreshToken{}, ErrRefreshRevoked
	}
	now := s.now()
	if !now.Before(record.expiresAt) {
		return IssuedRefreshToken{}, ErrRefreshExpired
	}
	raw, err := newRefreshValue()
	if err != nil {
		return IssuedRefreshToken{}, err
	}
	lifetime := record.expiresAt.Sub(record.issuedAt)
	record.revoked = true
	s.tokens[hashRefreshToken(raw)] = &fakeRefreshRecord{userID: record.userID, issuedAt: now, expiresAt: now.Add(lifetime)}
	return IssuedRefreshToken{Token: raw, UserID: record.userID, IssuedAt: now, ExpiresAt: now.Add(lifetime)}, nil
}

func (s *fakeRefreshStore) Revoke(_ context.Context, rawToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.tokens[hashRefreshToken(rawToken)]; ok {
		record.revoked = true
	}
	return nil
}

func (s *fakeRefreshStore) RevokeAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.tokens {
		if record.userID == userID {
			record.revoked = true
		}
	}
	return nil
}

func (s *fakeRefreshStore) IsActive(_ context.Context, rawToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[hashRefreshToken(rawToken)]
	if !ok {
		return false, nil
	}
	return !record.revoked && s.now().Before(record.expiresAt), nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) ObserveAuthAttempt(event, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[event+"/"+outcome]++
}

func (r *countingRecorder) count(event AuthEvent, outcome AuthOutcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[string(event)+"/"+string(outcome)]
}

type testEnv struct {
	clock    *testClock
	users    *fakeUserStore
	logs     *fakeLogStore
	refresh  *fakeRefreshStore
	codec    *TokenCodec
	recorder *countingRecorder
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newTestClock()
	users := newFakeUserStore()
	logs := &fakeLogStore{}
	refresh := newFakeRefreshStore(clock.Now)
	codec := newTestCodec(clock.Now)
	pending, err := NewPendingLogins(100, 5*time.Minute)
	require.NoError(t, err)

	service := NewService(Dependencies{
		Users:       users,
		Logs:        logs,
		Refresh:     refresh,
		Tokens:      codec,
		Credentials: NewCredentialValidator(users, 5, 15*time.Minute).WithClock(clock.Now),
		TwoFactor:   NewTwoFactorVerifier(users, "Garden").WithClock(clock.Now),
		Pending:     pending,
	})
	service.now = clock.Now
	recorder := &countingRecorder{}
	service.WithObservability(nil, recorder)

	return &testEnv{
		clock:    clock,
		users:    users,
		logs:     logs,
		refresh:  refresh,
		codec:    codec,
		recorder: recorder,
		service:  service,
	}
}

func (e *testEnv) register(t *testing.T, username, email, password string) Tokens {
	t.Helper()
	tokens, err := e.service.Register(context.Background(), RegisterInput{Username: username, Email: email, Password: password}, testMeta)
	require.NoError(t, err)
	return tokens
}
