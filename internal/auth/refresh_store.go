package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour
	refreshTokenBytes = 32
)

// RefreshStore persists opaque refresh tokens by their SHA-256 hash. The raw
// value only exists in memory and in the client's cookie.
type RefreshStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRefreshStore(db *sql.DB) *RefreshStore {
	return &RefreshStore{db: db, now: time.Now}
}

func (s *RefreshStore) WithClock(now func() time.Time) *RefreshStore {
	s.now = now
	return s
}

func (s *RefreshStore) Issue(ctx context.Context, userID string, meta RequestMeta, ttl time.Duration) (IssuedRefreshToken, error) {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}

	raw, err := newRefreshValue()
	if err != nil {
		return IssuedRefreshToken{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(ttl)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, issued_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id.String(), userID, hashRefreshToken(raw), issuedAt, expiresAt, meta.IP, meta.UserAgent)
	if err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}

	return IssuedRefreshToken{Token: raw, UserID: userID, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Rotate exchanges a live token for a successor in one transaction. The row
// lock serializes concurrent rotations of the same token: the loser observes
// the revocation committed by the winner.
func (s *RefreshStore) Rotate(ctx context.Context, rawToken string, meta RequestMeta) (IssuedRefreshToken, error) {
	if rawToken == "" {
		return IssuedRefreshToken{}, ErrRefreshNotFound
	}

	newRaw, err := newRefreshValue()
	if err != nil {
		return IssuedRefreshToken{}, err
	}
	newID, err := uuid.NewV7()
	if err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("generate new refresh token id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var oldID, userID string
	var issuedAt, expiresAt time.Time
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, issued_at, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, hashRefreshToken(rawToken)).Scan(&oldID, &userID, &issuedAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IssuedRefreshToken{}, ErrRefreshNotFound
		}
		return IssuedRefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}

	now := s.now().UTC()
	if revokedAt.Valid {
		return IssuedRefreshToken{}, ErrRefreshRevoked
	}
	if !now.Before(expiresAt.UTC()) {
		return IssuedRefreshToken{}, ErrRefreshExpired
	}

	lifetime := expiresAt.Sub(issuedAt)
	if lifetime <= 0 {
		lifetime = defaultRefreshTTL
	}
	successor := IssuedRefreshToken{Token: newRaw, UserID: userID, IssuedAt: now, ExpiresAt: now.Add(lifetime)}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, issued_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, newID.String(), userID, hashRefreshToken(newRaw), successor.IssuedAt, successor.ExpiresAt, meta.IP, meta.UserAgent)
	if err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now, newID.String())
	if err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("revoke old refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return successor, nil
}

func (s *RefreshStore) Revoke(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, hashRefreshToken(rawToken), s.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RefreshStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

func (s *RefreshStore) IsActive(ctx context.Context, rawToken string) (bool, error) {
	if rawToken == "" {
		return false, nil
	}
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT revoked_at IS NULL AND expires_at > $2
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, hashRefreshToken(rawToken), s.now().UTC()).Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query refresh token state: %w", err)
	}
	return active, nil
}

func newRefreshValue() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
