package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation          = "23505"
	usernameUniqueConstraint = "users_username_key"
	emailUniqueConstraint    = "users_email_key"
)

// Repository is the PostgreSQL store for users and the auth event log.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

const userColumns = `id, username, email, password_hash, role, two_factor_secret, two_factor_enabled,
		failed_logins, lockout_until, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var role string
	var secret sql.NullString
	var lockoutUntil sql.NullTime
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &role, &secret, &user.TwoFactorEnabled,
		&user.FailedLogins, &lockoutUntil, &user.Active, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	user.Role = Role(role)
	if secret.Valid {
		value := secret.String
		user.TwoFactorSecret = &value
	}
	if lockoutUntil.Valid {
		value := lockoutUntil.Time.UTC()
		user.LockoutUntil = &value
	}
	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, two_factor_enabled, failed_logins, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, 0, $6, $7, $7)
	`, user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role), user.Active, user.CreatedAt.UTC())
	if err != nil {
		if dup := duplicateError(err); dup != nil {
			return dup
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func duplicateError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case emailUniqueConstraint:
		return ErrDuplicateEmail
	default:
		return ErrDuplicateUsername
	}
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

func (r *Repository) RegisterFailedLogin(ctx context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed login tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_logins, lockout_until
		FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET failed_logins = $2, lockout_until = $3, updated_at = $4
		WHERE id = $1
	`, userID, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("update failed logins: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed login tx: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetFailedLogins(ctx context.Context, userID string) error {
	return r.updateUser(ctx, "reset failed logins", `
		UPDATE users
		SET failed_logins = 0, lockout_until = NULL, updated_at = $2
		WHERE id = $1
	`, userID, r.now().UTC())
}

func (r *Repository) SetTwoFactor(ctx context.Context, userID string, secret *string, enabled bool) error {
	var secretValue any
	if secret != nil {
		secretValue = *secret
	}
	return r.updateUser(ctx, "update two-factor", `
		UPDATE users
		SET two_factor_secret = $2, two_factor_enabled = $3, updated_at = $4
		WHERE id = $1
	`, userID, secretValue, enabled, r.now().UTC())
}

func (r *Repository) SetActive(ctx context.Context, userID string, active bool) error {
	return r.updateUser(ctx, "update active flag", `
		UPDATE users
		SET active = $2, updated_at = $3
		WHERE id = $1
	`, userID, active, r.now().UTC())
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return r.updateUser(ctx, "update password", `
		UPDATE users
		SET password_hash = $2, failed_logins = 0, lockout_until = NULL, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, r.now().UTC())
}

func (r *Repository) updateUser(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// EnsureAdmin inserts the bootstrap administrator when the username is free.
// An existing account is left untouched so restarts never reset its password.
func (r *Repository) EnsureAdmin(ctx context.Context, user User) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, two_factor_enabled, failed_logins, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, 0, TRUE, $6, $6)
		ON CONFLICT (username) DO NOTHING
	`, user.ID, user.Username, user.Email, user.PasswordHash, string(RoleAdmin), user.CreatedAt.UTC())
	if err != nil {
		if dup := duplicateError(err); dup != nil {
			return false, dup
		}
		return false, fmt.Errorf("insert admin user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert admin user rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *Repository) AppendAuthLog(ctx context.Context, entry AuthAttemptLog) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate auth log id: %w", err)
		}
		entry.ID = id.String()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now()
	}

	var userID any
	if entry.UserID != nil {
		userID = *entry.UserID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_logs (id, user_id, username, event, outcome, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, userID, entry.Username, string(entry.Event), string(entry.Outcome), entry.IPAddress, entry.UserAgent, entry.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert auth log: %w", err)
	}
	return nil
}

func (r *Repository) ListAuthLogs(ctx context.Context, userID string, limit int) ([]AuthAttemptLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, username, event, outcome, ip_address, user_agent, occurred_at
		FROM auth_logs
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query auth logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuthAttemptLog, 0)
	for rows.Next() {
		var entry AuthAttemptLog
		var owner sql.NullString
		var event, outcome string
		if err := rows.Scan(&entry.ID, &owner, &entry.Username, &event, &outcome, &entry.IPAddress, &entry.UserAgent, &entry.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan auth log: %w", err)
		}
		if owner.Valid {
			value := owner.String
			entry.UserID = &value
		}
		entry.Event = AuthEvent(event)
		entry.Outcome = AuthOutcome(outcome)
		entry.OccurredAt = entry.OccurredAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auth logs: %w", err)
	}

	return logs, nil
}

func (r *Repository) CleanupStaleAuthData(ctx context.Context, refreshRetention, logRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	if logRetention <= 0 {
		logRetention = 30 * 24 * time.Hour
	}

	now := r.now().UTC()
	deletedRefreshTokens, err := r.deleteStaleRefreshTokens(ctx, now, now.Add(-refreshRetention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLogs, err := r.deleteStaleAuthLogs(ctx, now.Add(-logRetention), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedRefreshTokens,
		DeletedAuthLogs:      deletedLogs,
	}, nil
}

func (r *Repository) deleteStaleRefreshTokens(ctx context.Context, now, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY issued_at ASC
			LIMIT $3
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}
	return affected, nil
}

func (r *Repository) deleteStaleAuthLogs(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_logs
			WHERE occurred_at < $1
			ORDER BY occurred_at ASC
			LIMIT $2
		)
		DELETE FROM auth_logs l
		USING stale
		WHERE l.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale auth logs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale auth logs rows affected: %w", err)
	}
	return affected, nil
}
