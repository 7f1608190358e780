package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the tables this package owns. Run it at startup;
// every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL,
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	password_hash TEXT NOT NULL DEFAULT '',
	totp_key      BYTEA,
	recovery_code BYTEA NOT NULL,
	google_id     TEXT UNIQUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS email_verification_requests (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
	email      TEXT NOT NULL,
	code_hash  BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

const uniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The caller owns the pool's
// lifecycle.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("user: migrate: %w", err)
	}
	return nil
}

const userColumns = `id, email, username, email_verified, password_hash, totp_key, recovery_code, COALESCE(google_id, ''), created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.EmailVerified,
		&u.PasswordHash, &u.TOTPKey, &u.RecoveryCode, &u.GoogleID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: scan: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, username, email_verified, password_hash, totp_key, recovery_code, google_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		u.ID, u.Email, u.Username, u.EmailVerified, u.PasswordHash,
		u.TOTPKey, u.RecoveryCode, u.GoogleID, u.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("user: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *PostgresStore) GetByGoogleID(ctx context.Context, googleID string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE google_id = $1`, googleID))
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("user: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.exec(ctx, "update password",
		`UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
}

func (s *PostgresStore) SetEmailVerified(ctx context.Context, id, email string) error {
	return s.exec(ctx, "set email verified",
		`UPDATE users SET email = $2, email_verified = TRUE WHERE id = $1`, id, email)
}

func (s *PostgresStore) SetTOTPKey(ctx context.Context, id string, encryptedKey []byte) error {
	return s.exec(ctx, "set totp key",
		`UPDATE users SET totp_key = $2 WHERE id = $1`, id, encryptedKey)
}

func (s *PostgresStore) SetRecoveryCode(ctx context.Context, id string, encrypted []byte) error {
	return s.exec(ctx, "set recovery code",
		`UPDATE users SET recovery_code = $2 WHERE id = $1`, id, encrypted)
}

func (s *PostgresStore) RotateRecoveryCodeAndClearTOTP(ctx context.Context, id string, matches func(encrypted []byte) bool, next []byte) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("user: rotate recovery code: %w", err)
	}
	defer tx.Rollback(ctx)

	var current []byte
	err = tx.QueryRow(ctx,
		`SELECT recovery_code FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("user: rotate recovery code: %w", err)
	}
	if !matches(current) {
		return false, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET recovery_code = $2, totp_key = NULL WHERE id = $1`, id, next); err != nil {
		return false, fmt.Errorf("user: rotate recovery code: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("user: rotate recovery code: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) CreateEmailVerificationRequest(ctx context.Context, req *EmailVerificationRequest) error {
	// One live request per user. ON CONFLICT on user_id replaces the
	// previous request atomically.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_verification_requests (id, user_id, email, code_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET id = EXCLUDED.id, email = EXCLUDED.email,
		    code_hash = EXCLUDED.code_hash, expires_at = EXCLUDED.expires_at`,
		req.ID, req.UserID, req.Email, req.CodeHash[:], req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("user: create verification request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEmailVerificationRequest(ctx context.Context, userID string) (*EmailVerificationRequest, error) {
	var req EmailVerificationRequest
	var hash []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, email, code_hash, expires_at
		FROM email_verification_requests WHERE user_id = $1`, userID).
		Scan(&req.ID, &req.UserID, &req.Email, &hash, &req.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: get verification request: %w", err)
	}
	copy(req.CodeHash[:], hash)
	return &req, nil
}

func (s *PostgresStore) DeleteEmailVerificationRequest(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM email_verification_requests WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("user: delete verification request: %w", err)
	}
	return nil
}
