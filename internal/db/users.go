package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkovacs/mailsyncd/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUserNotFound is returned when a user cannot be found.
var ErrUserNotFound = errors.New("user not found")

const userColumns = `
	id,
	email,
	imap_server_hostname,
	imap_server_port,
	imap_use_tls,
	imap_username,
	encrypted_imap_password,
	enabled,
	last_uid,
	last_uid_validity,
	last_email_at,
	last_login_at,
	created_at,
	updated_at
`

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.IMAPServerHostname,
		&user.IMAPServerPort,
		&user.IMAPUseTLS,
		&user.IMAPUsername,
		&user.EncryptedIMAPPassword,
		&user.Enabled,
		&user.LastUID,
		&user.LastUIDValidity,
		&user.LastEmailAt,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return &user, nil
}

// GetUser returns the user with the given id.
func GetUser(ctx context.Context, pool *pgxpool.Pool, userID string) (*models.User, error) {
	row := pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, userID)

	return scanUser(row)
}

// ListEnabledUsers returns all users that have synchronization enabled.
func ListEnabledUsers(ctx context.Context, pool *pgxpool.Pool) ([]*models.User, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE enabled
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}

	return users, nil
}

// SaveUser inserts the user or updates its account fields if the email
// already exists. The sync cursor columns are left untouched on update.
func SaveUser(ctx context.Context, pool *pgxpool.Pool, user *models.User) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO users (
			email,
			imap_server_hostname,
			imap_server_port,
			imap_use_tls,
			imap_username,
			encrypted_imap_password,
			enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO UPDATE SET
			imap_server_hostname = EXCLUDED.imap_server_hostname,
			imap_server_port = EXCLUDED.imap_server_port,
			imap_use_tls = EXCLUDED.imap_use_tls,
			imap_username = EXCLUDED.imap_username,
			encrypted_imap_password = EXCLUDED.encrypted_imap_password,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING id
	`,
		user.Email,
		user.IMAPServerHostname,
		user.IMAPServerPort,
		user.IMAPUseTLS,
		user.IMAPUsername,
		user.EncryptedIMAPPassword,
		user.Enabled,
	).Scan(&user.ID)

	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	return nil
}

// UpdateSyncCursor sets last_uid and last_uid_validity together. Passing nil
// clears a column; the two always change as a pair so a cursor can never
// point into the wrong UID space.
func UpdateSyncCursor(ctx context.Context, pool *pgxpool.Pool, userID string, lastUID *int64, lastUIDValidity *string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE users
		SET last_uid = $2, last_uid_validity = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, lastUID, lastUIDValidity)

	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// UpdateLastUID advances last_uid without touching the validity token.
func UpdateLastUID(ctx context.Context, pool *pgxpool.Pool, userID string, lastUID *int64) error {
	tag, err := pool.Exec(ctx, `
		UPDATE users
		SET last_uid = $2, updated_at = NOW()
		WHERE id = $1
	`, userID, lastUID)

	if err != nil {
		return fmt.Errorf("failed to update last_uid: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// UpdateLastEmailAt records when a message was last processed for the user.
func UpdateLastEmailAt(ctx context.Context, pool *pgxpool.Pool, userID string, at time.Time) error {
	tag, err := pool.Exec(ctx, `
		UPDATE users
		SET last_email_at = $2, updated_at = NOW()
		WHERE id = $1
	`, userID, at)

	if err != nil {
		return fmt.Errorf("failed to update last_email_at: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// UpdateLastLoginAt records a successful IMAP authentication.
func UpdateLastLoginAt(ctx context.Context, pool *pgxpool.Pool, userID string, at time.Time) error {
	tag, err := pool.Exec(ctx, `
		UPDATE users
		SET last_login_at = $2, updated_at = NOW()
		WHERE id = $1
	`, userID, at)

	if err != nil {
		return fmt.Errorf("failed to update last_login_at: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}
