package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkovacs/mailsyncd/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMessageNotFound is returned when a message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// SaveMessage inserts or updates a message. Messages are keyed by
// (user_id, folder, uid), so re-processing a UID after a worker crash
// overwrites the earlier row instead of duplicating it.
func SaveMessage(ctx context.Context, pool *pgxpool.Pool, msg *models.Message) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO messages (
			user_id,
			imap_uid,
			imap_folder_name,
			message_id_header,
			from_address,
			to_addresses,
			cc_addresses,
			subject,
			sent_at,
			body_text,
			unsafe_body_html,
			is_read,
			is_starred
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, imap_folder_name, imap_uid) DO UPDATE SET
			message_id_header = EXCLUDED.message_id_header,
			from_address = EXCLUDED.from_address,
			to_addresses = EXCLUDED.to_addresses,
			cc_addresses = EXCLUDED.cc_addresses,
			subject = EXCLUDED.subject,
			sent_at = EXCLUDED.sent_at,
			body_text = EXCLUDED.body_text,
			unsafe_body_html = EXCLUDED.unsafe_body_html,
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred
		RETURNING id
	`,
		msg.UserID,
		msg.IMAPUID,
		msg.IMAPFolderName,
		msg.MessageIDHeader,
		msg.FromAddress,
		msg.ToAddresses,
		msg.CCAddresses,
		msg.Subject,
		msg.SentAt,
		msg.BodyText,
		msg.UnsafeBodyHTML,
		msg.IsRead,
		msg.IsStarred,
	).Scan(&msg.ID)

	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// GetMessageByUID returns the message with the given UID in the given folder.
func GetMessageByUID(ctx context.Context, pool *pgxpool.Pool, userID, folderName string, imapUID int64) (*models.Message, error) {
	var msg models.Message

	err := pool.QueryRow(ctx, `
		SELECT
			id,
			user_id,
			imap_uid,
			imap_folder_name,
			message_id_header,
			from_address,
			to_addresses,
			cc_addresses,
			subject,
			sent_at,
			body_text,
			unsafe_body_html,
			is_read,
			is_starred,
			created_at
		FROM messages
		WHERE user_id = $1 AND imap_folder_name = $2 AND imap_uid = $3
	`, userID, folderName, imapUID).Scan(
		&msg.ID,
		&msg.UserID,
		&msg.IMAPUID,
		&msg.IMAPFolderName,
		&msg.MessageIDHeader,
		&msg.FromAddress,
		&msg.ToAddresses,
		&msg.CCAddresses,
		&msg.Subject,
		&msg.SentAt,
		&msg.BodyText,
		&msg.UnsafeBodyHTML,
		&msg.IsRead,
		&msg.IsStarred,
		&msg.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// CountMessages returns the number of stored messages for a user.
func CountMessages(ctx context.Context, pool *pgxpool.Pool, userID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE user_id = $1
	`, userID).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}

	return count, nil
}

// SaveAttachment inserts or updates attachment metadata for a message.
func SaveAttachment(ctx context.Context, pool *pgxpool.Pool, att *models.Attachment) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO attachments (
			message_id,
			filename,
			mime_type,
			size_bytes,
			content_id,
			is_inline
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, filename, content_id) DO UPDATE SET
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			is_inline = EXCLUDED.is_inline
		RETURNING id
	`,
		att.MessageID,
		att.Filename,
		att.MimeType,
		att.SizeBytes,
		att.ContentID,
		att.IsInline,
	).Scan(&att.ID)

	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}

	return nil
}
