package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkovacs/mailsyncd/internal/models"
	"github.com/dkovacs/mailsyncd/internal/testutil"
)

func TestSaveMessage(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()

	user := &models.User{
		Email:                 "messages@example.com",
		IMAPServerHostname:    "imap.example.com",
		IMAPServerPort:        993,
		IMAPUseTLS:            true,
		IMAPUsername:          "messages@example.com",
		EncryptedIMAPPassword: []byte("x"),
		Enabled:               true,
	}
	if err := SaveUser(ctx, pool, user); err != nil {
		t.Fatalf("Failed to save user: %v", err)
	}

	sentAt := time.Now().UTC().Truncate(time.Millisecond)
	msg := &models.Message{
		UserID:          user.ID,
		IMAPUID:         105,
		IMAPFolderName:  "INBOX",
		MessageIDHeader: "<first@test>",
		FromAddress:     "from@test.com",
		ToAddresses:     []string{"to@test.com"},
		Subject:         "First",
		SentAt:          &sentAt,
		BodyText:        "hello",
		IsRead:          true,
	}

	t.Run("insert and read back", func(t *testing.T) {
		if err := SaveMessage(ctx, pool, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
		if msg.ID == "" {
			t.Fatal("SaveMessage did not return an id")
		}

		loaded, err := GetMessageByUID(ctx, pool, user.ID, "INBOX", 105)
		if err != nil {
			t.Fatalf("GetMessageByUID failed: %v", err)
		}
		if loaded.Subject != "First" {
			t.Errorf("Expected subject First, got %s", loaded.Subject)
		}
		if loaded.SentAt == nil || !loaded.SentAt.Equal(sentAt) {
			t.Errorf("Expected sent_at %v, got %v", sentAt, loaded.SentAt)
		}
		if len(loaded.ToAddresses) != 1 || loaded.ToAddresses[0] != "to@test.com" {
			t.Errorf("Expected to_addresses round trip, got %v", loaded.ToAddresses)
		}
	})

	t.Run("re-saving the same UID is idempotent", func(t *testing.T) {
		msg.Subject = "First (reprocessed)"
		if err := SaveMessage(ctx, pool, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}

		count, err := CountMessages(ctx, pool, user.ID)
		if err != nil {
			t.Fatalf("CountMessages failed: %v", err)
		}
		if count != 1 {
			t.Errorf("Expected exactly one row after reprocessing, got %d", count)
		}

		loaded, err := GetMessageByUID(ctx, pool, user.ID, "INBOX", 105)
		if err != nil {
			t.Fatalf("GetMessageByUID failed: %v", err)
		}
		if loaded.Subject != "First (reprocessed)" {
			t.Errorf("Expected updated subject, got %s", loaded.Subject)
		}
	})

	t.Run("missing message returns sentinel", func(t *testing.T) {
		_, err := GetMessageByUID(ctx, pool, user.ID, "INBOX", 9999)
		if !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("Expected ErrMessageNotFound, got %v", err)
		}
	})

	t.Run("attachments", func(t *testing.T) {
		att := &models.Attachment{
			MessageID: msg.ID,
			Filename:  "report.pdf",
			MimeType:  "application/pdf",
			SizeBytes: 1024,
		}
		if err := SaveAttachment(ctx, pool, att); err != nil {
			t.Fatalf("SaveAttachment failed: %v", err)
		}
		if att.ID == "" {
			t.Error("SaveAttachment did not return an id")
		}

		// Idempotent on the same (message, filename, content id).
		if err := SaveAttachment(ctx, pool, att); err != nil {
			t.Fatalf("SaveAttachment failed on re-save: %v", err)
		}
	})
}
