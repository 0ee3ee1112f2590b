package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/dkovacs/mailsyncd/internal/imap"
	"github.com/dkovacs/mailsyncd/internal/models"
)

// fetchSession is the minimal Session fake: only FetchFullMessage matters to
// the processor.
type fetchSession struct {
	msg *goimap.Message
	err error
}

func (s *fetchSession) Login(_, _ string) error                        { return nil }
func (s *fetchSession) ListFolders() ([]string, error)                 { return nil, nil }
func (s *fetchSession) Examine(_ string) error                         { return nil }
func (s *fetchSession) UIDValidity(_ string) (string, error)           { return "1", nil }
func (s *fetchSession) SearchUIDRange(_, _ uint32) ([]uint32, error)   { return nil, nil }
func (s *fetchSession) SearchSince(_ time.Time) ([]uint32, error)      { return nil, nil }
func (s *fetchSession) FetchFullMessage(_ uint32) (*goimap.Message, error) {
	return s.msg, s.err
}
func (s *fetchSession) Idle(_ <-chan struct{}, _ func(imap.IdleEvent)) error { return nil }
func (s *fetchSession) IdleDone()                                            {}
func (s *fetchSession) Logout()                                              {}
func (s *fetchSession) Disconnect()                                          {}

func TestProcessUID(t *testing.T) {
	user := &models.User{ID: "user-1", Email: "user@example.com"}

	t.Run("fetches and parses", func(t *testing.T) {
		sess := &fetchSession{
			msg: &goimap.Message{
				Uid: 42,
				Envelope: &goimap.Envelope{
					MessageId: "<parsed@test>",
					Subject:   "Parsed",
				},
			},
		}

		msg, err := New().ProcessUID(context.Background(), sess, user, "INBOX", 42)
		if err != nil {
			t.Fatalf("ProcessUID failed: %v", err)
		}

		if msg.IMAPUID != 42 {
			t.Errorf("Expected UID 42, got %d", msg.IMAPUID)
		}
		if msg.UserID != "user-1" {
			t.Errorf("Expected user id on the message, got %s", msg.UserID)
		}
		if msg.IMAPFolderName != "INBOX" {
			t.Errorf("Expected folder INBOX, got %s", msg.IMAPFolderName)
		}
		if msg.Subject != "Parsed" {
			t.Errorf("Expected subject Parsed, got %s", msg.Subject)
		}
	})

	t.Run("propagates fetch errors", func(t *testing.T) {
		fetchErr := &imap.TimeoutError{Op: "fetch", Err: errors.New("deadline exceeded")}
		sess := &fetchSession{err: fetchErr}

		_, err := New().ProcessUID(context.Background(), sess, user, "INBOX", 42)
		if !errors.Is(err, fetchErr) {
			t.Errorf("Expected the classified fetch error, got %v", err)
		}
	})
}
