package models

import (
	"time"
)

// Message represents a synchronized email message.
type Message struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	IMAPUID         int64        `json:"imap_uid"`
	IMAPFolderName  string       `json:"imap_folder_name"`
	MessageIDHeader string       `json:"message_id_header"`
	FromAddress     string       `json:"from_address"`
	ToAddresses     []string     `json:"to_addresses"`
	CCAddresses     []string     `json:"cc_addresses"`
	Subject         string       `json:"subject"`
	SentAt          *time.Time   `json:"sent_at"`
	BodyText        string       `json:"body_text"`
	UnsafeBodyHTML  string       `json:"unsafe_body_html"`
	IsRead          bool         `json:"is_read"`
	IsStarred       bool         `json:"is_starred"`
	Attachments     []Attachment `json:"attachments"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Attachment holds metadata about a message attachment. The content itself
// stays on the IMAP server; only what is needed to list and re-fetch it is
// stored.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	ContentID string `json:"content_id"`
	IsInline  bool   `json:"is_inline"`
}
