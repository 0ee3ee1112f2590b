package models

import (
	"fmt"
	"time"
)

// User represents one synchronized mailbox account.
//
// LastUID and LastUIDValidity together form the sync cursor: LastUID is the
// highest IMAP UID the pipeline has processed, and LastUIDValidity names the
// UID space that number belongs to. Both are nullable; a null LastUID means
// the cursor is invalid and the next resync falls back to a date search.
type User struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	IMAPServerHostname    string     `json:"imap_server_hostname"`
	IMAPServerPort        int        `json:"imap_server_port"`
	IMAPUseTLS            bool       `json:"imap_use_tls"`
	IMAPUsername          string     `json:"imap_username"`
	EncryptedIMAPPassword []byte     `json:"-"`
	Enabled               bool       `json:"enabled"`
	LastUID               *int64     `json:"last_uid"`
	LastUIDValidity       *string    `json:"last_uid_validity"`
	LastEmailAt           *time.Time `json:"last_email_at"`
	LastLoginAt           *time.Time `json:"last_login_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Provider is the IMAP endpoint a user's worker connects to.
type Provider struct {
	Hostname string
	Port     int
	UseTLS   bool
}

// Provider returns the IMAP endpoint for this user.
func (u *User) Provider() Provider {
	return Provider{
		Hostname: u.IMAPServerHostname,
		Port:     u.IMAPServerPort,
		UseTLS:   u.IMAPUseTLS,
	}
}

// Address returns the host:port form of the provider endpoint.
func (p Provider) Address() string {
	return fmt.Sprintf("%s:%d", p.Hostname, p.Port)
}
