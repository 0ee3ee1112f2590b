package imap

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

const (
	// dialTimeout bounds the TCP/TLS handshake.
	dialTimeout = 5 * time.Second
	// commandTimeout bounds every IMAP command round trip.
	commandTimeout = 30 * time.Second
	// idlePollInterval is the NOOP fallback cadence for servers without IDLE.
	idlePollInterval = 30 * time.Second
)

// Client is a narrow façade over one IMAP connection, exposing exactly the
// operations the sync worker needs. A Client is owned by a single worker for
// its whole life and is not safe for concurrent use, except for IdleDone
// which may be called from the IDLE handler or a stop watcher.
type Client struct {
	conn *imapclient.Client

	idleMu   sync.Mutex
	idleStop chan struct{}
}

// IdleEvent is one untagged server response observed while idling. Name is
// the IMAP response name the worker branches on: "EXISTS", "EXPUNGE" or "BYE".
type IdleEvent struct {
	Name string
}

// Dial connects to the IMAP server with a 5-second dial timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
func Dial(addr string, useTLS bool) (*Client, error) {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}

	var conn *imapclient.Client
	var err error
	if useTLS {
		conn, err = imapclient.DialWithDialerTLS(dialer, addr, nil)
	} else {
		conn, err = imapclient.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, Classify("connect", fmt.Errorf("failed to dial %s: %w", addr, err))
	}

	conn.Timeout = commandTimeout

	return &Client{conn: conn}, nil
}

// Login authenticates with the IMAP server. Anything the server refuses here
// is credential-class unless the socket itself died.
func (c *Client) Login(username, password string) error {
	if err := c.conn.Login(username, password); err != nil {
		if isConnectionError(err) {
			return &IOError{Op: "login", Err: err}
		}
		return &AuthError{Err: err}
	}

	return nil
}

// ListFolders returns the names of all folders visible under `LIST "" "*"`.
func (c *Client) ListFolders() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)

	go func() {
		done <- c.conn.List("", "*", mailboxes)
	}()

	var names []string
	for mb := range mailboxes {
		names = append(names, mb.Name)
	}

	if err := <-done; err != nil {
		return nil, Classify("list", err)
	}

	return names, nil
}

// Examine selects the folder read-only.
func (c *Client) Examine(folderName string) error {
	if _, err := c.conn.Select(folderName, true); err != nil {
		return Classify("examine", err)
	}

	return nil
}

// UIDValidity returns the server's UIDVALIDITY for the folder as a string,
// the form it is persisted and compared in.
func (c *Client) UIDValidity(folderName string) (string, error) {
	status, err := c.conn.Status(folderName, []imap.StatusItem{imap.StatusUidValidity})
	if err != nil {
		return "", Classify("status", err)
	}

	return strconv.FormatUint(uint64(status.UidValidity), 10), nil
}

// SearchUIDRange runs `UID SEARCH UID lo:hi` and returns matching UIDs in
// server order.
func (c *Client) SearchUIDRange(lo, hi uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lo, hi)

	uids, err := c.conn.UidSearch(criteria)
	if err != nil {
		return nil, Classify("uid search", err)
	}

	return uids, nil
}

// SearchSince runs `UID SEARCH SINCE <date>`. The SINCE argument is
// day-granular; the library formats it as dd-Mon-yyyy per RFC 3501.
func (c *Client) SearchSince(since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := c.conn.UidSearch(criteria)
	if err != nil {
		return nil, Classify("uid search", err)
	}

	return uids, nil
}

// FetchFullMessage fetches one message by UID: envelope, flags and body
// structure first, then the full body section.
func (c *Client) FetchFullMessage(uid uint32) (*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchBodyStructure,
		imap.FetchFlags,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- c.conn.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	if err := <-done; err != nil {
		return nil, Classify("fetch", err)
	}
	if msg == nil {
		return nil, &ProtocolError{Op: "fetch", Err: fmt.Errorf("server did not return message %d", uid)}
	}

	// Second round trip for the body itself.
	section := &imap.BodySectionName{}
	bodyItems := []imap.FetchItem{section.FetchItem()}

	bodyMessages := make(chan *imap.Message, 1)
	bodyDone := make(chan error, 1)

	go func() {
		bodyDone <- c.conn.UidFetch(seqSet, bodyItems, bodyMessages)
	}()

	bodyMsg := <-bodyMessages
	if err := <-bodyDone; err != nil {
		return nil, Classify("fetch", err)
	}
	if bodyMsg != nil {
		msg.Body = bodyMsg.Body
	}

	return msg, nil
}

// Idle enters IMAP IDLE and blocks until IdleDone is called (typically from
// inside the handler), the stop channel fires, or the connection drops. The
// handler receives one event per untagged response the worker cares about.
// Servers without IDLE are polled with NOOP instead.
func (c *Client) Idle(stop <-chan struct{}, handler func(IdleEvent)) error {
	c.idleMu.Lock()
	c.idleStop = make(chan struct{})
	innerStop := c.idleStop
	c.idleMu.Unlock()

	updates := make(chan imapclient.Update, 16)
	c.conn.Updates = updates
	defer func() {
		c.conn.Updates = nil
	}()

	idleClient := idle.NewClient(c.conn)
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(innerStop, idlePollInterval)
	}()

	for {
		select {
		case <-stop:
			c.IdleDone()
			// Keep draining updates until the IDLE command unwinds.
			stop = nil
		case err := <-done:
			if err != nil {
				return Classify("idle", err)
			}
			return nil
		case update := <-updates:
			if ev, ok := idleEventFor(update); ok && handler != nil {
				handler(ev)
			}
		}
	}
}

// idleEventFor maps a client update to the event name the worker handles.
func idleEventFor(update imapclient.Update) (IdleEvent, bool) {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		// The server announced a new message count: an untagged EXISTS.
		return IdleEvent{Name: "EXISTS"}, true
	case *imapclient.ExpungeUpdate:
		return IdleEvent{Name: "EXPUNGE"}, true
	case *imapclient.StatusUpdate:
		if u.Status != nil && u.Status.Type == imap.StatusRespBye {
			return IdleEvent{Name: "BYE"}, true
		}
	}
	return IdleEvent{}, false
}

// IdleDone terminates the current Idle call. Safe to call more than once and
// when no IDLE is running.
func (c *Client) IdleDone() {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()

	if c.idleStop == nil {
		return
	}

	select {
	case <-c.idleStop:
		// Already closed.
	default:
		close(c.idleStop)
	}
}

// Logout attempts a graceful LOGOUT with a short deadline. Errors are
// swallowed: by the time teardown runs the connection may already be gone.
func (c *Client) Logout() {
	if c.conn == nil {
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- c.conn.Logout()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// Disconnect force-closes the connection. Safe on a dead or logged-out
// connection; never returns an error to the worker.
func (c *Client) Disconnect() {
	if c.conn == nil {
		return
	}

	_ = c.conn.Terminate()
}
