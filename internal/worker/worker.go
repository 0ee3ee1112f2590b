package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/dkovacs/mailsyncd/internal/imap"
	"github.com/dkovacs/mailsyncd/internal/metrics"
	"github.com/dkovacs/mailsyncd/internal/models"
)

// ErrStopped is returned from any step interrupted by the worker's stop
// signal. It is a clean exit: no error counter increment, no metric.
var ErrStopped = errors.New("worker stopped")

// ErrUIDValidityContention is returned when the persisted UIDVALIDITY token
// no longer matches the one this worker observed at folder selection. It
// means another machine owns the user and has rotated the cursor; the losing
// worker stops silently.
var ErrUIDValidityContention = errors.New("uid validity changed by another worker")

// BridgeError wraps a scheduler-bridge failure: the pool rejected a task or
// a persist inside a task failed. Both are fatal to the worker.
type BridgeError struct {
	Err error
}

func (e *BridgeError) Error() string { return fmt.Sprintf("scheduler bridge: %v", e.Err) }
func (e *BridgeError) Unwrap() error { return e.Err }

// Daemon is the worker's view of its supervisor: shared error counters, the
// bounded task pool, and the dispatch table the worker removes itself from
// during teardown.
type Daemon interface {
	ErrorCount(userID string) int
	IncrementErrorCount(userID string)
	Schedule(userID string, task func(ctx context.Context) error) (<-chan error, error)
	DisconnectUser(userID string)
	StressTestMode() bool
}

// Store is the persistence surface for the user record and processed
// messages. Every call happens inside a pool task; the worker never touches
// it directly.
type Store interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	UpdateSyncCursor(ctx context.Context, userID string, lastUID *int64, lastUIDValidity *string) error
	UpdateLastUID(ctx context.Context, userID string, lastUID *int64) error
	UpdateLastEmailAt(ctx context.Context, userID string, at time.Time) error
	UpdateLastLoginAt(ctx context.Context, userID string, at time.Time) error
	SaveMessage(ctx context.Context, msg *models.Message) error
	SaveAttachment(ctx context.Context, att *models.Attachment) error
}

// Session is the narrow IMAP capability the state machine drives. It is
// implemented by *imap.Client and by fakes in tests.
type Session interface {
	Login(username, password string) error
	ListFolders() ([]string, error)
	Examine(folderName string) error
	UIDValidity(folderName string) (string, error)
	SearchUIDRange(lo, hi uint32) ([]uint32, error)
	SearchSince(since time.Time) ([]uint32, error)
	FetchFullMessage(uid uint32) (*goimap.Message, error)
	Idle(stop <-chan struct{}, handler func(imap.IdleEvent)) error
	IdleDone()
	Logout()
	Disconnect()
}

// Authenticator performs provider-specific authentication on a fresh session.
type Authenticator interface {
	Authenticate(sess Session, user *models.User) error
}

// Processor handles one newly discovered message. It may use the worker's
// session for fetching but must not persist anything itself; the worker
// commits the returned message through the scheduler bridge.
type Processor interface {
	ProcessUID(ctx context.Context, sess Session, user *models.User, folderName string, uid uint32) (*models.Message, error)
}

// Notifier is told about each stored message so interested clients can
// refresh. Optional.
type Notifier interface {
	NotifyNewEmail(userID, folderName string)
}

// preferredFolders is the selection order for the folder to monitor. Gmail
// exposes the complete mailbox as All Mail; everything else gets INBOX.
var preferredFolders = []string{"[Gmail]/All Mail", "[Google Mail]/All Mail", "INBOX"}

// Options carries the collaborators a Worker needs beyond the daemon itself.
type Options struct {
	Store         Store
	Dial          func(user *models.User) (Session, error)
	Authenticator Authenticator
	Processor     Processor
	Notifier      Notifier
	Metrics       *metrics.Registry
	// Now is the clock, replaceable in tests. Defaults to time.Now.
	Now func() time.Time
}

// Worker owns one user's IMAP session for one attempt. The daemon spawns a
// fresh Worker per attempt; there is no in-place retry. Run executes the
// whole lifecycle — backoff, connect, authenticate, select, validate,
// resync/IDLE loop — and unconditionally tears down on every exit path.
type Worker struct {
	daemon    Daemon
	store     Store
	dial      func(user *models.User) (Session, error)
	auth      Authenticator
	processor Processor
	notifier  Notifier
	metrics   *metrics.Registry
	now       func() time.Time

	user *models.User
	sess Session

	folderName  string
	uidValidity string

	stopOnce sync.Once
	stopCh   chan struct{}
	tornDown sync.Once
}

// New creates a worker for a single attempt at syncing the given user.
func New(daemon Daemon, user *models.User, opts Options) *Worker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}

	return &Worker{
		daemon:    daemon,
		store:     opts.Store,
		dial:      opts.Dial,
		auth:      opts.Authenticator,
		processor: opts.Processor,
		notifier:  opts.Notifier,
		metrics:   reg,
		now:       now,
		user:      user,
		stopCh:    make(chan struct{}),
	}
}

// Stop asks the worker to wind down. Idempotent; the worker finishes its
// current step, skips the rest, and still runs teardown.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// running reports whether the stop signal has fired. Every long-running step
// checks this at its natural boundaries.
func (w *Worker) running() bool {
	select {
	case <-w.stopCh:
		return false
	default:
		return true
	}
}

// Run executes a single sync attempt. It never retries internally: any
// failure lands in handleError, and teardown runs no matter what.
func (w *Worker) Run() {
	defer w.teardown()

	if err := w.attempt(); err != nil {
		w.handleError(err)
	}
}

func (w *Worker) attempt() error {
	if err := w.delayStart(); err != nil {
		return err
	}
	if !w.running() {
		return nil
	}

	sess, err := w.dial(w.user)
	if err != nil {
		return err
	}
	w.sess = sess

	if !w.running() {
		return nil
	}
	if err := w.authenticate(); err != nil {
		return err
	}

	if !w.running() {
		return nil
	}
	if err := w.chooseFolder(); err != nil {
		return err
	}

	if !w.running() {
		return nil
	}
	if err := w.updateUIDValidity(); err != nil {
		return err
	}

	return w.mainLoop()
}

// delayStart sleeps min(errors³−1, 300) seconds before connecting, so a
// flapping account backs off sharply while a healthy one reconnects at once.
// The sleep is interruptible by the stop signal.
func (w *Worker) delayStart() error {
	delay := StartDelay(w.daemon.ErrorCount(w.user.ID))
	if delay <= 0 {
		return nil
	}

	w.metrics.SetGauge("user_thread.delayed_start", delay.Seconds())
	if !w.daemon.StressTestMode() {
		log.Printf("worker: delaying start for %s by %s", w.user.Email, delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-w.stopCh:
		return ErrStopped
	}
}

// authenticate runs the provider auth routine and, on success, persists
// last_login_at through the bridge. Credential failures must not mutate the
// user record.
func (w *Worker) authenticate() error {
	if err := w.auth.Authenticate(w.sess, w.user); err != nil {
		return err
	}

	loginAt := w.now()
	userID := w.user.ID
	err := w.schedule(func(ctx context.Context) error {
		return w.store.UpdateLastLoginAt(ctx, userID, loginAt)
	})
	if err != nil {
		return err
	}

	w.user.LastLoginAt = &loginAt
	return nil
}

// chooseFolder lists the mailbox and EXAMINEs the first preferred folder
// that exists. No match is a protocol failure, not a silent pass.
func (w *Worker) chooseFolder() error {
	names, err := w.sess.ListFolders()
	if err != nil {
		return err
	}

	available := make(map[string]bool, len(names))
	for _, name := range names {
		available[name] = true
	}

	for _, candidate := range preferredFolders {
		if available[candidate] {
			w.folderName = candidate
			break
		}
	}

	if w.folderName == "" {
		return &imap.ProtocolError{Op: "list", Err: fmt.Errorf("no usable folder among %v", preferredFolders)}
	}

	return w.sess.Examine(w.folderName)
}

// schedule hands a task to the daemon's pool and suspends until the pool has
// run it. The stop signal interrupts the wait; the reply channel is buffered
// so the executor never blocks on an abandoned wait.
func (w *Worker) schedule(task func(ctx context.Context) error) error {
	reply, err := w.daemon.Schedule(w.user.ID, task)
	if err != nil {
		return &BridgeError{Err: err}
	}

	select {
	case err := <-reply:
		if err != nil {
			return &BridgeError{Err: err}
		}
		return nil
	case <-w.stopCh:
		return ErrStopped
	}
}

// handleError maps a failed attempt to its disposition: credential failures
// are quiet and counted, a lost UIDVALIDITY race is silent and NOT counted,
// a stop is clean, and everything else is logged, counted and measured.
func (w *Worker) handleError(err error) {
	switch {
	case errors.Is(err, ErrStopped):
		// Clean shutdown.
	case errors.Is(err, ErrUIDValidityContention):
		// Expected concurrency outcome; the surviving worker owns the user.
		if !w.daemon.StressTestMode() {
			log.Printf("worker: %s is owned elsewhere, standing down", w.user.Email)
		}
	case imap.IsAuthError(err):
		log.Printf("worker: authentication failed for %s: %v", w.user.Email, err)
		w.daemon.IncrementErrorCount(w.user.ID)
	default:
		log.Printf("worker: sync failed for %s: %v", w.user.Email, err)
		if !w.daemon.StressTestMode() {
			w.metrics.Increment("error." + errorClass(err))
		}
		w.daemon.IncrementErrorCount(w.user.ID)
	}
}

// errorClass names the error kind for the per-class metric.
func errorClass(err error) string {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return "BridgeError"
	}
	return imap.ClassName(err)
}

// teardown runs exactly once on every exit path: flag the stop, tell the
// daemon to drop the user from its dispatch table, close the connection with
// all errors swallowed, and release every reference.
func (w *Worker) teardown() {
	w.tornDown.Do(func() {
		w.Stop()

		email := w.user.Email
		w.daemon.DisconnectUser(w.user.ID)

		if w.sess != nil {
			w.sess.Logout()
			w.sess.Disconnect()
		}

		w.sess = nil
		w.daemon = nil
		w.user = nil

		log.Printf("Disconnected %s.", email)
	})
}
