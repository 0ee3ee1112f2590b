package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/dkovacs/mailsyncd/internal/imap"
	"github.com/dkovacs/mailsyncd/internal/metrics"
	"github.com/dkovacs/mailsyncd/internal/models"
)

// fakeDaemon implements Daemon with an inline, synchronous bridge: tasks run
// immediately on the caller's goroutine, which preserves the per-user
// ordering guarantee trivially.
type fakeDaemon struct {
	mu           sync.Mutex
	counts       map[string]int
	disconnected []string
	stress       bool
	scheduleErr  error
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{counts: make(map[string]int)}
}

func (d *fakeDaemon) ErrorCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[userID]
}

func (d *fakeDaemon) IncrementErrorCount(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[userID]++
}

func (d *fakeDaemon) Schedule(userID string, task func(ctx context.Context) error) (<-chan error, error) {
	if d.scheduleErr != nil {
		return nil, d.scheduleErr
	}
	reply := make(chan error, 1)
	reply <- task(context.Background())
	return reply, nil
}

func (d *fakeDaemon) DisconnectUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, userID)
}

func (d *fakeDaemon) StressTestMode() bool { return d.stress }

func (d *fakeDaemon) disconnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.disconnected)
}

// fakeStore keeps the authoritative user record separate from the worker's
// in-memory copy, the way the database does, and records write order.
type fakeStore struct {
	mu       sync.Mutex
	user     *models.User
	writes   []string
	messages []*models.Message
}

func newFakeStore(user *models.User) *fakeStore {
	copied := *user
	return &fakeStore{user: &copied}
}

func (s *fakeStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil || s.user.ID != userID {
		return nil, errors.New("user not found")
	}
	copied := *s.user
	return &copied, nil
}

func (s *fakeStore) UpdateSyncCursor(_ context.Context, _ string, lastUID *int64, lastUIDValidity *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.LastUID = lastUID
	s.user.LastUIDValidity = lastUIDValidity
	s.writes = append(s.writes, fmt.Sprintf("cursor:%s/%s", formatUIDPtr(lastUID), formatStrPtr(lastUIDValidity)))
	return nil
}

func (s *fakeStore) UpdateLastUID(_ context.Context, _ string, lastUID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.LastUID = lastUID
	s.writes = append(s.writes, "last_uid:"+formatUIDPtr(lastUID))
	return nil
}

func (s *fakeStore) UpdateLastEmailAt(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.LastEmailAt = &at
	s.writes = append(s.writes, "last_email_at")
	return nil
}

func (s *fakeStore) UpdateLastLoginAt(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.LastLoginAt = &at
	s.writes = append(s.writes, "last_login_at")
	return nil
}

func (s *fakeStore) SaveMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.writes = append(s.writes, fmt.Sprintf("message:%d", msg.IMAPUID))
	return nil
}

func (s *fakeStore) SaveAttachment(_ context.Context, _ *models.Attachment) error {
	return nil
}

func (s *fakeStore) writeLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *fakeStore) persistedUser() models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.user
}

func formatUIDPtr(v *int64) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", *v)
}

func formatStrPtr(v *string) string {
	if v == nil {
		return "nil"
	}
	return *v
}

// fakeSession scripts the IMAP side of a session. Search results and idle
// events are consumed in order; when the idle script runs dry the session
// asks the test to stop the worker, which is how scenarios terminate.
type fakeSession struct {
	mu sync.Mutex

	folders     []string
	uidValidity string
	loginErr    error
	examineErr  error
	listErr     error

	rangeResults [][]uint32
	sinceResults [][]uint32

	rangeCalls [][2]uint32
	sinceCalls []time.Time

	idleScript   [][]imap.IdleEvent
	idleErr      error
	idleCalls    int
	idleDone     bool
	onIdleEmpty  func()
	loggedOut    int
	disconnected int
}

func (s *fakeSession) Login(_, _ string) error { return s.loginErr }

func (s *fakeSession) ListFolders() ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.folders, nil
}

func (s *fakeSession) Examine(_ string) error { return s.examineErr }

func (s *fakeSession) UIDValidity(_ string) (string, error) { return s.uidValidity, nil }

func (s *fakeSession) SearchUIDRange(lo, hi uint32) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rangeCalls = append(s.rangeCalls, [2]uint32{lo, hi})
	if len(s.rangeResults) == 0 {
		return nil, nil
	}
	result := s.rangeResults[0]
	s.rangeResults = s.rangeResults[1:]
	return result, nil
}

func (s *fakeSession) SearchSince(since time.Time) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceCalls = append(s.sinceCalls, since)
	if len(s.sinceResults) == 0 {
		return nil, nil
	}
	result := s.sinceResults[0]
	s.sinceResults = s.sinceResults[1:]
	return result, nil
}

func (s *fakeSession) FetchFullMessage(uid uint32) (*goimap.Message, error) {
	return &goimap.Message{Uid: uid}, nil
}

func (s *fakeSession) Idle(stop <-chan struct{}, handler func(imap.IdleEvent)) error {
	s.mu.Lock()
	s.idleCalls++
	s.idleDone = false
	var events []imap.IdleEvent
	if len(s.idleScript) > 0 {
		events = s.idleScript[0]
		s.idleScript = s.idleScript[1:]
	}
	s.mu.Unlock()

	if s.idleErr != nil {
		return s.idleErr
	}

	for _, ev := range events {
		handler(ev)
		s.mu.Lock()
		done := s.idleDone
		s.mu.Unlock()
		if done {
			return nil
		}
	}

	if s.onIdleEmpty != nil {
		s.onIdleEmpty()
	}
	<-stop
	return nil
}

func (s *fakeSession) IdleDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleDone = true
}

func (s *fakeSession) Logout()     { s.loggedOut++ }
func (s *fakeSession) Disconnect() { s.disconnected++ }

// fakeProcessor records the UIDs it was handed, in order.
type fakeProcessor struct {
	mu        sync.Mutex
	processed []uint32
	err       error
}

func (p *fakeProcessor) ProcessUID(_ context.Context, _ Session, user *models.User, folderName string, uid uint32) (*models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.processed = append(p.processed, uid)
	return &models.Message{
		UserID:         user.ID,
		IMAPUID:        int64(uid),
		IMAPFolderName: folderName,
	}, nil
}

func (p *fakeProcessor) order() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.processed...)
}

type fakeAuth struct {
	err error
}

func (a *fakeAuth) Authenticate(_ Session, _ *models.User) error { return a.err }

type fixture struct {
	daemon  *fakeDaemon
	store   *fakeStore
	sess    *fakeSession
	proc    *fakeProcessor
	auth    *fakeAuth
	metrics *metrics.Registry
	worker  *Worker
}

func newFixture(user *models.User, sess *fakeSession) *fixture {
	f := &fixture{
		daemon:  newFakeDaemon(),
		store:   newFakeStore(user),
		sess:    sess,
		proc:    &fakeProcessor{},
		auth:    &fakeAuth{},
		metrics: metrics.NewRegistry(),
	}

	f.worker = New(f.daemon, user, Options{
		Store:         f.store,
		Dial:          func(*models.User) (Session, error) { return sess, nil },
		Authenticator: f.auth,
		Processor:     f.proc,
		Metrics:       f.metrics,
		Now:           func() time.Time { return time.Date(2024, 11, 7, 12, 0, 0, 0, time.UTC) },
	})

	// Scenario tests end by stopping the worker once the session runs out of
	// scripted idle events.
	sess.onIdleEmpty = f.worker.Stop

	return f
}

func testUser() *models.User {
	return &models.User{
		ID:                 "user-1",
		Email:              "user@example.com",
		IMAPServerHostname: "imap.example.com",
		IMAPServerPort:     993,
		IMAPUseTLS:         true,
		IMAPUsername:       "user@example.com",
		Enabled:            true,
	}
}

func int64Ptr(v int64) *int64    { return &v }
func strPtr(v string) *string    { return &v }
func timePtr(v time.Time) *time.Time { return &v }

func runWithTimeout(t *testing.T, w *Worker) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.Stop()
		t.Fatal("worker did not finish in time")
	}
}

func TestRunAuthFailure(t *testing.T) {
	user := testUser()
	sess := &fakeSession{folders: []string{"INBOX"}, uidValidity: "42"}
	f := newFixture(user, sess)
	f.auth.err = &imap.AuthError{Err: errors.New("invalid credentials")}

	runWithTimeout(t, f.worker)

	if got := f.daemon.ErrorCount("user-1"); got != 1 {
		t.Errorf("expected error count 1, got %d", got)
	}
	for _, write := range f.store.writeLog() {
		if write == "last_login_at" {
			t.Error("last_login_at must not be persisted on auth failure")
		}
	}
	if got := f.metrics.Counter("error.AuthError"); got != 0 {
		t.Errorf("auth failures are logged, not measured; got metric %d", got)
	}
	if f.daemon.disconnectCount() != 1 {
		t.Errorf("expected exactly one disconnect notice, got %d", f.daemon.disconnectCount())
	}
	if sess.loggedOut != 1 || sess.disconnected != 1 {
		t.Errorf("expected logout and disconnect during teardown, got %d/%d", sess.loggedOut, sess.disconnected)
	}
}

func TestRunDialFailureStillTearsDown(t *testing.T) {
	user := testUser()
	sess := &fakeSession{}
	f := newFixture(user, sess)

	dialErr := &imap.IOError{Op: "connect", Err: errors.New("connection refused")}
	f.worker.dial = func(*models.User) (Session, error) { return nil, dialErr }

	runWithTimeout(t, f.worker)

	if f.daemon.disconnectCount() != 1 {
		t.Errorf("expected exactly one disconnect notice, got %d", f.daemon.disconnectCount())
	}
	if got := f.daemon.ErrorCount("user-1"); got != 1 {
		t.Errorf("expected error count 1, got %d", got)
	}
	if got := f.metrics.Counter("error.IOError"); got != 1 {
		t.Errorf("expected error.IOError metric 1, got %d", got)
	}
}

func TestRunNoUsableFolder(t *testing.T) {
	user := testUser()
	sess := &fakeSession{folders: []string{"Drafts", "Spam"}, uidValidity: "42"}
	f := newFixture(user, sess)

	runWithTimeout(t, f.worker)

	if got := f.metrics.Counter("error.ProtocolError"); got != 1 {
		t.Errorf("no matching folder must be a protocol error; got metric %d", got)
	}
	if got := f.daemon.ErrorCount("user-1"); got != 1 {
		t.Errorf("expected error count 1, got %d", got)
	}
}

func TestRunBridgeRejection(t *testing.T) {
	user := testUser()
	sess := &fakeSession{folders: []string{"INBOX"}, uidValidity: "42"}
	f := newFixture(user, sess)
	f.daemon.scheduleErr = errors.New("pool is closed")

	runWithTimeout(t, f.worker)

	if got := f.metrics.Counter("error.BridgeError"); got != 1 {
		t.Errorf("expected error.BridgeError metric 1, got %d", got)
	}
	if f.daemon.disconnectCount() != 1 {
		t.Errorf("expected exactly one disconnect notice, got %d", f.daemon.disconnectCount())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	user := testUser()
	sess := &fakeSession{folders: []string{"INBOX"}, uidValidity: "42"}
	f := newFixture(user, sess)

	f.worker.Stop()
	f.worker.Stop()

	runWithTimeout(t, f.worker)

	if f.daemon.disconnectCount() != 1 {
		t.Errorf("expected exactly one disconnect notice, got %d", f.daemon.disconnectCount())
	}
	if got := f.daemon.ErrorCount("user-1"); got != 0 {
		t.Errorf("stopping is not an error; got count %d", got)
	}
}

func TestDelayedStartEmitsGauge(t *testing.T) {
	tests := []struct {
		name       string
		errorCount int
		wantGauge  bool
	}{
		{name: "zero errors no gauge", errorCount: 0, wantGauge: false},
		{name: "one error no gauge", errorCount: 1, wantGauge: false},
		{name: "two errors emits gauge", errorCount: 2, wantGauge: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := testUser()
			sess := &fakeSession{folders: []string{"INBOX"}, uidValidity: "42"}
			f := newFixture(user, sess)
			f.daemon.counts["user-1"] = tt.errorCount

			// Stop immediately: delayStart should return ErrStopped for a
			// nonzero delay without sleeping it out, and the gauge decision
			// happens before the sleep.
			f.worker.Stop()
			runWithTimeout(t, f.worker)

			_, ok := f.metrics.Gauge("user_thread.delayed_start")
			if ok != tt.wantGauge {
				t.Errorf("gauge emitted = %v, want %v", ok, tt.wantGauge)
			}
		})
	}
}
