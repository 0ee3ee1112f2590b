package daemon

import (
	"context"
	"log"
	"sync"

	"github.com/dkovacs/mailsyncd/internal/config"
	"github.com/dkovacs/mailsyncd/internal/crypto"
	"github.com/dkovacs/mailsyncd/internal/db"
	"github.com/dkovacs/mailsyncd/internal/imap"
	"github.com/dkovacs/mailsyncd/internal/metrics"
	"github.com/dkovacs/mailsyncd/internal/models"
	"github.com/dkovacs/mailsyncd/internal/processor"
	"github.com/dkovacs/mailsyncd/internal/websocket"
	"github.com/dkovacs/mailsyncd/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Daemon supervises one sync worker per enabled user. It owns everything the
// workers share: the bounded task pool, the per-user error counters, the
// dispatch table, and the notification hub. Workers are crash-only — a
// worker runs a single attempt and the daemon spawns a fresh one for the
// next; backoff against a flapping account lives in the worker's delayed
// start, fed by the counters kept here.
type Daemon struct {
	store     *db.Store
	pool      *Pool
	encryptor *crypto.Encryptor
	hub       *websocket.Hub
	metrics   *metrics.Registry
	processor worker.Processor

	stressTest bool

	mu          sync.Mutex
	errorCounts map[string]int
	workers     map[string]*worker.Worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Daemon from its collaborators.
func New(cfg *config.Config, dbPool *pgxpool.Pool, encryptor *crypto.Encryptor, hub *websocket.Hub) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       db.NewStore(dbPool),
		pool:        NewPool(cfg.PoolWorkers),
		encryptor:   encryptor,
		hub:         hub,
		metrics:     metrics.NewRegistry(),
		processor:   processor.New(),
		stressTest:  cfg.StressTestMode,
		errorCounts: make(map[string]int),
		workers:     make(map[string]*worker.Worker),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Metrics exposes the daemon's metric registry.
func (d *Daemon) Metrics() *metrics.Registry {
	return d.metrics
}

// Run loads all enabled users, starts a supervisor for each, and blocks
// until the context is canceled. Shutdown stops every worker, waits for
// their teardowns, then closes the task pool.
func (d *Daemon) Run(ctx context.Context, dbPool *pgxpool.Pool) error {
	users, err := db.ListEnabledUsers(ctx, dbPool)
	if err != nil {
		return err
	}

	log.Printf("daemon: starting sync for %d users", len(users))

	for _, user := range users {
		d.StartUser(user)
	}

	<-ctx.Done()
	d.Shutdown()
	return nil
}

// StartUser launches the supervisor loop for one user: spawn a worker, wait
// for it to finish its single attempt, spawn the next. The loop ends when
// the daemon shuts down.
func (d *Daemon) StartUser(user *models.User) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			// Each attempt re-reads the user record so credential or
			// endpoint changes take effect on respawn.
			attemptUser, err := d.store.GetUser(d.ctx, user.ID)
			if err != nil {
				log.Printf("daemon: failed to reload user %s: %v", user.Email, err)
				return
			}
			if !attemptUser.Enabled {
				log.Printf("daemon: user %s disabled, stopping supervision", user.Email)
				return
			}

			var notifier worker.Notifier
			if d.hub != nil {
				notifier = d.hub
			}

			w := worker.New(d, attemptUser, worker.Options{
				Store:         d.store,
				Dial:          d.dialSession,
				Authenticator: &passwordAuthenticator{encryptor: d.encryptor},
				Processor:     d.processor,
				Notifier:      notifier,
				Metrics:       d.metrics,
			})

			d.registerWorker(user.ID, w)

			// Propagate daemon shutdown into the running worker.
			runDone := make(chan struct{})
			go func() {
				select {
				case <-d.ctx.Done():
					w.Stop()
				case <-runDone:
				}
			}()

			w.Run()
			close(runDone)
		}
	}()
}

// dialSession opens the IMAP connection for a user's provider endpoint.
func (d *Daemon) dialSession(user *models.User) (worker.Session, error) {
	client, err := imap.Dial(user.Provider().Address(), user.IMAPUseTLS)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// registerWorker records the worker in the dispatch table, stopping any
// stale entry for the same user first.
func (d *Daemon) registerWorker(userID string, w *worker.Worker) {
	d.mu.Lock()
	old := d.workers[userID]
	d.workers[userID] = w
	d.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

// DisconnectUser removes the user from the dispatch table. Called by the
// worker itself during teardown; idempotent.
func (d *Daemon) DisconnectUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, userID)
}

// ErrorCount returns the number of errors recorded for the user since the
// daemon started or since the last ResetErrorCount.
func (d *Daemon) ErrorCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorCounts[userID]
}

// IncrementErrorCount bumps the user's error count by one.
func (d *Daemon) IncrementErrorCount(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errorCounts[userID]++
}

// ResetErrorCount clears the user's error count. Neither the daemon nor the
// worker calls it; a successful session leaves the count unchanged.
func (d *Daemon) ResetErrorCount(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.errorCounts, userID)
}

// Schedule submits a task to the bounded pool, keyed by user so one user's
// tasks serialize on a consistent slot.
func (d *Daemon) Schedule(userID string, task func(ctx context.Context) error) (<-chan error, error) {
	return d.pool.Submit(userID, task)
}

// StressTestMode reports whether verbose logs and metrics are suppressed.
func (d *Daemon) StressTestMode() bool {
	return d.stressTest
}

// Shutdown stops all workers, waits for their teardowns, and closes the pool.
func (d *Daemon) Shutdown() {
	d.cancel()

	d.mu.Lock()
	workers := make([]*worker.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	d.wg.Wait()
	d.pool.Close()

	log.Printf("daemon: stopped")
}

// passwordAuthenticator is the default provider auth routine: decrypt the
// stored password and LOGIN. A credential that fails to decrypt is as
// rejected as one the server refuses.
type passwordAuthenticator struct {
	encryptor *crypto.Encryptor
}

func (a *passwordAuthenticator) Authenticate(sess worker.Session, user *models.User) error {
	password, err := a.encryptor.Decrypt(user.EncryptedIMAPPassword)
	if err != nil {
		return &imap.AuthError{Err: err}
	}

	return sess.Login(user.IMAPUsername, password)
}
