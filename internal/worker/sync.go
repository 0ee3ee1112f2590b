package worker

import (
	"context"
	"time"

	"github.com/dkovacs/mailsyncd/internal/imap"
	"github.com/dkovacs/mailsyncd/internal/models"
)

const (
	// uidBatchSize is how many UIDs one by-UID search spans.
	uidBatchSize = 100
	// dateLookbackDays is the SINCE slack for cursor-less resyncs. SINCE is
	// day-granular and the message store dedupes by UID, so two days of
	// overlap is safe and cheap.
	dateLookbackDays = 2
	// stallThreshold is how long an account can go without a processed
	// message before the cursor is discarded and rebuilt by date.
	stallThreshold = 24 * time.Hour
)

// mainLoop alternates resync passes with IDLE until the worker is stopped or
// a step fails. Each pass re-checks cursor ownership first: in a cluster,
// two machines can transiently run a worker for the same user, and only the
// one whose in-memory UIDVALIDITY still matches the persisted token may keep
// fetching by UID.
func (w *Worker) mainLoop() error {
	for w.running() {
		if err := w.verifyUIDValidity(); err != nil {
			return err
		}

		if err := w.jumpstartStalledAccount(); err != nil {
			return err
		}

		for w.running() {
			count, err := w.readBatch()
			if err != nil {
				return err
			}
			if count == 0 {
				// Caught up with the server.
				break
			}
		}

		if !w.running() {
			return nil
		}

		if err := w.waitForEmail(); err != nil {
			return err
		}
	}

	return nil
}

// verifyUIDValidity reloads the user record through the bridge and compares
// the persisted UIDVALIDITY token against the one this session observed at
// folder selection. A mismatch means another worker rotated the cursor after
// we selected; continuing to fetch by UID would read the wrong UID space.
func (w *Worker) verifyUIDValidity() error {
	userID := w.user.ID
	var fresh *models.User

	err := w.schedule(func(ctx context.Context) error {
		user, err := w.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		fresh = user
		return nil
	})
	if err != nil {
		return err
	}

	if !w.running() {
		return ErrStopped
	}

	w.user = fresh

	if fresh.LastUIDValidity == nil || *fresh.LastUIDValidity != w.uidValidity {
		return ErrUIDValidityContention
	}

	return nil
}

// jumpstartStalledAccount drops the UID cursor when no message has been
// processed for over 24 hours, forcing the next batch onto the by-date
// strategy. A silently wedged cursor (e.g. after a provider-side migration)
// otherwise goes unnoticed forever on a quiet account.
func (w *Worker) jumpstartStalledAccount() error {
	if w.user.LastEmailAt == nil {
		return nil
	}
	if w.now().Sub(*w.user.LastEmailAt) <= stallThreshold {
		return nil
	}

	userID := w.user.ID
	err := w.schedule(func(ctx context.Context) error {
		return w.store.UpdateLastUID(ctx, userID, nil)
	})
	if err != nil {
		return err
	}

	w.user.LastUID = nil
	return nil
}

// updateUIDValidity runs once after folder selection: record the server's
// UIDVALIDITY on the worker and, if it differs from the persisted token,
// invalidate the cursor. Those two columns change together so last_uid can
// never point into a UID space it does not belong to.
func (w *Worker) updateUIDValidity() error {
	validity, err := w.sess.UIDValidity(w.folderName)
	if err != nil {
		return err
	}

	w.uidValidity = validity

	if w.user.LastUIDValidity != nil && *w.user.LastUIDValidity == validity {
		return nil
	}

	userID := w.user.ID
	err = w.schedule(func(ctx context.Context) error {
		return w.store.UpdateSyncCursor(ctx, userID, nil, &validity)
	})
	if err != nil {
		return err
	}

	w.user.LastUIDValidity = &validity
	w.user.LastUID = nil
	return nil
}

// readBatch runs one search-and-process pass with the strategy the cursor
// allows: by UID when a cursor exists, by date otherwise. Returns the number
// of messages read; zero means caught up.
func (w *Worker) readBatch() (int, error) {
	if w.user.LastUID != nil {
		return w.readEmailByUID()
	}
	return w.readEmailByDate()
}

// readEmailByUID searches the next 100-UID window above the cursor.
func (w *Worker) readEmailByUID() (int, error) {
	lo := uint32(*w.user.LastUID) + 1
	hi := lo + uidBatchSize - 1

	uids, err := w.sess.SearchUIDRange(lo, hi)
	if err != nil {
		return 0, err
	}

	return w.processUIDs(uids)
}

// readEmailByDate searches by internal date when there is no cursor: new
// user, jumpstarted account, or a rotated UID space.
func (w *Worker) readEmailByDate() (int, error) {
	uids, err := w.sess.SearchSince(w.sinceDate())
	if err != nil {
		return 0, err
	}

	return w.processUIDs(uids)
}

// sinceDate is the day-granular lower bound for by-date searches.
func (w *Worker) sinceDate() time.Time {
	return w.now().AddDate(0, 0, -dateLookbackDays)
}

// processUIDs hands each UID to the processor in server order and commits
// the result through the bridge. The batch ends early on a stop signal; the
// UIDs already committed stay committed.
func (w *Worker) processUIDs(uids []uint32) (int, error) {
	count := 0

	for _, uid := range uids {
		if !w.running() {
			return count, nil
		}

		msg, err := w.processor.ProcessUID(context.Background(), w.sess, w.user, w.folderName, uid)
		if err != nil {
			return count, err
		}

		if err := w.commitUID(uid, msg); err != nil {
			return count, err
		}
		count++

		if w.notifier != nil {
			w.notifier.NotifyNewEmail(w.user.ID, w.folderName)
		}
	}

	return count, nil
}

// commitUID persists the processed message and advances the cursor in a
// single pool task, so a crash between messages never skips a UID.
func (w *Worker) commitUID(uid uint32, msg *models.Message) error {
	lastUID := int64(uid)
	emailAt := w.now()
	if msg != nil && msg.SentAt != nil {
		emailAt = *msg.SentAt
	}

	userID := w.user.ID
	err := w.schedule(func(ctx context.Context) error {
		if msg != nil {
			if err := w.store.SaveMessage(ctx, msg); err != nil {
				return err
			}
			for i := range msg.Attachments {
				att := &msg.Attachments[i]
				att.MessageID = msg.ID
				if err := w.store.SaveAttachment(ctx, att); err != nil {
					return err
				}
			}
		}
		if err := w.store.UpdateLastUID(ctx, userID, &lastUID); err != nil {
			return err
		}
		return w.store.UpdateLastEmailAt(ctx, userID, emailAt)
	})
	if err != nil {
		return err
	}

	w.user.LastUID = &lastUID
	w.user.LastEmailAt = &emailAt
	return nil
}

// waitForEmail blocks in IDLE until the server announces new mail (EXISTS),
// says goodbye (BYE), or the stop signal fires. Anything else the server
// pushes while idling is ignored.
func (w *Worker) waitForEmail() error {
	return w.sess.Idle(w.stopCh, func(ev imap.IdleEvent) {
		switch ev.Name {
		case "EXISTS", "BYE":
			w.sess.IdleDone()
		}
	})
}
