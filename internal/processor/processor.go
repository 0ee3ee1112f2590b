package processor

import (
	"context"
	"fmt"

	"github.com/dkovacs/mailsyncd/internal/imap"
	"github.com/dkovacs/mailsyncd/internal/models"
	"github.com/dkovacs/mailsyncd/internal/worker"
)

// Processor is the default per-message pipeline: fetch the full message over
// the worker's own session, parse the MIME payload, and return the model for
// the worker to commit. It holds no state and is shared by all workers.
type Processor struct{}

// New creates a Processor.
func New() *Processor {
	return &Processor{}
}

// ProcessUID fetches and parses one message. The returned message carries
// headers even when the body fails to parse; a missing message (expunged
// between search and fetch) is a protocol-level failure the worker treats
// like any other.
func (p *Processor) ProcessUID(ctx context.Context, sess worker.Session, user *models.User, folderName string, uid uint32) (*models.Message, error) {
	imapMsg, err := sess.FetchFullMessage(uid)
	if err != nil {
		return nil, err
	}

	msg, err := imap.ParseMessage(imapMsg, user.ID, folderName)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %d: %w", uid, err)
	}

	return msg, nil
}
