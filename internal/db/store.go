package db

import (
	"context"
	"time"

	"github.com/dkovacs/mailsyncd/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the user-record and message persistence operations behind a
// value the daemon can hand to its workers. All methods run on the caller's
// context — in practice, inside a pool task.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return GetUser(ctx, s.pool, userID)
}

func (s *Store) UpdateSyncCursor(ctx context.Context, userID string, lastUID *int64, lastUIDValidity *string) error {
	return UpdateSyncCursor(ctx, s.pool, userID, lastUID, lastUIDValidity)
}

func (s *Store) UpdateLastUID(ctx context.Context, userID string, lastUID *int64) error {
	return UpdateLastUID(ctx, s.pool, userID, lastUID)
}

func (s *Store) UpdateLastEmailAt(ctx context.Context, userID string, at time.Time) error {
	return UpdateLastEmailAt(ctx, s.pool, userID, at)
}

func (s *Store) UpdateLastLoginAt(ctx context.Context, userID string, at time.Time) error {
	return UpdateLastLoginAt(ctx, s.pool, userID, at)
}

func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	return SaveMessage(ctx, s.pool, msg)
}

func (s *Store) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	return SaveAttachment(ctx, s.pool, att)
}
