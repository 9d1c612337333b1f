package noncestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltyd/models"
)

// ErrNonceReused signals a replayed approval: the nonce was already consumed
// by a prior transaction.
var ErrNonceReused = errors.New("nonce already used")

// Store tracks consumed single-use nonces. Uniqueness is enforced by the
// primary key on the nonces table, not by any in-memory state, so concurrent
// processes share one source of truth.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store backed by the provided database handle.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Reserve inserts the nonce inside tx, which must be the same transaction
// that consumes the session and writes the redeem ledger entry. A duplicate
// key aborts the caller's whole atomic unit with ErrNonceReused.
func (s *Store) Reserve(tx *gorm.DB, nonce string, sessionID uuid.UUID) error {
	trimmed := strings.TrimSpace(nonce)
	if trimmed == "" {
		return errors.New("nonce is required")
	}
	record := models.SessionNonce{
		Nonce:     trimmed,
		SessionID: sessionID,
		CreatedAt: s.now().UTC(),
	}
	if err := tx.Create(&record).Error; err != nil {
		if isDuplicate(err) {
			return ErrNonceReused
		}
		return err
	}
	return nil
}

// Seen reports whether the nonce has already been consumed. Read-only; the
// authoritative check remains the insert in Reserve.
func (s *Store) Seen(ctx context.Context, nonce string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SessionNonce{}).
		Where("nonce = ?", strings.TrimSpace(nonce)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PruneOlderThan archives nonces past the retention horizon. A consumed nonce
// never becomes valid again because its session is terminal; pruning only
// removes rows long past any reconciliation window.
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("retention must be positive")
	}
	cutoff := s.now().UTC().Add(-retention)
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.SessionNonce{})
	return res.RowsAffected, res.Error
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
