// Package chat persists conversation threads and messages under canonical
// thread identifiers.
package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/identity"
	"github.com/partydesk/partydesk/pkg/common"
)

// Repository handles thread and message persistence. All writes are
// merge/append based so concurrent writers converge instead of clobbering.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// EnsureThread returns the thread for an account/peer pair, creating it when
// missing. An archived thread with a redirect pointer forwards to its
// replacement so writers still holding the old id converge on the new one.
func (r *Repository) EnsureThread(ctx context.Context, accountID int64, peer identity.PeerIdentifier) (*domain.ChatThread, error) {
	id := identity.ThreadID(accountID, peer)
	for i := 0; i < 3; i++ {
		var thread domain.ChatThread
		err := r.db.WithContext(ctx).Where("id = ?", id).First(&thread).Error
		switch {
		case err == nil:
			if thread.Archived && thread.RedirectTo != "" {
				id = thread.RedirectTo
				continue
			}
			return &thread, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			thread = domain.ChatThread{
				ID:        id,
				AccountID: accountID,
				PeerID:    peer.Value,
				PeerKind:  string(peer.Kind),
			}
			if err := r.db.WithContext(ctx).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&thread).Error; err != nil {
				return nil, errors.Wrap(err, "chat: create thread")
			}
			return &thread, nil
		default:
			return nil, errors.Wrap(err, "chat: load thread")
		}
	}
	return nil, errors.Errorf("chat: redirect chain too deep for thread %s", id)
}

// SaveMessage persists one message. The (thread, client message id) unique
// index makes replays a no-op, so retries and backfills are safe.
func (r *Repository) SaveMessage(ctx context.Context, threadID, clientMsgID, direction, body string, sentAt time.Time) error {
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	msg := domain.ChatMessage{
		ID:          common.UUIDint64(),
		ThreadID:    threadID,
		ClientMsgID: clientMsgID,
		Direction:   direction,
		Body:        body,
		SentAt:      sentAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}, {Name: "client_msg_id"}},
			DoNothing: true,
		}).
		Create(&msg).Error
	return errors.Wrap(err, "chat: save message")
}

// Messages returns a thread's messages ordered by send time.
func (r *Repository) Messages(ctx context.Context, threadID string, limit int) ([]domain.ChatMessage, error) {
	var msgs []domain.ChatMessage
	q := r.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("sent_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&msgs).Error
	return msgs, err
}

// MigrateThread moves every message from oldID to newID and archives the old
// thread with a redirect pointer. It runs when a linked-identifier peer later
// resolves to a phone form. The old thread row is kept so references held by
// concurrent writers never dangle; message moves are update-based, so a
// message already present under the new id (same client id) is left as-is.
func (r *Repository) MigrateThread(ctx context.Context, accountID int64, oldID string, peer identity.PeerIdentifier) (string, error) {
	newID := identity.ThreadID(accountID, peer)
	if newID == oldID {
		return newID, nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old domain.ChatThread
		if err := tx.Where("id = ?", oldID).First(&old).Error; err != nil {
			return errors.Wrap(err, "chat: load source thread")
		}
		if old.Archived {
			// already migrated; nothing to move
			return nil
		}
		target := domain.ChatThread{
			ID:        newID,
			AccountID: accountID,
			PeerID:    peer.Value,
			PeerKind:  string(peer.Kind),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&target).Error; err != nil {
			return errors.Wrap(err, "chat: create target thread")
		}
		// Move only messages whose client id is not already present under
		// the target thread; replayed duplicates stay behind on the archived
		// thread instead of violating the unique index.
		if err := tx.Model(&domain.ChatMessage{}).
			Where("thread_id = ? AND client_msg_id NOT IN (?)", oldID,
				tx.Model(&domain.ChatMessage{}).Select("client_msg_id").Where("thread_id = ?", newID)).
			Update("thread_id", newID).Error; err != nil {
			return errors.Wrap(err, "chat: move messages")
		}
		if err := tx.Model(&domain.ChatThread{}).
			Where("id = ?", oldID).
			Updates(map[string]interface{}{
				"archived":    true,
				"redirect_to": newID,
			}).Error; err != nil {
			return errors.Wrap(err, "chat: archive source thread")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	zap.L().Info("chat: thread migrated",
		zap.String("from", oldID), zap.String("to", newID))
	return newID, nil
}

// UnresolvedLinkedThreads lists active threads still keyed by a linked
// identifier, candidates for migration once the reverse map learns more.
func (r *Repository) UnresolvedLinkedThreads(ctx context.Context, accountID int64) ([]domain.ChatThread, error) {
	var threads []domain.ChatThread
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND peer_kind = ? AND archived = ?", accountID, string(identity.KindLinked), false).
		Find(&threads).Error
	return threads, err
}
