package supervisor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/partydesk/partydesk/internal/domain"
)

// ErrLeaseHeld is returned when another process owns the account's session
// lease; the caller must stay passive for that account.
var ErrLeaseHeld = errors.New("session lease held by another process")

// acquireLease takes the single-writer lease for an account. It succeeds when
// the lease is free, expired, or already ours. All coordination happens as a
// read-modify-write on the lease row, never a blind overwrite.
func (s *Supervisor) acquireLease(ctx context.Context, accountID int64) error {
	now := time.Now()
	exp := now.Add(s.leaseTTL)

	res := s.db.WithContext(ctx).Model(&domain.WaSessionLease{}).
		Where("account_id = ? AND (holder = ? OR expires_at < ?)", accountID, s.holder, now).
		Updates(map[string]interface{}{"holder": s.holder, "expires_at": exp, "updated_at": now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "lease: update")
	}
	if res.RowsAffected == 0 {
		lease := domain.WaSessionLease{
			AccountID: accountID,
			Holder:    s.holder,
			ExpiresAt: exp,
			UpdatedAt: now,
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&lease).Error; err != nil {
			return errors.Wrap(err, "lease: create")
		}
	}

	// verify ownership; a concurrent writer may have won the row
	var cur domain.WaSessionLease
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&cur).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLeaseHeld
		}
		return errors.Wrap(err, "lease: verify")
	}
	if cur.Holder != s.holder || cur.ExpiresAt.Before(now) {
		zap.L().Info("supervisor: lease held elsewhere, staying passive",
			zap.Int64("account_id", accountID), zap.String("holder", cur.Holder))
		return ErrLeaseHeld
	}
	return nil
}

// RenewLeases extends every lease this process holds. Called on a fixed
// interval well inside the lease TTL.
func (s *Supervisor) RenewLeases(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&domain.WaSessionLease{}).
		Where("account_id IN ? AND holder = ?", ids, s.holder).
		Updates(map[string]interface{}{"expires_at": now.Add(s.leaseTTL), "updated_at": now}).Error
	if err != nil {
		zap.L().Warn("supervisor: lease renewal failed", zap.Error(err))
	}
}

func (s *Supervisor) releaseLease(ctx context.Context, accountID int64) {
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND holder = ?", accountID, s.holder).
		Delete(&domain.WaSessionLease{}).Error
	if err != nil {
		zap.L().Warn("supervisor: lease release failed",
			zap.Int64("account_id", accountID), zap.Error(err))
	}
}
