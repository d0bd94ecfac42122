// Package incident records operator-visible operational conditions. An
// incident type has at most one open record at a time; conditions close by
// stamping the end time, never by deletion.
package incident

import (
	"context"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/pkg/common"
)

const (
	TopicOpened = "incident:opened"
	TopicClosed = "incident:closed"
)

type Service struct {
	db  *gorm.DB
	bus EventBus.Bus
}

func NewService(db *gorm.DB, bus EventBus.Bus) *Service {
	return &Service{db: db, bus: bus}
}

// Open creates an incident of the given type unless one is already open.
// Returns the open incident either way; created reports whether this call
// created it. The insert targets the open-marker unique index, so two
// processes racing on the same condition still produce a single record.
func (s *Service) Open(ctx context.Context, itype, reason, details string) (*domain.Incident, bool, error) {
	inc := domain.Incident{
		ID:       common.UUIDint64(),
		Type:     itype,
		OpenType: &itype,
		Status:   domain.IncidentOpen,
		Reason:   reason,
		Details:  details,
		StartAt:  time.Now(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "open_type"}},
			DoNothing: true,
		}).
		Create(&inc)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "incident: create")
	}
	if res.RowsAffected == 0 {
		// another writer holds the open incident of this type
		var existing domain.Incident
		if err := s.db.WithContext(ctx).
			Where("type = ? AND status = ?", itype, domain.IncidentOpen).
			First(&existing).Error; err != nil {
			return nil, false, errors.Wrap(err, "incident: query open")
		}
		return &existing, false, nil
	}

	zap.L().Warn("incident opened",
		zap.String("type", itype), zap.String("reason", reason))
	if s.bus != nil {
		s.bus.Publish(TopicOpened, inc)
	}
	return &inc, true, nil
}

// Close resolves the open incident of the given type, if any.
func (s *Service) Close(ctx context.Context, itype, details string) error {
	var inc domain.Incident
	err := s.db.WithContext(ctx).
		Where("type = ? AND status = ?", itype, domain.IncidentOpen).
		First(&inc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "incident: query open")
	}
	updates := map[string]interface{}{
		"status":    domain.IncidentClosed,
		"open_type": nil,
		"end_at":    time.Now(),
	}
	if details != "" {
		updates["details"] = details
	}
	if err := s.db.WithContext(ctx).Model(&domain.Incident{}).
		Where("id = ?", inc.ID).Updates(updates).Error; err != nil {
		return errors.Wrap(err, "incident: close")
	}
	zap.L().Info("incident closed", zap.String("type", itype))
	if s.bus != nil {
		inc.Status = domain.IncidentClosed
		s.bus.Publish(TopicClosed, inc)
	}
	return nil
}

// List returns recent incidents, open first.
func (s *Service) List(ctx context.Context, limit int) ([]domain.Incident, error) {
	var incidents []domain.Incident
	q := s.db.WithContext(ctx).Order("status desc, start_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&incidents).Error
	return incidents, err
}

// PruneClosed deletes closed incidents older than the retention window.
func (s *Service) PruneClosed(ctx context.Context, olderThan time.Duration) {
	s.db.WithContext(ctx).
		Where("status = ? AND end_at < ?", domain.IncidentClosed, time.Now().Add(-olderThan)).
		Delete(&domain.Incident{})
}
