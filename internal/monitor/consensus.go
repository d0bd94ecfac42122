// Package monitor computes quorum health consensus from votes submitted by
// independent monitor instances, one per deployment region. Alerting fires
// only on quorum-confirmed unhealthy, never on a single region's report, so
// one region's transient network issue cannot page anyone.
package monitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/pkg/common"
)

// Consensus statuses beyond the vote values.
const (
	StatusUnknown = "unknown"
)

// Result is the quorum verdict for one service.
type Result struct {
	Service    string  `json:"service"`
	Status     string  `json:"status"`
	Healthy    int     `json:"healthy"`
	Unhealthy  int     `json:"unhealthy"`
	Total      int     `json:"total"`
	Confidence float64 `json:"confidence"`
}

// Consensus stores votes in the shared durable store so monitors in
// different processes coordinate through it.
type Consensus struct {
	db     *gorm.DB
	window time.Duration
	quorum int // 0 means simple majority of voting monitors
	now    func() time.Time
}

func NewConsensus(db *gorm.DB, window time.Duration, quorum int) *Consensus {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Consensus{db: db, window: window, quorum: quorum, now: time.Now}
}

// RecordVote stores one monitor's opinion of a service and prunes votes that
// have aged out of the sliding window.
func (c *Consensus) RecordVote(ctx context.Context, monitorID, service, status string) error {
	vote := domain.HealthVote{
		ID:        common.UUIDint64(),
		MonitorID: monitorID,
		Service:   service,
		Status:    status,
		VotedAt:   c.now(),
	}
	if err := c.db.WithContext(ctx).Create(&vote).Error; err != nil {
		return errors.Wrap(err, "monitor: record vote")
	}
	// prune on ingestion: votes outside the window are dead weight
	c.db.WithContext(ctx).
		Where("voted_at < ?", c.now().Add(-c.window)).
		Delete(&domain.HealthVote{})
	return nil
}

// GetConsensus computes the quorum verdict for a service from the most
// recent vote of each monitor within the window. No votes means unknown —
// missing data is never escalated to unhealthy.
func (c *Consensus) GetConsensus(ctx context.Context, service string) (*Result, error) {
	var votes []domain.HealthVote
	err := c.db.WithContext(ctx).
		Where("service = ? AND voted_at >= ?", service, c.now().Add(-c.window)).
		Order("voted_at asc").
		Find(&votes).Error
	if err != nil {
		return nil, errors.Wrap(err, "monitor: load votes")
	}

	// last vote per monitor wins
	latest := make(map[string]string, len(votes))
	for _, v := range votes {
		latest[v.MonitorID] = v.Status
	}
	res := &Result{Service: service, Status: StatusUnknown}
	for _, status := range latest {
		res.Total++
		if status == domain.VoteUnhealthy {
			res.Unhealthy++
		} else {
			res.Healthy++
		}
	}
	if res.Total == 0 {
		return res, nil
	}

	quorum := c.quorum
	if quorum <= 0 {
		quorum = res.Total/2 + 1
	}
	if res.Unhealthy >= quorum {
		res.Status = domain.VoteUnhealthy
	} else {
		res.Status = domain.VoteHealthy
	}
	maxSide := res.Healthy
	if res.Unhealthy > maxSide {
		maxSide = res.Unhealthy
	}
	res.Confidence = float64(maxSide) / float64(res.Total)
	return res, nil
}

// ShouldAlert reports whether the service is quorum-confirmed unhealthy.
func (c *Consensus) ShouldAlert(ctx context.Context, service string) bool {
	res, err := c.GetConsensus(ctx, service)
	if err != nil {
		zap.L().Warn("monitor: consensus query failed",
			zap.String("service", service), zap.Error(err))
		return false
	}
	return res.Status == domain.VoteUnhealthy
}

// Services lists the services with votes inside the window.
func (c *Consensus) Services(ctx context.Context) ([]string, error) {
	var services []string
	err := c.db.WithContext(ctx).Model(&domain.HealthVote{}).
		Where("voted_at >= ?", c.now().Add(-c.window)).
		Distinct("service").
		Pluck("service", &services).Error
	return services, err
}
