package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/guonaihong/gout"
	"go.uber.org/zap"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/incident"
)

const probeTimeout = 5 * time.Second

// Prober is this deployment region's monitor instance: it health-checks the
// configured services, submits its votes, and raises a service_down incident
// when the quorum confirms an outage. A timed-out probe counts as an
// unhealthy vote.
type Prober struct {
	consensus *Consensus
	incidents *incident.Service
	monitorID string
	services  map[string]string // service name -> health URL
	interval  time.Duration
}

func NewProber(consensus *Consensus, incidents *incident.Service,
	monitorID string, services map[string]string, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		consensus: consensus,
		incidents: incidents,
		monitorID: monitorID,
		services:  services,
		interval:  interval,
	}
}

// Start runs the probe loop until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

func (p *Prober) probeAll(ctx context.Context) {
	for name, url := range p.services {
		status := domain.VoteHealthy
		if err := probe(ctx, url); err != nil {
			status = domain.VoteUnhealthy
			zap.L().Debug("monitor: probe failed",
				zap.String("service", name), zap.Error(err))
		}
		if err := p.consensus.RecordVote(ctx, p.monitorID, name, status); err != nil {
			zap.L().Warn("monitor: vote persist failed",
				zap.String("service", name), zap.Error(err))
			continue
		}
		p.react(ctx, name)
	}
}

func (p *Prober) react(ctx context.Context, service string) {
	if p.incidents == nil {
		return
	}
	res, err := p.consensus.GetConsensus(ctx, service)
	if err != nil {
		return
	}
	switch res.Status {
	case domain.VoteUnhealthy:
		_, _, err := p.incidents.Open(ctx, domain.IncidentServiceDown,
			fmt.Sprintf("%s unhealthy by quorum (%d/%d monitors)", service, res.Unhealthy, res.Total),
			fmt.Sprintf("confidence %.2f", res.Confidence))
		if err != nil {
			zap.L().Warn("monitor: incident open failed", zap.Error(err))
		}
	case domain.VoteHealthy:
		_ = p.incidents.Close(ctx, domain.IncidentServiceDown,
			fmt.Sprintf("%s healthy by quorum", service))
	}
}

func probe(ctx context.Context, url string) error {
	var code int
	err := gout.GET(url).
		WithContext(ctx).
		SetTimeout(probeTimeout).
		Code(&code).
		Do()
	if err != nil {
		return err
	}
	if code != 200 {
		return fmt.Errorf("status %d", code)
	}
	return nil
}
