// Package guard polls the deployment's self-health endpoint and raises an
// incident when the running build drifts from the expected one for too long.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/partydesk/partydesk/config"
	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/incident"
)

const healthTimeout = 5 * time.Second

// HealthReport is the JSON body of GET /health.
type HealthReport struct {
	Status  string  `json:"status"`
	BuildID string  `json:"buildId"`
	Commit  string  `json:"commit"`
	Uptime  float64 `json:"uptime"`
}

// Build returns the deploy identity of the report, preferring buildId.
func (r *HealthReport) Build() string {
	if r.BuildID != "" {
		return r.BuildID
	}
	return r.Commit
}

// FetchFunc retrieves a health report with a bounded timeout.
type FetchFunc func(ctx context.Context, url string) (*HealthReport, error)

// DeployGuard tracks build drift. A continuous mismatch longer than the
// configured threshold opens exactly one deploy_drift incident; a matching
// build clears the mismatch state and closes it.
type DeployGuard struct {
	cfg       config.GuardConfig
	incidents *incident.Service
	fetch     FetchFunc
	now       func() time.Time

	mismatchSince   time.Time
	incidentCreated bool
}

func NewDeployGuard(cfg config.GuardConfig, incidents *incident.Service) *DeployGuard {
	return &DeployGuard{
		cfg:       cfg,
		incidents: incidents,
		fetch:     goutFetch,
		now:       time.Now,
	}
}

// Start runs the fixed-interval poll loop until ctx is cancelled.
func (g *DeployGuard) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Check(ctx)
			}
		}
	}()
}

// Check performs one poll step.
func (g *DeployGuard) Check(ctx context.Context) {
	report, err := g.fetch(ctx, g.cfg.HealthURL)
	if err != nil {
		// unreachable is not drift; the distributed monitor owns outages
		zap.L().Warn("guard: health poll failed", zap.Error(err))
		return
	}
	actual := report.Build()
	if actual == g.cfg.ExpectedBuild {
		if g.incidentCreated || !g.mismatchSince.IsZero() {
			zap.L().Info("guard: build matches again, clearing drift state",
				zap.String("build", actual))
			_ = g.incidents.Close(ctx, domain.IncidentDeployDrift,
				fmt.Sprintf("build %s deployed", actual))
		}
		g.mismatchSince = time.Time{}
		g.incidentCreated = false
		return
	}

	now := g.now()
	if g.mismatchSince.IsZero() {
		g.mismatchSince = now
		zap.L().Warn("guard: build mismatch detected",
			zap.String("expected", g.cfg.ExpectedBuild), zap.String("actual", actual))
		return
	}
	if g.incidentCreated || now.Sub(g.mismatchSince) < g.cfg.Threshold {
		return
	}
	details := fmt.Sprintf(
		"Expected build %s but %s has been serving %s since %s.\n"+
			"Check the deploy pipeline and re-run the release, or update the expected build setting.",
		g.cfg.ExpectedBuild, g.cfg.HealthURL, actual,
		g.mismatchSince.Format(time.RFC3339))
	_, created, err := g.incidents.Open(ctx, domain.IncidentDeployDrift,
		"deployed build does not match expected build", details)
	if err != nil {
		zap.L().Error("guard: incident creation failed", zap.Error(err))
		return
	}
	g.incidentCreated = true
	if created {
		zap.L().Error("guard: deploy drift incident opened",
			zap.String("expected", g.cfg.ExpectedBuild), zap.String("actual", actual))
	}
}

func goutFetch(ctx context.Context, url string) (*HealthReport, error) {
	var report HealthReport
	var code int
	err := gout.GET(url).
		WithContext(ctx).
		SetTimeout(healthTimeout).
		BindJSON(&report).
		Code(&code).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "guard: fetch health")
	}
	if code != 200 {
		return nil, errors.Errorf("guard: health returned %d", code)
	}
	return &report, nil
}
