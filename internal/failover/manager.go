// Package failover tracks the configured deployment regions, health-checks
// each one, and switches the active region after consecutive failures.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guonaihong/gout"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/partydesk/partydesk/config"
	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/incident"
)

const checkTimeout = 5 * time.Second

// Region is one deployment target. Exactly one region is active at a time.
type Region struct {
	Name                string `json:"name"`
	URL                 string `json:"url"`
	Active              bool   `json:"active"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LatencyMs           int    `json:"latency_ms"`
}

// CheckFunc probes one region's health endpoint; a timeout is a failure.
type CheckFunc func(ctx context.Context, url string) error

// Manager holds the ordered region list and the failover policy.
type Manager struct {
	mu        sync.Mutex
	regions   []*Region
	threshold int
	interval  time.Duration
	check     CheckFunc
	latency   func(url string) int
	incidents *incident.Service
	pool      *ants.Pool
}

func NewManager(cfg config.FailoverConfig, incidents *incident.Service) (*Manager, error) {
	if len(cfg.Regions) == 0 {
		return nil, errors.New("failover: no regions configured")
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	pool, err := ants.NewPool(8)
	if err != nil {
		return nil, errors.Wrap(err, "failover: worker pool")
	}
	m := &Manager{
		threshold: threshold,
		interval:  interval,
		check:     goutCheck,
		latency:   probeLatency,
		incidents: incidents,
		pool:      pool,
	}
	for i, rc := range cfg.Regions {
		m.regions = append(m.regions, &Region{
			Name:   rc.Name,
			URL:    rc.URL,
			Active: i == 0,
		})
	}
	return m, nil
}

// Start runs the health-check loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.pool.Release()
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

// CheckAll probes every configured region concurrently and applies the
// failover policy to the results.
func (m *Manager) CheckAll(ctx context.Context) {
	m.mu.Lock()
	regions := make([]*Region, len(m.regions))
	copy(regions, m.regions)
	m.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]error, len(regions))
	latencies := make([]int, len(regions))
	for i, r := range regions {
		i, r := i, r
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			start := time.Now()
			results[i] = m.check(ctx, r.URL)
			if results[i] == nil {
				latencies[i] = int(time.Since(start).Milliseconds())
			} else {
				latencies[i] = -1
			}
		})
		if err != nil {
			results[i] = err
			wg.Done()
		}
	}
	wg.Wait()

	for i, r := range regions {
		m.applyResult(ctx, r, results[i], latencies[i])
	}
}

// applyResult updates one region's failure counter and fails over when the
// active region crosses the threshold.
func (m *Manager) applyResult(ctx context.Context, r *Region, checkErr error, latencyMs int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.LatencyMs = latencyMs
	if checkErr == nil {
		r.ConsecutiveFailures = 0
		return
	}
	r.ConsecutiveFailures++
	hostLatency := m.latency(r.URL)
	r.LatencyMs = hostLatency
	zap.L().Warn("failover: region check failed",
		zap.String("region", r.Name),
		zap.Int("consecutive", r.ConsecutiveFailures),
		zap.Bool("host_reachable", hostLatency >= 0),
		zap.Error(checkErr))
	if r.Active && r.ConsecutiveFailures >= m.threshold {
		m.failoverLocked(ctx)
	}
}

// Failover switches the active flag to the next configured region. With a
// single region this is a no-op, logged as a hard limitation.
func (m *Manager) Failover(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failoverLocked(ctx)
}

func (m *Manager) failoverLocked(ctx context.Context) {
	if len(m.regions) < 2 {
		zap.L().Error("failover: no alternate region configured, cannot fail over")
		if m.incidents != nil {
			_, _, _ = m.incidents.Open(ctx, domain.IncidentFailoverLimited,
				"active region failing with no configured backup",
				fmt.Sprintf("region %s has %d consecutive failures",
					m.regions[0].Name, m.regions[0].ConsecutiveFailures))
		}
		return
	}
	cur := m.activeIndexLocked()
	next := (cur + 1) % len(m.regions)
	m.regions[cur].Active = false
	m.regions[next].Active = true
	m.regions[next].ConsecutiveFailures = 0
	zap.L().Warn("failover: active region switched",
		zap.String("from", m.regions[cur].Name),
		zap.String("to", m.regions[next].Name))
}

func (m *Manager) activeIndexLocked() int {
	for i, r := range m.regions {
		if r.Active {
			return i
		}
	}
	// shouldn't happen; repair to the first region
	m.regions[0].Active = true
	return 0
}

// GetActiveRegion returns a snapshot of the active region.
func (m *Manager) GetActiveRegion() Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.regions[m.activeIndexLocked()]
}

// Regions returns a snapshot of every configured region.
func (m *Manager) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
	}
	return out
}

func goutCheck(ctx context.Context, url string) error {
	var code int
	err := gout.GET(url).
		WithContext(ctx).
		SetTimeout(checkTimeout).
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
