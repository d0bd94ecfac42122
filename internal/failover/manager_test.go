package failover

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/partydesk/partydesk/config"
	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/incident"
)

func newTestManager(t *testing.T, regions ...config.RegionConfig) (*Manager, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Incident{}))

	m, err := NewManager(config.FailoverConfig{
		Enabled:   true,
		Threshold: 3,
		Regions:   regions,
	}, incident.NewService(db, nil))
	require.NoError(t, err)
	m.latency = func(string) int { return -1 }
	t.Cleanup(m.pool.Release)
	return m, db
}

// failingCheck fails for the named region and succeeds elsewhere.
func failingCheck(failName string, regions []config.RegionConfig) CheckFunc {
	byURL := map[string]string{}
	for _, r := range regions {
		byURL[r.URL] = r.Name
	}
	return func(ctx context.Context, url string) error {
		if byURL[url] == failName {
			return errors.New("connection timed out")
		}
		return nil
	}
}

func TestNoRegionsRejected(t *testing.T) {
	_, err := NewManager(config.FailoverConfig{}, nil)
	assert.Error(t, err)
}

func TestFirstRegionStartsActive(t *testing.T) {
	m, _ := newTestManager(t,
		config.RegionConfig{Name: "primary", URL: "http://primary/health"},
		config.RegionConfig{Name: "backup", URL: "http://backup/health"})
	assert.Equal(t, "primary", m.GetActiveRegion().Name)
}

func TestFailoverAfterThresholdFailures(t *testing.T) {
	regions := []config.RegionConfig{
		{Name: "primary", URL: "http://primary/health"},
		{Name: "backup", URL: "http://backup/health"},
	}
	m, _ := newTestManager(t, regions...)
	m.check = failingCheck("primary", regions)

	ctx := context.Background()
	m.CheckAll(ctx)
	m.CheckAll(ctx)
	assert.Equal(t, "primary", m.GetActiveRegion().Name,
		"two failures are below the threshold")

	m.CheckAll(ctx)
	active := m.GetActiveRegion()
	assert.Equal(t, "backup", active.Name)
	assert.Zero(t, active.ConsecutiveFailures, "new active starts with a clean slate")
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	regions := []config.RegionConfig{
		{Name: "primary", URL: "http://primary/health"},
		{Name: "backup", URL: "http://backup/health"},
	}
	m, _ := newTestManager(t, regions...)
	ctx := context.Background()

	m.check = failingCheck("primary", regions)
	m.CheckAll(ctx)
	m.CheckAll(ctx)

	m.check = failingCheck("none", regions)
	m.CheckAll(ctx)

	m.check = failingCheck("primary", regions)
	m.CheckAll(ctx)
	m.CheckAll(ctx)
	assert.Equal(t, "primary", m.GetActiveRegion().Name,
		"an intervening success must restart the count")
}

func TestBackupFailuresDoNotTriggerFailover(t *testing.T) {
	regions := []config.RegionConfig{
		{Name: "primary", URL: "http://primary/health"},
		{Name: "backup", URL: "http://backup/health"},
	}
	m, _ := newTestManager(t, regions...)
	m.check = failingCheck("backup", regions)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.CheckAll(ctx)
	}
	assert.Equal(t, "primary", m.GetActiveRegion().Name)
}

func TestSingleRegionCannotFailOver(t *testing.T) {
	regions := []config.RegionConfig{
		{Name: "only", URL: "http://only/health"},
	}
	m, db := newTestManager(t, regions...)
	m.check = failingCheck("only", regions)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		m.CheckAll(ctx)
	}
	assert.Equal(t, "only", m.GetActiveRegion().Name, "single region stays active")

	var count int64
	db.Model(&domain.Incident{}).
		Where("type = ? AND status = ?", domain.IncidentFailoverLimited, domain.IncidentOpen).
		Count(&count)
	assert.EqualValues(t, 1, count, "limitation surfaces as one open incident")
}

func TestManualFailoverRoundRobins(t *testing.T) {
	m, _ := newTestManager(t,
		config.RegionConfig{Name: "a", URL: "http://a/health"},
		config.RegionConfig{Name: "b", URL: "http://b/health"},
		config.RegionConfig{Name: "c", URL: "http://c/health"})

	ctx := context.Background()
	m.Failover(ctx)
	assert.Equal(t, "b", m.GetActiveRegion().Name)
	m.Failover(ctx)
	assert.Equal(t, "c", m.GetActiveRegion().Name)
	m.Failover(ctx)
	assert.Equal(t, "a", m.GetActiveRegion().Name)

	// exactly one active at all times
	actives := 0
	for _, r := range m.Regions() {
		if r.Active {
			actives++
		}
	}
	assert.Equal(t, 1, actives)
}

func TestConcurrentChecksKeepOneActive(t *testing.T) {
	regions := []config.RegionConfig{
		{Name: "primary", URL: "http://primary/health"},
		{Name: "backup", URL: "http://backup/health"},
	}
	m, _ := newTestManager(t, regions...)
	m.check = failingCheck("primary", regions)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	actives := 0
	for _, r := range m.Regions() {
		if r.Active {
			actives++
		}
	}
	assert.Equal(t, 1, actives)
}
