package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/partydesk/partydesk/internal/domain"
)

func newTestService(t *testing.T, bus EventBus.Bus) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Incident{}))
	return NewService(db, bus), db
}

func TestOpenDeduplicatesPerType(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	first, created, err := svc.Open(ctx, domain.IncidentDeployDrift, "drift", "details")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.Open(ctx, domain.IncidentDeployDrift, "drift again", "more")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// a different type opens independently
	_, created, err = svc.Open(ctx, domain.IncidentServiceDown, "down", "")
	require.NoError(t, err)
	assert.True(t, created)

	var count int64
	db.Model(&domain.Incident{}).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestOpenDedupAcrossProcesses(t *testing.T) {
	svcA, db := newTestService(t, nil)
	svcB := NewService(db, nil)
	ctx := context.Background()

	first, created, err := svcA.Open(ctx, domain.IncidentServiceDown, "down", "")
	require.NoError(t, err)
	require.True(t, created)

	// a second writer on the same store lands on the existing record: the
	// insert conflicts on the open-marker index instead of duplicating
	second, created, err := svcB.Open(ctx, domain.IncidentServiceDown, "down too", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	db.Model(&domain.Incident{}).Count(&count)
	assert.EqualValues(t, 1, count)

	// closing frees the marker for either writer
	require.NoError(t, svcB.Close(ctx, domain.IncidentServiceDown, ""))
	_, created, err = svcA.Open(ctx, domain.IncidentServiceDown, "again", "")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCloseStampsEndAt(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	_, _, err := svc.Open(ctx, domain.IncidentServiceDown, "down", "")
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, domain.IncidentServiceDown, "recovered"))

	var inc domain.Incident
	require.NoError(t, db.First(&inc).Error)
	assert.Equal(t, domain.IncidentClosed, inc.Status)
	assert.False(t, inc.EndAt.IsZero())
	assert.Equal(t, "recovered", inc.Details)

	// closing with nothing open is a no-op
	require.NoError(t, svc.Close(ctx, domain.IncidentServiceDown, ""))

	// the type is free to open again
	_, created, err := svc.Open(ctx, domain.IncidentServiceDown, "down again", "")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestBusNotifications(t *testing.T) {
	bus := EventBus.New()
	svc, _ := newTestService(t, bus)

	var mu sync.Mutex
	var opened, closed []string
	require.NoError(t, bus.Subscribe(TopicOpened, func(inc domain.Incident) {
		mu.Lock()
		opened = append(opened, inc.Type)
		mu.Unlock()
	}))
	require.NoError(t, bus.Subscribe(TopicClosed, func(inc domain.Incident) {
		mu.Lock()
		closed = append(closed, inc.Type)
		mu.Unlock()
	}))

	ctx := context.Background()
	_, _, err := svc.Open(ctx, domain.IncidentDeployDrift, "r", "d")
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, domain.IncidentDeployDrift, ""))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{domain.IncidentDeployDrift}, opened)
	assert.Equal(t, []string{domain.IncidentDeployDrift}, closed)
}

func TestPruneClosedKeepsRecentAndOpen(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	old := domain.Incident{
		ID: 1, Type: domain.IncidentServiceDown, Status: domain.IncidentClosed,
		StartAt: time.Now().Add(-100 * 24 * time.Hour),
		EndAt:   time.Now().Add(-99 * 24 * time.Hour),
	}
	require.NoError(t, db.Create(&old).Error)
	_, _, err := svc.Open(ctx, domain.IncidentDeployDrift, "r", "")
	require.NoError(t, err)

	svc.PruneClosed(ctx, 90*24*time.Hour)

	var count int64
	db.Model(&domain.Incident{}).Count(&count)
	assert.EqualValues(t, 1, count, "only the open incident survives")
}

func TestListOrdersOpenFirst(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, _, err := svc.Open(ctx, domain.IncidentServiceDown, "down", "")
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, domain.IncidentServiceDown, ""))
	_, _, err = svc.Open(ctx, domain.IncidentDeployDrift, "drift", "")
	require.NoError(t, err)

	incidents, err := svc.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, domain.IncidentOpen, incidents[0].Status)
}
