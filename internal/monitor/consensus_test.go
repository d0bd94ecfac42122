package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/partydesk/partydesk/internal/domain"
)

func newTestConsensus(t *testing.T, window time.Duration, quorum int) *Consensus {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.HealthVote{}))
	return NewConsensus(db, window, quorum)
}

func TestNoVotesMeansUnknown(t *testing.T) {
	c := newTestConsensus(t, 30*time.Second, 0)
	res, err := c.GetConsensus(context.Background(), "booking-api")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Zero(t, res.Total)
	assert.False(t, c.ShouldAlert(context.Background(), "booking-api"),
		"missing data must never page")
}

func TestMajorityUnhealthyAlerts(t *testing.T) {
	c := newTestConsensus(t, 30*time.Second, 0)
	ctx := context.Background()

	require.NoError(t, c.RecordVote(ctx, "us-east", "booking-api", domain.VoteUnhealthy))
	require.NoError(t, c.RecordVote(ctx, "eu-west", "booking-api", domain.VoteUnhealthy))
	require.NoError(t, c.RecordVote(ctx, "sa-east", "booking-api", domain.VoteHealthy))

	res, err := c.GetConsensus(ctx, "booking-api")
	require.NoError(t, err)
	assert.Equal(t, domain.VoteUnhealthy, res.Status)
	assert.Equal(t, 2, res.Unhealthy)
	assert.Equal(t, 1, res.Healthy)
	assert.InDelta(t, 2.0/3.0, res.Confidence, 1e-9)
	assert.True(t, c.ShouldAlert(ctx, "booking-api"))
}

func TestSingleDissenterDoesNotAlert(t *testing.T) {
	c := newTestConsensus(t, 30*time.Second, 0)
	ctx := context.Background()

	require.NoError(t, c.RecordVote(ctx, "us-east", "booking-api", domain.VoteUnhealthy))
	require.NoError(t, c.RecordVote(ctx, "eu-west", "booking-api", domain.VoteHealthy))
	require.NoError(t, c.RecordVote(ctx, "sa-east", "booking-api", domain.VoteHealthy))

	res, err := c.GetConsensus(ctx, "booking-api")
	require.NoError(t, err)
	assert.Equal(t, domain.VoteHealthy, res.Status)
	assert.False(t, c.ShouldAlert(ctx, "booking-api"))
}

func TestLatestVotePerMonitorWins(t *testing.T) {
	c := newTestConsensus(t, 30*time.Second, 0)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	require.NoError(t, c.RecordVote(ctx, "us-east", "booking-api", domain.VoteUnhealthy))
	c.now = func() time.Time { return base.Add(time.Second) }
	require.NoError(t, c.RecordVote(ctx, "us-east", "booking-api", domain.VoteHealthy))

	res, err := c.GetConsensus(ctx, "booking-api")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total, "one monitor contributes one vote")
	assert.Equal(t, domain.VoteHealthy, res.Status)
}

func TestVotesAgeOutOfWindow(t *testing.T) {
	c := newTestConsensus(t, 30*time.Second, 0)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	require.NoError(t, c.RecordVote(ctx, "us-east", "booking-api", domain.VoteUnhealthy))
	require.NoError(t, c.RecordVote(ctx, "eu-west", "booking-api", domain.VoteUnhealthy))

	c.now = func() time.Time { return base.Add(time.Minute) }
	res, err := c.GetConsensus(ctx, "booking-api")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, res.Status, "expired votes must not count")
}

func TestExplicitQuorum(t *testing.T) {
	c := newTestConsensus(t, 30*time.Second, 3)
	ctx := context.Background()

	require.NoError(t, c.RecordVote(ctx, "us-east", "booking-api", domain.VoteUnhealthy))
	require.NoError(t, c.RecordVote(ctx, "eu-west", "booking-api", domain.VoteUnhealthy))

	res, err := c.GetConsensus(ctx, "booking-api")
	require.NoError(t, err)
	assert.Equal(t, domain.VoteHealthy, res.Status,
		"two unhealthy votes below an explicit quorum of three")
}

func TestServicesListsWindowedServices(t *testing.T) {
	c := newTestConsensus(t, 30*time.Second, 0)
	ctx := context.Background()

	require.NoError(t, c.RecordVote(ctx, "us-east", "booking-api", domain.VoteHealthy))
	require.NoError(t, c.RecordVote(ctx, "us-east", "payments", domain.VoteHealthy))

	services, err := c.Services(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"booking-api", "payments"}, services)
}
