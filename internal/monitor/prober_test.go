package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/internal/incident"
)

func newProberFixture(t *testing.T) (*Consensus, *incident.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.HealthVote{}, &domain.Incident{}))
	return NewConsensus(db, 30*time.Second, 0), incident.NewService(db, nil), db
}

func TestProberVotesOnEndpointHealth(t *testing.T) {
	consensus, incidents, db := newProberFixture(t)

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	p := NewProber(consensus, incidents, "us-east", map[string]string{
		"booking-api": healthy.URL,
		"payments":    broken.URL,
	}, time.Second)
	p.probeAll(context.Background())

	res, err := consensus.GetConsensus(context.Background(), "booking-api")
	require.NoError(t, err)
	assert.Equal(t, domain.VoteHealthy, res.Status)

	res, err = consensus.GetConsensus(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, domain.VoteUnhealthy, res.Status)

	// a single-monitor quorum opens the outage incident
	var count int64
	db.Model(&domain.Incident{}).
		Where("type = ? AND status = ?", domain.IncidentServiceDown, domain.IncidentOpen).
		Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestProberClosesIncidentOnRecovery(t *testing.T) {
	consensus, incidents, db := newProberFixture(t)

	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewProber(consensus, incidents, "us-east",
		map[string]string{"booking-api": srv.URL}, time.Second)

	p.probeAll(context.Background())
	var open int64
	db.Model(&domain.Incident{}).
		Where("type = ? AND status = ?", domain.IncidentServiceDown, domain.IncidentOpen).
		Count(&open)
	require.EqualValues(t, 1, open)

	status = http.StatusOK
	p.probeAll(context.Background())
	db.Model(&domain.Incident{}).
		Where("type = ? AND status = ?", domain.IncidentServiceDown, domain.IncidentOpen).
		Count(&open)
	assert.Zero(t, open)
}

func TestProberUnreachableEndpointIsUnhealthy(t *testing.T) {
	consensus, _, _ := newProberFixture(t)

	p := NewProber(consensus, nil, "us-east",
		map[string]string{"booking-api": "http://127.0.0.1:1/health"}, time.Second)
	p.probeAll(context.Background())

	res, err := consensus.GetConsensus(context.Background(), "booking-api")
	require.NoError(t, err)
	assert.Equal(t, domain.VoteUnhealthy, res.Status)
}
