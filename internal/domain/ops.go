package domain

import "time"

// Incident types raised by the guard layer.
const (
	IncidentDeployDrift     = "deploy_drift"
	IncidentServiceDown     = "service_down"
	IncidentFailoverLimited = "failover_limited"
)

const (
	IncidentOpen   = "open"
	IncidentClosed = "closed"
)

// Incident is an operator-visible condition. At most one incident of a given
// type is open at a time; closing stamps EndAt instead of deleting.
type Incident struct {
	ID   int64  `json:"id,string" gorm:"primaryKey"`
	Type string `json:"type" gorm:"index"`
	// OpenType mirrors Type while the incident is open and is nulled on
	// close. Its unique index makes the one-open-per-type rule hold across
	// concurrent writers.
	OpenType  *string   `json:"-" gorm:"uniqueIndex:ux_incident_open_type"`
	Status    string    `json:"status" gorm:"index"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Incident) TableName() string {
	return "incident"
}

// Health vote status values.
const (
	VoteHealthy   = "healthy"
	VoteUnhealthy = "unhealthy"
)

// HealthVote is one monitor instance's opinion of one service. Votes older
// than the consensus window are pruned on ingestion.
type HealthVote struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	MonitorID string    `json:"monitor_id" gorm:"index:ix_vote_service_monitor,priority:2"`
	Service   string    `json:"service" gorm:"index:ix_vote_service_monitor,priority:1"`
	Status    string    `json:"status"`
	VotedAt   time.Time `json:"voted_at" gorm:"index"`
}

func (HealthVote) TableName() string {
	return "health_vote"
}
