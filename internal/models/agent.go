package models

import (
	"time"
)

// Agent represents a tracked autonomous agent registration.
type Agent struct {
	ID               string    `json:"id" gorm:"primaryKey"` // on-chain address
	Name             string    `json:"name"`
	ExpectedInterval int64     `json:"expected_interval_ms" gorm:"column:expected_interval_ms;default:3600000"` // milliseconds
	GraceMultiplier  float64   `json:"grace_multiplier" gorm:"default:1.5"`
	Active           bool      `json:"active" gorm:"default:true;index"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName specifies the table name for Agent
func (Agent) TableName() string {
	return "agents"
}

// Interval returns the expected heartbeat cadence as a duration.
func (a *Agent) Interval() time.Duration {
	return time.Duration(a.ExpectedInterval) * time.Millisecond
}

// Grace returns the full allowance before a heartbeat counts as missed.
func (a *Agent) Grace() time.Duration {
	mult := a.GraceMultiplier
	if mult < 1.0 {
		mult = 1.0
	}
	return time.Duration(float64(a.Interval()) * mult)
}
