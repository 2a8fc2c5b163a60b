package models

import (
	"time"
)

// Report status values
const (
	ReportOpen         = "open"
	ReportAcknowledged = "acknowledged"
	ReportResolved     = "resolved"
)

// MissingReport is an incident record for one episode of an agent
// failing to heartbeat on time. At most one open or acknowledged
// report exists per agent; repeated detections bump OccurrenceCount.
type MissingReport struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	AgentID         string     `json:"agent_id" gorm:"not null;index"`
	Status          string     `json:"status" gorm:"not null;index;default:'open'"`
	DetectedAt      time.Time  `json:"detected_at" gorm:"not null"`
	OccurrenceCount int        `json:"occurrence_count" gorm:"default:1"`
	LastEscalatedAt time.Time  `json:"last_escalated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for MissingReport
func (MissingReport) TableName() string {
	return "missing_reports"
}

// IsActive reports whether the record still represents an ongoing incident.
func (r *MissingReport) IsActive() bool {
	return r.Status == ReportOpen || r.Status == ReportAcknowledged
}
