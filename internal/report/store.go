// Package report owns the lifecycle of missing-heartbeat incident records.
//
// A report moves open -> acknowledged -> resolved. Acknowledging is an
// explicit operator action; resolving happens either via operator action or
// automatically when the agent heartbeats again, so Resolve is idempotent
// (the two paths may race). At most one open or acknowledged report exists
// per agent: re-detections bump the occurrence count on the existing record.
package report

import (
	"errors"

	"github.com/avernalabs/agentwatch/internal/models"
)

// Common errors.
var (
	// ErrNotFound indicates the report does not exist.
	ErrNotFound = errors.New("report not found")

	// ErrInvalidTransition indicates an illegal report-state change,
	// e.g. acknowledging a resolved report.
	ErrInvalidTransition = errors.New("invalid report state transition")
)

// Store manages missing-heartbeat reports.
type Store interface {
	// Open creates a new open report for the agent, or bumps the occurrence
	// count on an existing open/acknowledged one. Returns the active report.
	Open(agentID string) (*models.MissingReport, error)

	// Acknowledge marks an open report as acknowledged.
	// Returns ErrInvalidTransition if the report is already resolved.
	Acknowledge(reportID string) (*models.MissingReport, error)

	// Resolve marks a report resolved. Resolving an already-resolved
	// report is a no-op, not an error.
	Resolve(reportID string) (*models.MissingReport, error)

	// ResolveByAgent resolves any active report for the agent. Used by the
	// monitor when a fresh heartbeat is observed. Returns the resolved
	// report, or nil if the agent had no active report.
	ResolveByAgent(agentID string) (*models.MissingReport, error)

	// Get fetches a report by ID.
	Get(reportID string) (*models.MissingReport, error)

	// ListActive returns all open and acknowledged reports.
	ListActive() ([]*models.MissingReport, error)

	// ListByAgent returns all reports for an agent, newest first.
	ListByAgent(agentID string) ([]*models.MissingReport, error)
}
