package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avernalabs/agentwatch/internal/models"
)

// GormStore is the postgres-backed Store implementation.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a database-backed report store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Open creates a new open report or bumps the active one for the agent.
// The lookup and insert run in one transaction with the agent's active
// report row locked, so concurrent detections cannot create duplicates.
func (s *GormStore) Open(agentID string) (*models.MissingReport, error) {
	var out models.MissingReport

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.MissingReport
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("agent_id = ? AND status IN ?", agentID,
				[]string{models.ReportOpen, models.ReportAcknowledged}).
			First(&existing).Error

		if err == nil {
			now := time.Now().UTC()
			existing.OccurrenceCount++
			existing.LastEscalatedAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to escalate report: %w", err)
			}
			out = existing
			return nil
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up active report: %w", err)
		}

		now := time.Now().UTC()
		r := models.MissingReport{
			ID:              uuid.NewString(),
			AgentID:         agentID,
			Status:          models.ReportOpen,
			DetectedAt:      now,
			OccurrenceCount: 1,
			LastEscalatedAt: now,
		}
		if err := tx.Create(&r).Error; err != nil {
			return fmt.Errorf("failed to create report: %w", err)
		}
		out = r
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Acknowledge marks an open report acknowledged.
func (s *GormStore) Acknowledge(reportID string) (*models.MissingReport, error) {
	var out models.MissingReport

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var r models.MissingReport
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", reportID).First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to fetch report: %w", err)
		}

		if r.Status == models.ReportResolved {
			return ErrInvalidTransition
		}

		r.Status = models.ReportAcknowledged
		if err := tx.Save(&r).Error; err != nil {
			return fmt.Errorf("failed to acknowledge report: %w", err)
		}
		out = r
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve marks a report resolved. Idempotent.
func (s *GormStore) Resolve(reportID string) (*models.MissingReport, error) {
	var out models.MissingReport

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var r models.MissingReport
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", reportID).First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to fetch report: %w", err)
		}

		if r.Status != models.ReportResolved {
			now := time.Now().UTC()
			r.Status = models.ReportResolved
			r.ResolvedAt = &now
			if err := tx.Save(&r).Error; err != nil {
				return fmt.Errorf("failed to resolve report: %w", err)
			}
		}
		out = r
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveByAgent resolves the agent's active report, if any.
func (s *GormStore) ResolveByAgent(agentID string) (*models.MissingReport, error) {
	var out *models.MissingReport

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var r models.MissingReport
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("agent_id = ? AND status IN ?", agentID,
				[]string{models.ReportOpen, models.ReportAcknowledged}).
			First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up active report: %w", err)
		}

		now := time.Now().UTC()
		r.Status = models.ReportResolved
		r.ResolvedAt = &now
		if err := tx.Save(&r).Error; err != nil {
			return fmt.Errorf("failed to resolve report: %w", err)
		}
		out = &r
		return nil
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches a report by ID.
func (s *GormStore) Get(reportID string) (*models.MissingReport, error) {
	var r models.MissingReport
	err := s.db.Where("id = ?", reportID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch report: %w", err)
	}
	return &r, nil
}

// ListActive returns all open and acknowledged reports.
func (s *GormStore) ListActive() ([]*models.MissingReport, error) {
	var out []*models.MissingReport
	err := s.db.
		Where("status IN ?", []string{models.ReportOpen, models.ReportAcknowledged}).
		Order("detected_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active reports: %w", err)
	}
	return out, nil
}

// ListByAgent returns all reports for an agent, newest first.
func (s *GormStore) ListByAgent(agentID string) ([]*models.MissingReport, error) {
	var out []*models.MissingReport
	err := s.db.
		Where("agent_id = ?", agentID).
		Order("detected_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return out, nil
}
