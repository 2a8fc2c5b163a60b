package jobs

import (
	"log"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/avernalabs/agentwatch/internal/models"
)

// Scheduler manages background maintenance jobs
type Scheduler struct {
	cron *cron.Cron
	db   *gorm.DB
}

// NewScheduler creates a new job scheduler
func NewScheduler(db *gorm.DB) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		db:   db,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	// Prune resolved reports daily at 3:14 AM
	s.cron.AddFunc("14 3 * * *", func() {
		log.Println("Running report cleanup job...")
		s.pruneResolvedReports()
	})

	// Log an incident summary daily at 8:00 AM
	s.cron.AddFunc("0 8 * * *", func() {
		s.logIncidentSummary()
	})

	s.cron.Start()
	log.Println("Job scheduler started")
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Job scheduler stopped")
}

// pruneResolvedReports removes resolved reports older than 90 days
func (s *Scheduler) pruneResolvedReports() {
	result := s.db.
		Where("status = ? AND resolved_at < NOW() - INTERVAL '90 days'", models.ReportResolved).
		Delete(&models.MissingReport{})

	if result.Error != nil {
		log.Printf("Failed to prune resolved reports: %v", result.Error)
		return
	}

	log.Printf("Pruned %d resolved reports", result.RowsAffected)
}

// logIncidentSummary logs the current active-incident count
func (s *Scheduler) logIncidentSummary() {
	var count int64
	err := s.db.Model(&models.MissingReport{}).
		Where("status IN ?", []string{models.ReportOpen, models.ReportAcknowledged}).
		Count(&count).Error

	if err != nil {
		log.Printf("Failed to count active reports: %v", err)
		return
	}

	log.Printf("Incident summary: %d active missing-heartbeat reports", count)
}
