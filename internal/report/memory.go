package report

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avernalabs/agentwatch/internal/models"
)

// MemoryStore is an in-memory Store implementation. Used in tests and in
// deployments that do not need reports to survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	reports map[string]*models.MissingReport
	now     func() time.Time
}

// NewMemoryStore creates an in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]*models.MissingReport),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock (for tests).
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Open creates a new open report or bumps the active one for the agent.
func (s *MemoryStore) Open(agentID string) (*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Dedupe: a re-detection escalates the existing active report.
	for _, r := range s.reports {
		if r.AgentID == agentID && r.IsActive() {
			r.OccurrenceCount++
			r.LastEscalatedAt = now
			r.UpdatedAt = now
			cp := *r
			return &cp, nil
		}
	}

	r := &models.MissingReport{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		Status:          models.ReportOpen,
		DetectedAt:      now,
		OccurrenceCount: 1,
		LastEscalatedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.reports[r.ID] = r
	cp := *r
	return &cp, nil
}

// Acknowledge marks an open report acknowledged.
func (s *MemoryStore) Acknowledge(reportID string) (*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status == models.ReportResolved {
		return nil, ErrInvalidTransition
	}

	r.Status = models.ReportAcknowledged
	r.UpdatedAt = s.now()
	cp := *r
	return &cp, nil
}

// Resolve marks a report resolved. Idempotent.
func (s *MemoryStore) Resolve(reportID string) (*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}

	if r.Status != models.ReportResolved {
		s.resolveLocked(r)
	}
	cp := *r
	return &cp, nil
}

// ResolveByAgent resolves the agent's active report, if any.
func (s *MemoryStore) ResolveByAgent(agentID string) (*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reports {
		if r.AgentID == agentID && r.IsActive() {
			s.resolveLocked(r)
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) resolveLocked(r *models.MissingReport) {
	now := s.now()
	r.Status = models.ReportResolved
	r.ResolvedAt = &now
	r.UpdatedAt = now
}

// Get fetches a report by ID.
func (s *MemoryStore) Get(reportID string) (*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListActive returns all open and acknowledged reports.
func (s *MemoryStore) ListActive() ([]*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.MissingReport
	for _, r := range s.reports {
		if r.IsActive() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

// ListByAgent returns all reports for an agent, newest first.
func (s *MemoryStore) ListByAgent(agentID string) ([]*models.MissingReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.MissingReport
	for _, r := range s.reports {
		if r.AgentID == agentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}
