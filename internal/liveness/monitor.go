package liveness

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avernalabs/agentwatch/internal/alert"
	"github.com/avernalabs/agentwatch/internal/models"
	"github.com/avernalabs/agentwatch/internal/report"
	"github.com/avernalabs/agentwatch/internal/websocket"
)

// ErrNotTracked indicates the agent is not registered with the monitor.
var ErrNotTracked = fmt.Errorf("agent not tracked")

// Alerter dispatches alerts. Satisfied by *alert.Manager.
type Alerter interface {
	Send(ctx context.Context, a *alert.Alert) error
}

// Publisher forwards realtime events. Satisfied by *websocket.Hub.
type Publisher interface {
	Publish(eventType, agentID string, payload interface{}) error
}

// Deployer correlates an agent death with container teardown.
type Deployer interface {
	CorrelateDeath(ctx context.Context, agentID string) error
}

// Config holds monitor tuning.
type Config struct {
	// PollInterval is the cadence of the poll cycle.
	PollInterval time.Duration

	// DefaultInterval is the expected heartbeat cadence used when an
	// agent registration does not carry one.
	DefaultInterval time.Duration

	// DefaultGraceMult is the grace multiplier applied when an agent
	// registration does not carry one. Always >= 1.0.
	DefaultGraceMult float64

	// MaxConcurrentChecks bounds per-cycle parallelism.
	MaxConcurrentChecks int
}

// agentState is the mutable liveness state for one tracked agent. The
// per-state mutex serializes all writers for that agent; different agents
// update fully in parallel.
type agentState struct {
	mu sync.Mutex

	agent        models.Agent
	registeredAt time.Time
	lastSeenAt   time.Time // zero until the first heartbeat
	lastNonce    uint64
	isAlive      bool
	removed      bool
}

// AgentStatus is a read-only liveness snapshot for one agent.
type AgentStatus struct {
	AgentID          string    `json:"agent_id"`
	Name             string    `json:"name"`
	ExpectedInterval int64     `json:"expected_interval_ms"`
	GraceMultiplier  float64   `json:"grace_multiplier"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	LastNonce        uint64    `json:"last_nonce"`
	IsAlive          bool      `json:"is_alive"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// Monitor polls the liveness source for every tracked agent, applies the
// grace-period policy and raises missing-heartbeat incidents.
type Monitor struct {
	cfg      Config
	source   Source
	reports  report.Store
	alerts   Alerter
	hub      Publisher
	deployer Deployer

	mu     sync.RWMutex
	agents map[string]*agentState

	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

// NewMonitor creates a heartbeat monitor. The deployer may be nil.
func NewMonitor(cfg Config, source Source, reports report.Store, alerts Alerter, hub Publisher, deployer Deployer) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Hour
	}
	if cfg.DefaultGraceMult < 1.0 {
		cfg.DefaultGraceMult = 1.5
	}
	if cfg.MaxConcurrentChecks < 1 {
		cfg.MaxConcurrentChecks = 10
	}

	return &Monitor{
		cfg:     cfg,
		source:  source,
		reports: reports,
		alerts:  alerts,
		hub:     hub,
		deployer: deployer,
		agents:  make(map[string]*agentState),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock (for tests).
func (m *Monitor) SetNowFunc(now func() time.Time) {
	m.now = now
}

// Track registers an agent for liveness monitoring. An agent with no
// prior heartbeat gets one full grace window from registration before it
// can be marked missing.
func (m *Monitor) Track(agent models.Agent) {
	if agent.ExpectedInterval <= 0 {
		agent.ExpectedInterval = m.cfg.DefaultInterval.Milliseconds()
	}
	if agent.GraceMultiplier < 1.0 {
		agent.GraceMultiplier = m.cfg.DefaultGraceMult
	}

	st := &agentState{
		agent:        agent,
		registeredAt: m.now(),
		isAlive:      true,
	}

	m.mu.Lock()
	m.agents[agent.ID] = st
	m.mu.Unlock()

	log.Printf("Tracking agent %s (interval=%dms, grace=%.2f)",
		agent.ID, agent.ExpectedInterval, agent.GraceMultiplier)
}

// Untrack removes an agent. Removal takes the agent's state lock, so an
// in-flight check for that agent either completes first or observes the
// removal and stays silent.
func (m *Monitor) Untrack(agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	st.mu.Lock()
	st.removed = true
	st.mu.Unlock()

	log.Printf("Stopped tracking agent %s", agentID)
}

// Start begins the recurring poll loop.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Poll(context.Background())
			case <-m.stop:
				return
			}
		}
	}()

	log.Printf("Heartbeat monitor started (poll every %s)", m.cfg.PollInterval)
}

// Stop signals shutdown and waits for any in-flight poll cycle to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
	log.Println("Heartbeat monitor stopped")
}

// Poll runs one cycle over every tracked agent with bounded parallelism.
// Per-agent faults are isolated; the cycle itself never fails.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.RLock()
	states := make([]*agentState, 0, len(m.agents))
	for _, st := range m.agents {
		states = append(states, st)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrentChecks)

	for _, st := range states {
		st := st
		g.Go(func() error {
			m.checkAgent(ctx, st)
			return nil
		})
	}

	// Check funcs always return nil; Wait is only a join point here.
	_ = g.Wait()
}

// heartbeatOutcome is what a committed heartbeat transition has to surface
// once the agent's lock is released.
type heartbeatOutcome struct {
	recovered  bool
	nonce      uint64
	lastSeenAt time.Time
}

// missOutcome is what a committed miss transition has to surface once the
// agent's lock is released.
type missOutcome struct {
	firstDetection bool
	severity       string
	occurrence     int
	overdue        time.Duration
}

// checkAgent evaluates liveness for one agent. The state transition and
// the report store update commit under the agent's lock; alerts and events
// go out after the lock is released, so a slow channel never stalls
// Status, Snapshot or Untrack for this agent.
func (m *Monitor) checkAgent(ctx context.Context, st *agentState) {
	agentID := st.agent.ID

	sample, err := m.source.GetHeartbeat(ctx, agentID)

	st.mu.Lock()

	if st.removed {
		st.mu.Unlock()
		return
	}

	if err != nil {
		st.mu.Unlock()
		// A collector fault is inconclusive, never a liveness verdict.
		log.Printf("Liveness fetch failed for %s (retrying next cycle): %v", agentID, err)
		return
	}

	now := m.now()

	if sample.Nonce > st.lastNonce {
		out := m.applyHeartbeat(st, sample, now)
		st.mu.Unlock()
		m.emitHeartbeat(ctx, agentID, out)
		return
	}

	if sample.Nonce < st.lastNonce {
		st.mu.Unlock()
		// A regressed nonce is a data-source anomaly, not a liveness
		// signal; lastSeenAt stays untouched.
		log.Printf("Nonce regression for %s: got %d, have %d", agentID, sample.Nonce, st.lastNonce)
		return
	}

	// Nonce did not advance; apply the grace-period policy.
	base := st.lastSeenAt
	if base.IsZero() {
		base = st.registeredAt
	}
	deadline := base.Add(st.agent.Grace())
	if !now.After(deadline) {
		st.mu.Unlock()
		return
	}

	out := m.applyMiss(st, now, deadline)
	st.mu.Unlock()
	m.emitMiss(ctx, agentID, out)
}

// applyHeartbeat commits a fresh heartbeat: refresh state and auto-resolve
// any active report. Caller holds st.mu.
func (m *Monitor) applyHeartbeat(st *agentState, sample Sample, now time.Time) heartbeatOutcome {
	st.lastNonce = sample.Nonce
	st.lastSeenAt = sample.LastSeenAt
	if st.lastSeenAt.IsZero() {
		st.lastSeenAt = now
	}
	wasDown := !st.isAlive
	st.isAlive = true

	resolved, err := m.reports.ResolveByAgent(st.agent.ID)
	if err != nil {
		log.Printf("Failed to auto-resolve report for %s: %v", st.agent.ID, err)
	}

	return heartbeatOutcome{
		recovered:  wasDown || resolved != nil,
		nonce:      sample.Nonce,
		lastSeenAt: st.lastSeenAt,
	}
}

func (m *Monitor) emitHeartbeat(ctx context.Context, agentID string, out heartbeatOutcome) {
	m.publish(websocket.EventHeartbeat, agentID, map[string]interface{}{
		"nonce":      out.nonce,
		"lastSeenAt": out.lastSeenAt,
	})

	if !out.recovered {
		return
	}

	log.Printf("Agent %s recovered (nonce=%d)", agentID, out.nonce)

	m.publish(websocket.EventStatus, agentID, map[string]interface{}{
		"isAlive": true,
	})

	m.sendAlert(ctx, &alert.Alert{
		AgentID:  agentID,
		Type:     alert.TypeStatusChange,
		Severity: alert.SeverityInfo,
		Message:  fmt.Sprintf("Agent %s is heartbeating again", agentID),
	})
}

// applyMiss commits a deadline crossing: open or escalate the report and
// grade severity by how far past the deadline the agent is. Caller holds
// st.mu.
func (m *Monitor) applyMiss(st *agentState, now, deadline time.Time) missOutcome {
	firstDetection := st.isAlive
	st.isAlive = false

	rep, err := m.reports.Open(st.agent.ID)
	if err != nil {
		log.Printf("Failed to open missing report for %s: %v", st.agent.ID, err)
	}

	overdue := now.Sub(deadline)
	severity := alert.SeverityWarning
	if overdue > 2*st.agent.Interval() {
		severity = alert.SeverityCritical
	}

	occurrence := 1
	if rep != nil {
		occurrence = rep.OccurrenceCount
	}

	return missOutcome{
		firstDetection: firstDetection,
		severity:       severity,
		occurrence:     occurrence,
		overdue:        overdue,
	}
}

func (m *Monitor) emitMiss(ctx context.Context, agentID string, out missOutcome) {
	if out.firstDetection {
		log.Printf("Agent %s missed heartbeat deadline by %s", agentID, out.overdue)
		m.publish(websocket.EventStatus, agentID, map[string]interface{}{
			"isAlive": false,
		})
	}

	m.sendAlert(ctx, &alert.Alert{
		AgentID:  agentID,
		Type:     alert.TypeMissingHeartbeat,
		Severity: out.severity,
		Message: fmt.Sprintf("Agent %s has not heartbeat for %s past its deadline (occurrence %d)",
			agentID, out.overdue.Round(time.Second), out.occurrence),
	})
}

// ReportDeath handles an explicit death signal for an agent: the agent is
// marked down, a critical alert goes out, subscribers get a death event
// and the deployment client correlates container teardown.
func (m *Monitor) ReportDeath(ctx context.Context, agentID string) error {
	m.mu.RLock()
	st, ok := m.agents[agentID]
	m.mu.RUnlock()

	if !ok {
		return ErrNotTracked
	}

	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return ErrNotTracked
	}
	st.isAlive = false
	st.mu.Unlock()

	log.Printf("Agent %s reported dead", agentID)

	m.publish(websocket.EventDeath, agentID, map[string]interface{}{
		"reportedAt": m.now(),
	})

	m.sendAlert(ctx, &alert.Alert{
		AgentID:  agentID,
		Type:     alert.TypeDeath,
		Severity: alert.SeverityCritical,
		Message:  fmt.Sprintf("Agent %s reported death", agentID),
	})

	if m.deployer != nil {
		if err := m.deployer.CorrelateDeath(ctx, agentID); err != nil {
			log.Printf("Death correlation failed for %s: %v", agentID, err)
		}
	}

	return nil
}

// Snapshot returns the current liveness state of every tracked agent.
func (m *Monitor) Snapshot() []AgentStatus {
	m.mu.RLock()
	states := make([]*agentState, 0, len(m.agents))
	for _, st := range m.agents {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]AgentStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, AgentStatus{
			AgentID:          st.agent.ID,
			Name:             st.agent.Name,
			ExpectedInterval: st.agent.ExpectedInterval,
			GraceMultiplier:  st.agent.GraceMultiplier,
			LastSeenAt:       st.lastSeenAt,
			LastNonce:        st.lastNonce,
			IsAlive:          st.isAlive,
			RegisteredAt:     st.registeredAt,
		})
		st.mu.Unlock()
	}
	return out
}

// Status returns the liveness snapshot for one agent.
func (m *Monitor) Status(agentID string) (AgentStatus, error) {
	m.mu.RLock()
	st, ok := m.agents[agentID]
	m.mu.RUnlock()

	if !ok {
		return AgentStatus{}, ErrNotTracked
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return AgentStatus{
		AgentID:          st.agent.ID,
		Name:             st.agent.Name,
		ExpectedInterval: st.agent.ExpectedInterval,
		GraceMultiplier:  st.agent.GraceMultiplier,
		LastSeenAt:       st.lastSeenAt,
		LastNonce:        st.lastNonce,
		IsAlive:          st.isAlive,
		RegisteredAt:     st.registeredAt,
	}, nil
}

func (m *Monitor) publish(eventType, agentID string, payload interface{}) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Publish(eventType, agentID, payload); err != nil {
		log.Printf("Failed to publish %s event for %s: %v", eventType, agentID, err)
	}
}

func (m *Monitor) sendAlert(ctx context.Context, a *alert.Alert) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.Send(ctx, a); err != nil {
		log.Printf("Alert dispatch for %s incomplete: %v", a.AgentID, err)
	}
}
