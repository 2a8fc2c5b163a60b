package liveness

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avernalabs/agentwatch/internal/alert"
	"github.com/avernalabs/agentwatch/internal/models"
	"github.com/avernalabs/agentwatch/internal/report"
	"github.com/avernalabs/agentwatch/internal/websocket"
)

type fakeSource struct {
	mu      sync.Mutex
	samples map[string]Sample
	errs    map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		samples: make(map[string]Sample),
		errs:    make(map[string]error),
	}
}

func (f *fakeSource) GetHeartbeat(ctx context.Context, agentID string) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[agentID]; err != nil {
		return Sample{}, err
	}
	return f.samples[agentID], nil
}

func (f *fakeSource) set(agentID string, nonce uint64, seenAt time.Time) {
	f.mu.Lock()
	f.samples[agentID] = Sample{Nonce: nonce, LastSeenAt: seenAt}
	f.mu.Unlock()
}

func (f *fakeSource) fail(agentID string, err error) {
	f.mu.Lock()
	f.errs[agentID] = err
	f.mu.Unlock()
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (f *fakeAlerter) Send(ctx context.Context, a *alert.Alert) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, *a)
	f.mu.Unlock()
	return nil
}

func (f *fakeAlerter) all() []alert.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alert.Alert(nil), f.alerts...)
}

type publishedEvent struct {
	Type    string
	AgentID string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(eventType, agentID string, payload interface{}) error {
	f.mu.Lock()
	f.events = append(f.events, publishedEvent{Type: eventType, AgentID: agentID})
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	monitor *Monitor
	source  *fakeSource
	store   *report.MemoryStore
	alerts  *fakeAlerter
	hub     *fakePublisher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source: newFakeSource(),
		store:  report.NewMemoryStore(),
		alerts: &fakeAlerter{},
		hub:    &fakePublisher{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.monitor = NewMonitor(Config{}, f.source, f.store, f.alerts, f.hub, nil)
	f.monitor.SetNowFunc(func() time.Time { return f.now })
	f.store.SetNowFunc(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// testAgent heartbeats hourly with a 1.5x grace multiplier, so its
// deadline sits 90 minutes after the last heartbeat.
func testAgent() models.Agent {
	return models.Agent{
		ID:               "0xAA",
		Name:             "scout",
		ExpectedInterval: 3600000,
		GraceMultiplier:  1.5,
		Active:           true,
	}
}

func TestCheck_WithinGraceStaysAlive(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	// 89 minutes later the nonce has not advanced but the deadline has
	// not passed either.
	f.advance(89 * time.Minute)
	f.monitor.Poll(context.Background())

	st, err := f.monitor.Status("0xAA")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.IsAlive {
		t.Error("agent marked missing inside the grace window")
	}
	if len(f.alerts.all()) != 0 {
		t.Errorf("alerts = %d, want 0", len(f.alerts.all()))
	}
}

func TestCheck_DeadlineCrossedOpensReportAndAlerts(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	f.advance(90*time.Minute + time.Millisecond)
	f.monitor.Poll(context.Background())

	st, _ := f.monitor.Status("0xAA")
	if st.IsAlive {
		t.Error("agent still alive past its deadline")
	}

	active, err := f.store.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].AgentID != "0xAA" {
		t.Fatalf("active reports = %+v, want one for 0xAA", active)
	}
	if active[0].OccurrenceCount != 1 {
		t.Errorf("occurrenceCount = %d, want 1", active[0].OccurrenceCount)
	}

	alerts := f.alerts.all()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Type != alert.TypeMissingHeartbeat {
		t.Errorf("alert type = %s, want %s", alerts[0].Type, alert.TypeMissingHeartbeat)
	}
	if alerts[0].Severity != alert.SeverityWarning {
		t.Errorf("severity = %s, want warning just past the deadline", alerts[0].Severity)
	}

	if f.hub.count(websocket.EventStatus) != 1 {
		t.Errorf("status events = %d, want 1", f.hub.count(websocket.EventStatus))
	}
}

func TestCheck_RepeatedMissEscalatesOccurrence(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	f.advance(91 * time.Minute)
	f.monitor.Poll(context.Background())
	f.advance(time.Minute)
	f.monitor.Poll(context.Background())
	f.advance(time.Minute)
	f.monitor.Poll(context.Background())

	active, _ := f.store.ListActive()
	if len(active) != 1 {
		t.Fatalf("active reports = %d, want 1 (no duplicates)", len(active))
	}
	if active[0].OccurrenceCount != 3 {
		t.Errorf("occurrenceCount = %d, want 3", active[0].OccurrenceCount)
	}

	// The transition event fires once; only the first miss flips status.
	if f.hub.count(websocket.EventStatus) != 1 {
		t.Errorf("status events = %d, want 1", f.hub.count(websocket.EventStatus))
	}
}

func TestCheck_SeverityEscalatesToCritical(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	// More than two full intervals past the 90-minute deadline.
	f.advance(90*time.Minute + 121*time.Minute)
	f.monitor.Poll(context.Background())

	alerts := f.alerts.all()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != alert.SeverityCritical {
		t.Errorf("severity = %s, want critical beyond 2x interval", alerts[0].Severity)
	}
}

func TestCheck_RecoveryResolvesReport(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	f.advance(91 * time.Minute)
	f.monitor.Poll(context.Background())

	f.advance(10 * time.Minute)
	f.source.set("0xAA", 11, f.now)
	f.monitor.Poll(context.Background())

	st, _ := f.monitor.Status("0xAA")
	if !st.IsAlive {
		t.Error("agent not alive after fresh heartbeat")
	}
	if st.LastNonce != 11 {
		t.Errorf("lastNonce = %d, want 11", st.LastNonce)
	}

	active, _ := f.store.ListActive()
	if len(active) != 0 {
		t.Errorf("active reports = %d, want 0 after auto-resolve", len(active))
	}

	alerts := f.alerts.all()
	last := alerts[len(alerts)-1]
	if last.Type != alert.TypeStatusChange || last.Severity != alert.SeverityInfo {
		t.Errorf("recovery alert = %s/%s, want status_change/info", last.Type, last.Severity)
	}
	if !strings.Contains(last.Message, "0xAA") {
		t.Errorf("recovery message %q does not name the agent", last.Message)
	}
}

func TestCheck_NonceRegressionIgnored(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	seen := f.now
	f.advance(10 * time.Minute)
	f.source.set("0xAA", 4, f.now)
	f.monitor.Poll(context.Background())

	st, _ := f.monitor.Status("0xAA")
	if st.LastNonce != 10 {
		t.Errorf("lastNonce = %d, want 10 (regression ignored)", st.LastNonce)
	}
	if !st.LastSeenAt.Equal(seen) {
		t.Errorf("lastSeenAt moved on a regressed nonce: %s", st.LastSeenAt)
	}
	if !st.IsAlive {
		t.Error("regressed nonce flipped liveness")
	}
}

func TestCheck_SourceErrorIsInconclusive(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	// Even far past the deadline, a collector fault must not produce a
	// liveness verdict.
	f.advance(5 * time.Hour)
	f.source.fail("0xAA", errors.New("nats: connection closed"))
	f.monitor.Poll(context.Background())

	st, _ := f.monitor.Status("0xAA")
	if !st.IsAlive {
		t.Error("source error treated as a missed heartbeat")
	}
	if len(f.alerts.all()) != 0 {
		t.Errorf("alerts = %d, want 0", len(f.alerts.all()))
	}
}

func TestCheck_NeverSeenAgentGetsRegistrationGrace(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())

	// No heartbeat has ever been observed; the window runs from
	// registration.
	f.advance(89 * time.Minute)
	f.monitor.Poll(context.Background())
	if st, _ := f.monitor.Status("0xAA"); !st.IsAlive {
		t.Error("never-seen agent marked missing inside registration grace")
	}

	f.advance(2 * time.Minute)
	f.monitor.Poll(context.Background())
	if st, _ := f.monitor.Status("0xAA"); st.IsAlive {
		t.Error("never-seen agent still alive past registration grace")
	}
}

func TestTrack_AppliesDefaults(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(models.Agent{ID: "0xBB"})

	st, err := f.monitor.Status("0xBB")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ExpectedInterval != time.Hour.Milliseconds() {
		t.Errorf("interval = %d, want default hour", st.ExpectedInterval)
	}
	if st.GraceMultiplier != 1.5 {
		t.Errorf("grace = %f, want default 1.5", st.GraceMultiplier)
	}
}

func TestUntrack_SilencesAgent(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.source.set("0xAA", 10, f.now)
	f.monitor.Poll(context.Background())

	f.monitor.Untrack("0xAA")

	f.advance(5 * time.Hour)
	f.monitor.Poll(context.Background())

	if _, err := f.monitor.Status("0xAA"); !errors.Is(err, ErrNotTracked) {
		t.Errorf("Status after Untrack = %v, want ErrNotTracked", err)
	}
	if len(f.alerts.all()) != 0 {
		t.Errorf("alerts after Untrack = %d, want 0", len(f.alerts.all()))
	}
}

type blockingAlerter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingAlerter) Send(ctx context.Context, a *alert.Alert) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func TestCheck_SlowAlertDispatchDoesNotBlockReads(t *testing.T) {
	blocker := &blockingAlerter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	source := newFakeSource()
	store := report.NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := NewMonitor(Config{}, source, store, blocker, &fakePublisher{}, nil)
	m.SetNowFunc(func() time.Time { return now })
	store.SetNowFunc(func() time.Time { return now })

	m.Track(testAgent())
	source.set("0xAA", 10, now)
	m.Poll(context.Background())

	now = now.Add(91 * time.Minute)
	pollDone := make(chan struct{})
	go func() {
		m.Poll(context.Background())
		close(pollDone)
	}()
	<-blocker.entered

	// Dispatch is stuck in the alerter, but the miss transition has
	// already committed and released the agent's lock.
	statusDone := make(chan AgentStatus, 1)
	go func() {
		st, _ := m.Status("0xAA")
		statusDone <- st
	}()

	select {
	case st := <-statusDone:
		if st.IsAlive {
			t.Error("miss transition not visible during dispatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked while alert dispatch was in flight")
	}

	if got := m.Snapshot(); len(got) != 1 {
		t.Errorf("snapshot size = %d, want 1", len(got))
	}

	close(blocker.release)
	<-pollDone
}

func TestReportDeath(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())

	if err := f.monitor.ReportDeath(context.Background(), "0xAA"); err != nil {
		t.Fatalf("ReportDeath: %v", err)
	}

	st, _ := f.monitor.Status("0xAA")
	if st.IsAlive {
		t.Error("agent alive after death report")
	}

	alerts := f.alerts.all()
	if len(alerts) != 1 || alerts[0].Type != alert.TypeDeath || alerts[0].Severity != alert.SeverityCritical {
		t.Fatalf("alerts = %+v, want one critical death alert", alerts)
	}
	if f.hub.count(websocket.EventDeath) != 1 {
		t.Errorf("death events = %d, want 1", f.hub.count(websocket.EventDeath))
	}
}

func TestReportDeath_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	if err := f.monitor.ReportDeath(context.Background(), "0xZZ"); !errors.Is(err, ErrNotTracked) {
		t.Errorf("err = %v, want ErrNotTracked", err)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.monitor.Track(testAgent())
	f.monitor.Track(models.Agent{ID: "0xBB", ExpectedInterval: 60000, GraceMultiplier: 2.0})

	snap := f.monitor.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	for _, st := range snap {
		if !st.IsAlive {
			t.Errorf("agent %s not alive at registration", st.AgentID)
		}
	}
}
