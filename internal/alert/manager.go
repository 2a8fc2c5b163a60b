package alert

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds alert dispatch tuning.
type Config struct {
	// Cooldown is the minimum time between two dispatched alerts sharing
	// the same (agent, type) key. Alerts inside the window are dropped.
	Cooldown time.Duration

	// MaxAttempts bounds per-channel delivery retries.
	MaxAttempts int

	// BaseDelay is the first retry backoff; doubles per attempt.
	BaseDelay time.Duration

	// RequestTimeout bounds each outbound channel request.
	RequestTimeout time.Duration

	// HistorySize caps the dispatch history ring buffer.
	HistorySize int
}

// DefaultConfig returns dispatch tuning with production defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:       5 * time.Minute,
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		RequestTimeout: 10 * time.Second,
		HistorySize:    1000,
	}
}

// ChannelResult is the outcome of delivering one alert to one channel.
type ChannelResult struct {
	Channel  string `json:"channel"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	OK       bool   `json:"ok"`
}

// DispatchRecord is one entry in the alert history.
type DispatchRecord struct {
	Alert    Alert           `json:"alert"`
	Results  []ChannelResult `json:"results"`
	SentAt   time.Time       `json:"sent_at"`
	Duration time.Duration   `json:"duration_ms"`
}

// Stats holds aggregate dispatch counters.
type Stats struct {
	Dispatched      int64            `json:"dispatched"`
	Suppressed      int64            `json:"suppressed"`
	AlertsByChannel map[string]int64 `json:"alerts_by_channel"`
	BySeverity      map[string]int64 `json:"alerts_by_severity"`
	FailedDeliveries int64           `json:"failed_deliveries"`
}

// DeliveryError aggregates per-channel failures from one Send call.
// It is reported to the caller but never aborts sibling channels.
type DeliveryError struct {
	Failed []ChannelResult
	Total  int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver to %d/%d channels", len(e.Failed), e.Total)
}

// Manager deduplicates alerts and fans them out to the configured channels.
type Manager struct {
	cfg      Config
	channels []Channel

	// cooldown map; stamped before dispatch begins so racing alerts for
	// the same key cannot both pass the check
	cooldownMu sync.Mutex
	lastSent   map[string]time.Time

	// history ring buffer and counters, one writer at a time
	histMu    sync.Mutex
	history   []DispatchRecord
	next      int
	byChannel map[string]int64
	bySev     map[string]int64
	dispatched int64
	suppressed int64
	failed     int64

	now func() time.Time
}

// NewManager creates an alert manager. Every configured channel is
// validated against its provider up front; a misconfigured channel is a
// startup failure, not a per-alert one.
func NewManager(cfg Config, channels []Channel) (*Manager, error) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}

	for _, ch := range channels {
		provider, ok := GetProvider(ch.Type)
		if !ok {
			return nil, fmt.Errorf("unknown channel type: %s", ch.Type)
		}
		if err := provider.Validate(ch.Settings); err != nil {
			return nil, fmt.Errorf("channel %s misconfigured: %w", ch.Name, err)
		}
	}

	return &Manager{
		cfg:       cfg,
		channels:  channels,
		lastSent:  make(map[string]time.Time),
		history:   make([]DispatchRecord, 0, cfg.HistorySize),
		byChannel: make(map[string]int64),
		bySev:     make(map[string]int64),
		now:       time.Now,
	}, nil
}

// SetNowFunc overrides the clock (for tests).
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.cooldownMu.Lock()
	m.now = now
	m.cooldownMu.Unlock()
}

// Send dispatches an alert to every configured channel. It returns once
// every channel has been attempted; per-channel failures are aggregated
// into a DeliveryError and never block sibling channels. Alerts inside
// the per-(agent, type) cooldown window are silently dropped.
func (m *Manager) Send(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}

	// The cooldown key intentionally ignores severity: a warning alert
	// suppresses a later critical one for the same agent and type.
	key := a.AgentID + "|" + a.Type

	m.cooldownMu.Lock()
	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cfg.Cooldown {
		m.cooldownMu.Unlock()
		m.histMu.Lock()
		m.suppressed++
		m.histMu.Unlock()
		log.Printf("[debug] alert suppressed by cooldown: agent=%s type=%s", a.AgentID, a.Type)
		return nil
	}
	// Stamp before dispatch begins so a concurrent Send for the same key
	// is deduplicated even while this dispatch is still in flight.
	m.lastSent[key] = now
	m.cooldownMu.Unlock()

	start := m.now()
	results := make([]ChannelResult, len(m.channels))

	var wg sync.WaitGroup
	for i, ch := range m.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = m.deliver(ctx, ch, a)
		}(i, ch)
	}
	wg.Wait()

	m.record(a, results, start)

	var failedResults []ChannelResult
	for _, r := range results {
		if !r.OK {
			failedResults = append(failedResults, r)
		}
	}
	if len(failedResults) > 0 {
		return &DeliveryError{Failed: failedResults, Total: len(m.channels)}
	}
	return nil
}

// deliver attempts one channel with bounded retry and exponential backoff.
// An explicit loop keeps stack depth constant and lets cancellation be
// observed between attempts.
func (m *Manager) deliver(ctx context.Context, ch Channel, a *Alert) ChannelResult {
	result := ChannelResult{Channel: ch.Name}

	provider, ok := GetProvider(ch.Type)
	if !ok {
		// Validated at startup; only reachable if the registry changed.
		result.Error = fmt.Sprintf("unknown channel type: %s", ch.Type)
		return result
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt + 1

		if attempt > 0 {
			delay := m.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				return result
			case <-time.After(delay):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		err := provider.Send(reqCtx, &ch, a)
		cancel()

		if err == nil {
			result.OK = true
			return result
		}
		lastErr = err
		log.Printf("Alert delivery to %s failed (attempt %d/%d): %v",
			ch.Name, attempt+1, m.cfg.MaxAttempts, err)
	}

	result.Error = lastErr.Error()
	return result
}

// record appends a dispatch record to the ring buffer and updates counters.
func (m *Manager) record(a *Alert, results []ChannelResult, start time.Time) {
	rec := DispatchRecord{
		Alert:    *a,
		Results:  results,
		SentAt:   start,
		Duration: m.now().Sub(start),
	}

	m.histMu.Lock()
	defer m.histMu.Unlock()

	if len(m.history) < m.cfg.HistorySize {
		m.history = append(m.history, rec)
	} else {
		// Full: overwrite the oldest entry.
		m.history[m.next] = rec
	}
	m.next = (m.next + 1) % m.cfg.HistorySize

	m.dispatched++
	m.bySev[a.Severity]++
	for _, r := range results {
		if r.OK {
			m.byChannel[r.Channel]++
		} else {
			m.failed++
		}
	}
}

// History returns the most recent dispatch records, newest first.
func (m *Manager) History(limit int) []DispatchRecord {
	m.histMu.Lock()
	defer m.histMu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]DispatchRecord, 0, limit)
	// m.next points one past the newest entry.
	idx := m.next - 1
	for i := 0; i < limit; i++ {
		if idx < 0 {
			idx += len(m.history)
		}
		out = append(out, m.history[idx])
		idx--
	}
	return out
}

// Stats returns a snapshot of the aggregate dispatch counters.
func (m *Manager) Stats() Stats {
	m.histMu.Lock()
	defer m.histMu.Unlock()

	byChannel := make(map[string]int64, len(m.byChannel))
	for k, v := range m.byChannel {
		byChannel[k] = v
	}
	bySev := make(map[string]int64, len(m.bySev))
	for k, v := range m.bySev {
		bySev[k] = v
	}

	return Stats{
		Dispatched:       m.dispatched,
		Suppressed:       m.suppressed,
		AlertsByChannel:  byChannel,
		BySeverity:       bySev,
		FailedDeliveries: m.failed,
	}
}
