// Package heartbeat implements the Session Heartbeat of §4.12: a
// periodic per-session liveness ping with failure-count and
// failure-duration eviction thresholds.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultIntervalMs, DefaultMaxFailureCount, DefaultMaxFailureDurationMs
// and DefaultWarnThresholdMs are the §4.12 defaults.
const (
	DefaultIntervalMs            = 10_000
	DefaultMaxFailureCount       = 3
	DefaultMaxFailureDurationMs  = 60_000
	DefaultWarnThresholdMs       = 120_000
)

// HeartbeatFunc sends one heartbeat for sessionID and reports whether
// it succeeded.
type HeartbeatFunc func(ctx context.Context, sessionID string) error

// EvictionObserver is notified when a session is evicted from the
// heartbeat table, per §4.12's "emit a warning observation".
type EvictionObserver func(sessionID, reason string)

// SessionConfig is the per-session heartbeat configuration of §3's
// SessionHeartbeat state.
type SessionConfig struct {
	SessionID            string
	IntervalMs           int64
	MaxFailureCount      int
	MaxFailureDurationMs int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.IntervalMs <= 0 {
		c.IntervalMs = DefaultIntervalMs
	}
	if c.MaxFailureCount <= 0 {
		c.MaxFailureCount = DefaultMaxFailureCount
	}
	if c.MaxFailureDurationMs <= 0 {
		c.MaxFailureDurationMs = DefaultMaxFailureDurationMs
	}
	return c
}

type trackedSession struct {
	cfg                 SessionConfig
	consecutiveFailures int
	firstFailureAt      time.Time
	warnedThisIncident  bool
	cancel              context.CancelFunc
	stopped             chan struct{}
}

// Manager runs one goroutine per tracked session, each independently
// POSTing a heartbeat on its own interval (§5: heartbeat loops run
// concurrently, never serialized through a shared actor).
type Manager struct {
	Heartbeat     HeartbeatFunc
	OnEvict       EvictionObserver
	Log           *logrus.Entry
	WarnThreshold time.Duration

	// Sleep and nowFn are overridable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	nowFn func() time.Time

	mu       sync.Mutex
	sessions map[string]*trackedSession
}

// NewManager builds a Manager. hb is required; onEvict and log may be
// nil.
func NewManager(hb HeartbeatFunc, onEvict EvictionObserver, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if onEvict == nil {
		onEvict = func(string, string) {}
	}
	return &Manager{
		Heartbeat:     hb,
		OnEvict:       onEvict,
		Log:           log,
		WarnThreshold: DefaultWarnThresholdMs * time.Millisecond,
		Sleep:         defaultSleep,
		nowFn:         time.Now,
		sessions:      make(map[string]*trackedSession),
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}

// Start begins heartbeating cfg.SessionID. A session already tracked
// under the same ID is replaced (its old loop is stopped first).
func (m *Manager) Start(ctx context.Context, cfg SessionConfig) {
	cfg = cfg.withDefaults()

	m.Stop(cfg.SessionID)

	loopCtx, cancel := context.WithCancel(ctx)
	ts := &trackedSession{cfg: cfg, cancel: cancel, stopped: make(chan struct{})}

	m.mu.Lock()
	m.sessions[cfg.SessionID] = ts
	m.mu.Unlock()

	go m.runLoop(loopCtx, ts)
}

// Stop cancels and removes a tracked session, if present. It blocks
// until the session's goroutine has fully exited.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	ts, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ts.cancel()
	<-ts.stopped
}

// StopAll stops every tracked session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Active reports whether sessionID is currently tracked.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

func (m *Manager) runLoop(ctx context.Context, ts *trackedSession) {
	defer close(ts.stopped)

	interval := time.Duration(ts.cfg.IntervalMs) * time.Millisecond
	for {
		if err := m.Sleep(ctx, interval); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if evicted := m.beat(ctx, ts); evicted {
			return
		}
	}
}

// beat sends one heartbeat and applies the §4.12 failure-accounting
// algorithm, returning true if the session was evicted.
func (m *Manager) beat(ctx context.Context, ts *trackedSession) bool {
	err := m.Heartbeat(ctx, ts.cfg.SessionID)
	now := m.now()

	if err == nil {
		ts.consecutiveFailures = 0
		ts.firstFailureAt = time.Time{}
		ts.warnedThisIncident = false
		return false
	}

	ts.consecutiveFailures++
	if ts.firstFailureAt.IsZero() {
		ts.firstFailureAt = now
	}
	failureDuration := now.Sub(ts.firstFailureAt)

	if !ts.warnedThisIncident && failureDuration >= m.WarnThreshold {
		ts.warnedThisIncident = true
		m.Log.WithFields(logrus.Fields{
			"session_id":           ts.cfg.SessionID,
			"consecutive_failures": ts.consecutiveFailures,
			"failure_duration_ms":  failureDuration.Milliseconds(),
		}).Warn("session heartbeat failing")
	}

	exceededCount := ts.consecutiveFailures >= ts.cfg.MaxFailureCount
	exceededDuration := failureDuration >= time.Duration(ts.cfg.MaxFailureDurationMs)*time.Millisecond
	if exceededCount || exceededDuration {
		m.mu.Lock()
		delete(m.sessions, ts.cfg.SessionID)
		m.mu.Unlock()
		m.OnEvict(ts.cfg.SessionID, evictionReason(exceededCount, exceededDuration))
		return true
	}
	return false
}

func evictionReason(exceededCount, exceededDuration bool) string {
	switch {
	case exceededCount && exceededDuration:
		return "max_failure_count_and_duration_exceeded"
	case exceededCount:
		return "max_failure_count_exceeded"
	default:
		return "max_failure_duration_exceeded"
	}
}
