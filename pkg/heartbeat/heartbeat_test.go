package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeClock lets tests advance time deterministically instead of
// sleeping in wall-clock time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedHeartbeat replays a fixed sequence of outcomes, advancing a
// fakeClock by step on each call, and makes a non-blocking send on the
// beat channel after each beat.
type scriptedHeartbeat struct {
	mu      sync.Mutex
	outcome []error
	idx     int
	clock   *fakeClock
	step    time.Duration
	beat    chan struct{}
}

func (s *scriptedHeartbeat) Send(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.idx < len(s.outcome) {
		err = s.outcome[s.idx]
		s.idx++
	}
	s.clock.Advance(s.step)
	select {
	case s.beat <- struct{}{}:
	default:
	}
	return err
}

// TestManager_ScenarioE_ConsecutiveFailuresEvict mirrors Scenario E's
// first case: three consecutive failures ten seconds apart, each
// below max_failure_duration_ms, evicts on the third.
func TestManager_ScenarioE_ConsecutiveFailuresEvict(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := &fakeClock{now: time.Unix(0, 0)}
	hb := &scriptedHeartbeat{
		outcome: []error{errors.New("fail"), errors.New("fail"), errors.New("fail")},
		clock:   clock,
		step:    10 * time.Second,
		beat:    make(chan struct{}, 1),
	}

	var evictedID, evictedReason string
	var evictWG sync.WaitGroup
	evictWG.Add(1)

	m := NewManager(hb.Send, func(id, reason string) {
		evictedID, evictedReason = id, reason
		evictWG.Done()
	}, nil)
	m.nowFn = clock.Now
	m.Sleep = func(ctx context.Context, d time.Duration) error { return nil } // fire immediately

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, SessionConfig{SessionID: "sess-1", MaxFailureCount: 3, MaxFailureDurationMs: 60_000})

	evictWG.Wait()
	assert.Equal(t, "sess-1", evictedID)
	assert.Equal(t, "max_failure_count_exceeded", evictedReason)
	assert.False(t, m.Active("sess-1"))
}

// Scenario E's second case: a single failure, a success resetting the
// incident, then failures spanning past max_failure_duration_ms evict
// on duration rather than count.
func TestManager_ScenarioE_DurationExceededEvicts(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := &fakeClock{now: time.Unix(0, 0)}

	// Step the clock forward by the gap named in Scenario E before each
	// heartbeat, then return the scripted outcome for that step.
	steps := []struct {
		advance time.Duration
		err     error
	}{
		{0, errors.New("fail")},               // t=0
		{10 * time.Second, nil},                // t=10s, resets the incident
		{60 * time.Second, errors.New("fail")}, // t=70s, first_failure_at=70s
		{60 * time.Second, errors.New("fail")}, // t=130s, duration=60s >= 60s -> evict
	}
	var mu sync.Mutex
	idx := 0

	var evictWG sync.WaitGroup
	evictWG.Add(1)
	m := NewManager(func(ctx context.Context, sessionID string) error {
		mu.Lock()
		s := steps[idx]
		idx++
		mu.Unlock()
		clock.Advance(s.advance)
		return s.err
	}, func(id, reason string) { evictWG.Done() }, nil)
	m.nowFn = clock.Now
	m.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, SessionConfig{SessionID: "sess-2", MaxFailureCount: 100, MaxFailureDurationMs: 60_000})

	evictWG.Wait()
	assert.False(t, m.Active("sess-2"))
}

func TestManager_SuccessResetsFailureCount(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	evicted := make(chan struct{})
	m := NewManager(func(ctx context.Context, sessionID string) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		if n == 2 || n == 4 {
			return errors.New("transient")
		}
		return nil
	}, func(string, string) { close(evicted) }, nil)
	m.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	// Two failures in total, separated by a success: only a reset on
	// success keeps the count below MaxFailureCount.
	m.Start(ctx, SessionConfig{SessionID: "sess-3", MaxFailureCount: 2})

	select {
	case <-done:
	case <-evicted:
		t.Fatal("session evicted although a success separated its two failures")
	}
	cancel()
	m.Stop("sess-3")
}

func TestManager_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(func(ctx context.Context, sessionID string) error { return nil }, nil, nil)
	m.Stop("nonexistent")

	ctx := context.Background()
	m.Start(ctx, SessionConfig{SessionID: "sess-4"})
	m.Stop("sess-4")
	m.Stop("sess-4")
	require.False(t, m.Active("sess-4"))
}
