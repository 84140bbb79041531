// Package dispatch implements the three-layer sampling admission
// control of §4.5: a global concurrency semaphore, a throttled
// concurrency semaphore engaged only during recent back-off, and a
// byte-budget credit that is penalized 20x while in back-off.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tinkerlabs/tinker-go-core/pkg/bytesem"
	"github.com/tinkerlabs/tinker-go-core/pkg/ratelimit"
	"github.com/tinkerlabs/tinker-go-core/pkg/retry"
)

// BackoffPenaltyMultiplier biases admission away from large payloads
// first while the dispatch is in a recent back-off window.
const BackoffPenaltyMultiplier = 20

// Defaults named in §4.5.
const (
	DefaultGlobalLimit    = 400
	DefaultThrottledLimit = 10
	DefaultByteBudget     = 5 * 1 << 20 // 5 MiB
)

// State owns the layered admission gates for one sampling coordinator.
type State struct {
	global    *semaphore.Weighted
	throttled *semaphore.Weighted
	bytes     *bytesem.Semaphore

	mu                 sync.Mutex
	lastBackoffUntil   time.Time
	recentWindow       time.Duration

	// RateLimitWindow is the per-(host, credential) window also
	// updated by SetBackoff, per §4.5.
	RateLimitWindow *ratelimit.Window

	nowFn func() time.Time
}

// New builds dispatch state with the §4.5 defaults.
func New(rlWindow *ratelimit.Window) *State {
	return &State{
		global:          semaphore.NewWeighted(DefaultGlobalLimit),
		throttled:       semaphore.NewWeighted(DefaultThrottledLimit),
		bytes:           bytesem.New(DefaultByteBudget),
		recentWindow:    retry.RecentBackoffWindow,
		RateLimitWindow: rlWindow,
		nowFn:           time.Now,
	}
}

// InBackoff reports whether now is within the back-off window or its
// trailing "recent" tail, per §4.5 step 1.
func (s *State) InBackoff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inBackoffLocked()
}

func (s *State) inBackoffLocked() bool {
	if s.lastBackoffUntil.IsZero() {
		return false
	}
	now := s.now()
	if now.Before(s.lastBackoffUntil) {
		return true
	}
	return now.Sub(s.lastBackoffUntil) < s.recentWindow
}

func (s *State) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

// SetBackoff sets last_backoff_until_ms = now + d and mirrors the
// deadline into the per-host rate-limit window. The window is never
// cleared by subsequent successes; it ages out via recentWindow.
func (s *State) SetBackoff(d time.Duration) {
	s.mu.Lock()
	s.lastBackoffUntil = s.now().Add(d)
	s.mu.Unlock()

	if s.RateLimitWindow != nil {
		ratelimit.Set(s.RateLimitWindow, d)
	}
}

// WithRateLimit implements §4.5's admission algorithm around fn.
// Permits are released in reverse acquisition order on every exit
// path, including a panic unwinding through fn.
func (s *State) WithRateLimit(ctx context.Context, estimatedBytes int64, fn func() error) error {
	inBackoff := s.InBackoff()

	effectiveBytes := estimatedBytes
	if inBackoff {
		effectiveBytes *= BackoffPenaltyMultiplier
	}

	if err := s.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.global.Release(1)

	if inBackoff {
		if err := s.throttled.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.throttled.Release(1)
	}

	return s.bytes.WithBytes(ctx, effectiveBytes, fn)
}
