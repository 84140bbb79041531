package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerlabs/tinker-go-core/pkg/bytesem"
	"github.com/tinkerlabs/tinker-go-core/pkg/ratelimit"
)

func TestWithRateLimit_NoBackoff_NoPenalty(t *testing.T) {
	s := New(nil)
	called := false
	err := s.WithRateLimit(context.Background(), 1024, func() error {
		called = true
		assert.Equal(t, int64(DefaultByteBudget-1024), s.bytes.Current())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, int64(DefaultByteBudget), s.bytes.Current())
}

// Scenario C: under back-off, a 100KiB estimate charges 2MiB (20x);
// two concurrent calls serialize on repayment.
func TestWithRateLimit_ScenarioC_BackoffPenaltyAndSerialization(t *testing.T) {
	s := New(nil)
	s.bytes = bytesem.New(1 << 20) // 1 MiB budget for this scenario

	s.SetBackoff(10 * time.Second)
	require.True(t, s.InBackoff())

	const estimated = 100 * 1024 // 100 KiB
	const expectedCharge = estimated * BackoffPenaltyMultiplier

	var order []int
	var mu sync.Mutex
	started := make(chan struct{})
	releaseFirst := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_ = s.WithRateLimit(context.Background(), estimated, func() error {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			close(started)
			<-releaseFirst
			return nil
		})
	}()

	<-started
	// balance now 1MiB - 2MiB = -1MiB; second call must block until
	// the first releases its charge.
	assert.Equal(t, int64(1<<20-expectedCharge), s.bytes.Current())

	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_ = s.WithRateLimit(context.Background(), estimated, func() error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	close(releaseFirst)
	wg.Wait()

	assert.Equal(t, []int{1, 2}, order)
}

func TestSetBackoff_MirrorsIntoRateLimitWindow(t *testing.T) {
	rlWin := &ratelimit.Window{}
	s := New(rlWin)
	s.SetBackoff(500 * time.Millisecond)

	deadline, ok := ratelimit.Deadline(rlWin)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(500*time.Millisecond), deadline, 100*time.Millisecond)
}

func TestInBackoff_AgesOutAfterRecentWindow(t *testing.T) {
	s := New(nil)
	fakeNow := time.Now()
	s.nowFn = func() time.Time { return fakeNow }

	s.SetBackoff(10 * time.Millisecond)
	assert.True(t, s.InBackoff())

	fakeNow = fakeNow.Add(20 * time.Millisecond) // past deadline but within recent window
	assert.True(t, s.InBackoff())

	fakeNow = fakeNow.Add(s.recentWindow + time.Second)
	assert.False(t, s.InBackoff())
}
