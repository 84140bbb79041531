package sampling

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerlabs/tinker-go-core/pkg/dispatch"
	"github.com/tinkerlabs/tinker-go-core/pkg/future"
	"github.com/tinkerlabs/tinker-go-core/pkg/ratelimit"
)

type fakeSender struct {
	reply func(requestID int64) future.Envelope
	calls int32
}

func (f *fakeSender) Send(ctx context.Context, path string, payload interface{}) future.Envelope {
	atomic.AddInt32(&f.calls, 1)
	return f.reply(0)
}

func noopPollerFor(tag string) *future.Poller { return future.NewPoller(nil, nil) }

func newDispatch() *dispatch.State {
	return dispatch.New(&ratelimit.Window{})
}

func TestCoordinator_GeneratesSessionIDWhenEmpty(t *testing.T) {
	sender := &fakeSender{reply: func(int64) future.Envelope {
		return future.Envelope{Terminal: &future.Result{Payload: "ok"}}
	}}
	c := NewCoordinator("model-1", "", sender, noopPollerFor, newDispatch(), nil, nil)
	assert.NotEmpty(t, c.SamplingSessionID)
}

func TestCoordinator_PreservesGivenSessionID(t *testing.T) {
	sender := &fakeSender{reply: func(int64) future.Envelope {
		return future.Envelope{Terminal: &future.Result{Payload: "ok"}}
	}}
	c := NewCoordinator("model-1", "existing-session", sender, noopPollerFor, newDispatch(), nil, nil)
	assert.Equal(t, "existing-session", c.SamplingSessionID)
}

func TestCoordinator_Sample_TerminalResult(t *testing.T) {
	sender := &fakeSender{reply: func(int64) future.Envelope {
		return future.Envelope{Terminal: &future.Result{Payload: []float64{1, 2, 3}}}
	}}
	c := NewCoordinator("model-1", "s1", sender, noopPollerFor, newDispatch(), nil, nil)

	result, err := c.Sample(context.Background(), map[string]int{"max_tokens": 16}, 1024)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, result)
}

// A 429 on a small payload engages the short back-off window; on a
// large payload, the long one. The 429 itself is never resolved by
// the poller: it propagates as an error with exactly one observer
// emission carrying the original body's queue_state_reason.
func TestCoordinator_RateLimitBackoffBySize(t *testing.T) {
	retryAfter := 0 * time.Millisecond
	sender := &fakeSender{reply: func(int64) future.Envelope {
		return future.Envelope{Again: &future.TryAgain{
			QueueState:       future.QueuePausedRateLimit,
			QueueStateReason: "concurrent sampler weights limit hit",
			RetryAfter:       &retryAfter,
		}}
	}}

	d := newDispatch()
	c := NewCoordinator("model-1", "s1", sender, noopPollerFor, d, nil, nil)

	var observed []future.QueueStateObservation
	c.Observer = future.Observers{func(o future.QueueStateObservation) {
		observed = append(observed, o)
	}}

	_, err := c.Sample(context.Background(), "small-payload", rateLimitSmallPayload)
	require.Error(t, err)
	assert.True(t, d.InBackoff())
	deadline, ok := ratelimit.Deadline(d.RateLimitWindow)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(shortBackoffDelayMs*time.Millisecond), deadline, 200*time.Millisecond)

	require.Len(t, observed, 1)
	assert.Equal(t, future.QueuePausedRateLimit, observed[0].QueueState)
	assert.Equal(t, "concurrent sampler weights limit hit", observed[0].Reason)

	dLarge := newDispatch()
	cLarge := NewCoordinator("model-1", "s2", sender, noopPollerFor, dLarge, nil, nil)
	_, err = cLarge.Sample(context.Background(), "large-payload", rateLimitSmallPayload+1)
	require.Error(t, err)
	deadline, ok = ratelimit.Deadline(dLarge.RateLimitWindow)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(longBackoffDelayMs*time.Millisecond), deadline, 200*time.Millisecond)
}

// ComputeLogprobs is a convenience over Sample, not a distinct
// endpoint: it must route through /asample with max_tokens and
// prompt_logprobs forced onto the caller's payload.
func TestCoordinator_ComputeLogprobs_RoutesThroughSampleWithOverrides(t *testing.T) {
	var capturedPath string
	var capturedPayload interface{}
	sender := &fakeSenderCapturingPath{
		onSend: func(path string, payload interface{}) future.Envelope {
			capturedPath = path
			capturedPayload = payload
			return future.Envelope{Terminal: &future.Result{Payload: "ok"}}
		},
	}
	c := NewCoordinator("model-1", "s1", sender, noopPollerFor, newDispatch(), nil, nil)

	result, err := c.ComputeLogprobs(context.Background(), map[string]interface{}{"prompt": "hi"}, 1024)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "/asample", capturedPath)

	raw, err := json.Marshal(capturedPayload)
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "hi", fields["prompt"])
	assert.Equal(t, float64(1), fields["max_tokens"])
	assert.Equal(t, true, fields["prompt_logprobs"])
}

type fakeSenderCapturingPath struct {
	onSend func(path string, payload interface{}) future.Envelope
}

func (f *fakeSenderCapturingPath) Send(ctx context.Context, path string, payload interface{}) future.Envelope {
	return f.onSend(path, payload)
}

func TestCoordinator_ErrorPropagatesThroughDispatch(t *testing.T) {
	sender := &fakeSender{reply: func(int64) future.Envelope {
		return future.Envelope{Err: assertErr}
	}}
	c := NewCoordinator("model-1", "s1", sender, noopPollerFor, newDispatch(), nil, nil)

	_, err := c.Sample(context.Background(), "payload", 1024)
	require.Error(t, err)
}

var assertErr = &fakeErr{}

type fakeErr struct{}

func (e *fakeErr) Error() string { return "boom" }
