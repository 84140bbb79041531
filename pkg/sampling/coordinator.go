// Package sampling implements the Sampling Coordinator of §4.11: the
// per-(model, sampling session) owner of the request-ID sequence and
// the layered admission control in pkg/dispatch, sitting in front of
// sample/sample_stream/compute_logprobs.
package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tinkerlabs/tinker-go-core/internal/telemetry"
	"github.com/tinkerlabs/tinker-go-core/pkg/chunk"
	"github.com/tinkerlabs/tinker-go-core/pkg/dispatch"
	"github.com/tinkerlabs/tinker-go-core/pkg/errtaxonomy"
	"github.com/tinkerlabs/tinker-go-core/pkg/future"
)

// rateLimitSmallPayload is the §4.11 threshold at or below which a 429
// response gets the short 1s back-off instead of the 5s one.
const rateLimitSmallPayload = 128 * 1024 // 128 KiB

const (
	shortBackoffDelayMs = 1000
	longBackoffDelayMs  = 5000
)

// Sender posts one request to the server via the sampling pool and
// returns the first-response envelope. The bit-level JSON shape of
// path/payload is external, same as pkg/training's Sender.
type Sender interface {
	Send(ctx context.Context, path string, payload interface{}) future.Envelope
}

// PollerFor builds an operation-tagged poller, same contract as
// pkg/training's.
type PollerFor func(operationTag string) *future.Poller

// Coordinator owns one model's sampling session: its ID, its request
// sequence, and the dispatch admission gates.
type Coordinator struct {
	ModelID           string
	SamplingSessionID string

	Sender    Sender
	PollerFor PollerFor
	Dispatch  *dispatch.State
	Observer  future.Observers
	Telemetry telemetry.Reporter
	Log       *logrus.Entry

	counter *chunk.Counter
}

// NewCoordinator builds a coordinator. sessionID may be empty, in
// which case a fresh one is generated (§4.11: the server may omit a
// sampling_session_id, in which case the client mints one).
func NewCoordinator(modelID, sessionID string, sender Sender, pollerFor PollerFor, dispatchState *dispatch.State, rep telemetry.Reporter, log *logrus.Entry) *Coordinator {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if rep == nil {
		rep = telemetry.Noop{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		ModelID:           modelID,
		SamplingSessionID: sessionID,
		Sender:            sender,
		PollerFor:         pollerFor,
		Dispatch:          dispatchState,
		Telemetry:         rep,
		Log:               log,
		counter:           chunk.NewCounter(0),
	}
}

// dispatchOne sends one request under admission control, applying the
// §4.11 429 back-off rule when the first response reports a
// rate-limit pause, then drives the resulting future to completion.
func (c *Coordinator) dispatchOne(ctx context.Context, path, opTag string, payload interface{}, estimatedBytes int64) (interface{}, error) {
	requestID := c.counter.ReserveBlock(1)

	c.Telemetry.Report(telemetry.Event{
		Name: opTag,
		Metadata: map[string]interface{}{
			"model_id":            c.ModelID,
			"sampling_session_id": c.SamplingSessionID,
			"request_id":          requestID,
		},
	})

	var result interface{}
	err := c.Dispatch.WithRateLimit(ctx, estimatedBytes, func() error {
		env := c.Sender.Send(ctx, path, payload)
		if rlErr := c.handleRateLimit(env, requestID, estimatedBytes); rlErr != nil {
			return rlErr
		}

		r, err := c.resolve(ctx, opTag, requestID, env)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// handleRateLimit implements §4.11's 429 handling. A rate-limit pause
// on the first response is never handed to the poller: the poller's
// first poll would be a separate subsequent request, and the original
// body's queue_state_reason would be lost before anything could
// observe it. Instead this emits exactly one observation straight from
// the parsed body, engages the dispatch back-off sized by payload, and
// returns the classified error so the outer retry policy, if enabled,
// re-enters from scratch (Scenario B).
func (c *Coordinator) handleRateLimit(env future.Envelope, requestID int64, estimatedBytes int64) error {
	if env.Again == nil || env.Again.QueueState != future.QueuePausedRateLimit {
		return nil
	}
	again := env.Again

	c.Observer.Emit(future.QueueStateObservation{
		QueueState: again.QueueState,
		Reason:     again.QueueStateReason,
		Metadata: map[string]interface{}{
			"request_id":          requestID,
			"sampling_session_id": c.SamplingSessionID,
		},
	})

	delayMs := longBackoffDelayMs
	if estimatedBytes <= rateLimitSmallPayload {
		delayMs = shortBackoffDelayMs
	}
	backoff := time.Duration(delayMs) * time.Millisecond
	c.Dispatch.SetBackoff(backoff)

	err := errtaxonomy.FromHTTPStatus(429, "", &backoff)
	if again.QueueStateReason != "" {
		err = err.WithData("queue_state_reason", again.QueueStateReason)
	}
	return err
}

func (c *Coordinator) resolve(ctx context.Context, opTag string, requestID int64, env future.Envelope) (interface{}, error) {
	if env.Terminal != nil {
		return env.Terminal.Payload, nil
	}
	if env.Err != nil {
		return nil, env.Err
	}
	if env.Again == nil {
		return nil, errtaxonomy.RequestFailed(fmt.Sprintf("%s: empty envelope for request %d", opTag, requestID), nil)
	}

	poller := c.PollerFor(opTag)
	handle := future.Handle{RequestID: fmt.Sprintf("%d", requestID), SessionID: c.SamplingSessionID}
	res, err := poller.Run(ctx, handle)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// Sample dispatches a single sampling request.
func (c *Coordinator) Sample(ctx context.Context, payload interface{}, estimatedBytes int64) (interface{}, error) {
	return c.dispatchOne(ctx, "/asample", "Sample", payload, estimatedBytes)
}

// computeLogprobsPayload forces max_tokens=1 and prompt_logprobs=true
// onto an arbitrary caller-supplied sample payload. The payload's own
// shape is opaque to this package, so the override is applied by
// round-tripping through JSON rather than assuming a concrete type.
type computeLogprobsPayload struct {
	base interface{}
}

func (p computeLogprobsPayload) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(p.base)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["max_tokens"] = 1
	fields["prompt_logprobs"] = true
	return json.Marshal(fields)
}

// ComputeLogprobs dispatches a logprob-only request. Per §4.11 it is a
// convenience over Sample with max_tokens forced to 1 and
// prompt_logprobs forced to true, not a distinct wire endpoint.
func (c *Coordinator) ComputeLogprobs(ctx context.Context, payload interface{}, estimatedBytes int64) (interface{}, error) {
	return c.Sample(ctx, computeLogprobsPayload{base: payload}, estimatedBytes)
}
