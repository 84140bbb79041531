// Package training implements the Training Coordinator of §4.10: the
// per-model serializer that chunks data, reserves consecutive request
// IDs, dispatches multi-chunk forward/backward/optim operations, and
// aggregates their results.
package training

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinkerlabs/tinker-go-core/internal/telemetry"
	"github.com/tinkerlabs/tinker-go-core/pkg/byteestimate"
	"github.com/tinkerlabs/tinker-go-core/pkg/chunk"
	"github.com/tinkerlabs/tinker-go-core/pkg/errtaxonomy"
	"github.com/tinkerlabs/tinker-go-core/pkg/future"
)

// Sender posts one request to the server via the training pool and
// returns the first-response envelope: either a terminal result or a
// future to be polled. The bit-level JSON shape of path/payload is an
// external concern, out of scope here.
type Sender interface {
	Send(ctx context.Context, path string, requestID int64, payload interface{}) future.Envelope
}

// PollerFor builds a poller tagged for a named operation (e.g.
// "Forward", "OptimStep"), per §4.10's per-operation telemetry tag
// requirement.
type PollerFor func(operationTag string) *future.Poller

// Aggregator merges the ordered per-chunk results of a multi-chunk
// call into one logical result equivalent to a single-request
// response, per §4.10.
type Aggregator func(results []interface{}) (interface{}, error)

// SumFloat64Aggregator implements the element-wise sum aggregation of
// Scenario A: every partial result must be a []float64 of identical
// length.
func SumFloat64Aggregator(results []interface{}) (interface{}, error) {
	if len(results) == 0 {
		return []float64{}, nil
	}
	first, ok := results[0].([]float64)
	if !ok {
		return nil, errtaxonomy.RequestFailed("aggregation expected []float64 partial result", nil)
	}
	sum := make([]float64, len(first))
	copy(sum, first)
	for _, r := range results[1:] {
		v, ok := r.([]float64)
		if !ok || len(v) != len(sum) {
			return nil, errtaxonomy.RequestFailed("aggregation partial result shape mismatch", nil)
		}
		for i := range sum {
			sum[i] += v[i]
		}
	}
	return sum, nil
}

// Coordinator owns one model's request-ID sequence and dispatch.
type Coordinator struct {
	ModelID   string
	SessionID string

	Sender    Sender
	PollerFor PollerFor
	Telemetry telemetry.Reporter
	Log       *logrus.Entry

	counter *chunk.Counter
}

// NewCoordinator builds a coordinator whose request IDs start at
// start (0 in the common case, but callers may resume a session).
func NewCoordinator(modelID, sessionID string, start int64, sender Sender, pollerFor PollerFor, rep telemetry.Reporter, log *logrus.Entry) *Coordinator {
	if rep == nil {
		rep = telemetry.Noop{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		ModelID:   modelID,
		SessionID: sessionID,
		Sender:    sender,
		PollerFor: pollerFor,
		Telemetry: rep,
		Log:       log,
		counter:   chunk.NewCounter(start),
	}
}

// dispatchChunks reserves a consecutive ID block for n sub-requests,
// sends each built via payloadAt concurrently (bounded by errgroup's
// fail-fast cancellation), polls any non-terminal ones, and aggregates
// the ordered results. The first classified failure cancels the rest
// of the batch and fails the whole call; no partial results are
// returned (§4.10 failure mode).
func (c *Coordinator) dispatchChunks(ctx context.Context, path, opTag string, n int, payloadAt func(i int) interface{}, agg Aggregator) (interface{}, error) {
	if n == 0 {
		return agg(nil)
	}

	firstID := c.counter.ReserveBlock(n)

	c.Telemetry.Report(telemetry.Event{
		Name: opTag,
		Metadata: map[string]interface{}{
			"model_id":   c.ModelID,
			"session_id": c.SessionID,
			"first_id":   firstID,
			"num_chunks": n,
		},
	})

	results := make([]interface{}, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			requestID := firstID + int64(i)
			env := c.Sender.Send(gctx, path, requestID, payloadAt(i))
			result, err := c.resolve(gctx, opTag, requestID, env)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return agg(results)
}

func datumChunkPayloads(chunks [][]byteestimate.Datum) (int, func(i int) interface{}) {
	return len(chunks), func(i int) interface{} { return chunks[i] }
}

// resolve turns a Send envelope into a final payload, polling via
// §4.6 when the response was non-terminal.
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
	handle := future.Handle{RequestID: fmt.Sprintf("%d", requestID), SessionID: c.SessionID}
	res, err := poller.Run(ctx, handle)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// Forward dispatches a forward-only pass over data, chunked per §4.9,
// and aggregates the per-chunk logprobs.
func (c *Coordinator) Forward(ctx context.Context, data []byteestimate.Datum, agg Aggregator) (interface{}, error) {
	n, payloadAt := datumChunkPayloads(chunk.Chunks(data))
	return c.dispatchChunks(ctx, "/forward", "Forward", n, payloadAt, agg)
}

// ForwardBackward dispatches a forward-backward pass.
func (c *Coordinator) ForwardBackward(ctx context.Context, data []byteestimate.Datum, agg Aggregator) (interface{}, error) {
	n, payloadAt := datumChunkPayloads(chunk.Chunks(data))
	return c.dispatchChunks(ctx, "/forward_backward", "ForwardBackward", n, payloadAt, agg)
}

// LossFn computes per-datum synthetic gradients and caller-reported
// metrics from the logprobs of a forward-only pass over data, per
// §4.10 step 3. gradients must have one entry per datum in data,
// matching its order. metrics is opaque and carried through untouched
// to the final ForwardBackwardCustomResult.
type LossFn func(data []byteestimate.Datum, logprobs interface{}) (gradients []float64, metrics map[string]interface{}, err error)

// ForwardBackwardCustomResult is ForwardBackwardCustom's result: the
// aggregated backward-pass payload alongside the metrics lossFn
// reported when it computed the gradients.
type ForwardBackwardCustomResult struct {
	Aggregated interface{}
	Metrics    map[string]interface{}
}

// rawChunkResults hands back each forward-pass chunk's result
// unmodified and in order, so a caller-supplied loss function sees the
// same logprobs shape the chunking machinery produced rather than a
// summed or otherwise merged view of it.
func rawChunkResults(results []interface{}) (interface{}, error) {
	return results, nil
}

// ForwardBackwardCustom implements §4.10's composite forward-backward
// operation: a forward-only pass supplies logprobs to lossFn, whose
// returned gradients are translated into loss weights and dispatched
// as a forward_backward pass chunked identically to the forward pass,
// and whose metrics are merged into the final result.
func (c *Coordinator) ForwardBackwardCustom(ctx context.Context, data []byteestimate.Datum, lossFn LossFn, translator GradientTranslator, agg Aggregator) (interface{}, error) {
	if lossFn == nil {
		return nil, errtaxonomy.Validation("ForwardBackwardCustom requires a loss function")
	}
	if translator == nil {
		translator = AffineGradientTranslator{}
	}

	logprobs, err := c.Forward(ctx, data, rawChunkResults)
	if err != nil {
		return nil, err
	}

	gradients, metrics, err := lossFn(data, logprobs)
	if err != nil {
		return nil, err
	}
	if len(gradients) != len(data) {
		return nil, errtaxonomy.Validation(fmt.Sprintf("loss function returned %d gradients for %d datums", len(gradients), len(data)))
	}

	chunks := chunk.Chunks(data)
	lengths := make([]int, len(chunks))
	for i, ch := range chunks {
		lengths[i] = len(ch)
	}
	lossWeights := translator.ToLossWeights(gradients)
	weightChunks := splitFloat64(lossWeights, lengths)

	n := len(chunks)
	payloadAt := func(i int) interface{} {
		return customLossChunk{Data: chunks[i], LossWeights: weightChunks[i]}
	}
	aggregated, err := c.dispatchChunks(ctx, "/forward_backward", "ForwardBackwardCustom", n, payloadAt, agg)
	if err != nil {
		return nil, err
	}
	return &ForwardBackwardCustomResult{Aggregated: aggregated, Metrics: metrics}, nil
}

// customLossChunk is one sub-request's worth of a custom-loss
// forward-backward call: the data chunk paired with the loss weights
// the translator derived for it.
type customLossChunk struct {
	Data        []byteestimate.Datum
	LossWeights []float64
}

func splitFloat64(vals []float64, lengths []int) [][]float64 {
	out := make([][]float64, len(lengths))
	offset := 0
	for i, l := range lengths {
		out[i] = vals[offset : offset+l]
		offset += l
	}
	return out
}

// OptimStep dispatches a single (non-chunked) optimizer step.
func (c *Coordinator) OptimStep(ctx context.Context, params interface{}) (interface{}, error) {
	requestID := c.counter.ReserveBlock(1)
	env := c.Sender.Send(ctx, "/optim_step", requestID, params)
	return c.resolve(ctx, "OptimStep", requestID, env)
}

// SaveState dispatches a checkpoint save.
func (c *Coordinator) SaveState(ctx context.Context, params interface{}) (interface{}, error) {
	requestID := c.counter.ReserveBlock(1)
	env := c.Sender.Send(ctx, "/save_weights", requestID, params)
	return c.resolve(ctx, "Save", requestID, env)
}

// LoadState dispatches a checkpoint load.
func (c *Coordinator) LoadState(ctx context.Context, params interface{}) (interface{}, error) {
	requestID := c.counter.ReserveBlock(1)
	env := c.Sender.Send(ctx, "/load_weights", requestID, params)
	return c.resolve(ctx, "Load", requestID, env)
}

// SaveWeightsForSampler dispatches a sampler-ready weights export.
func (c *Coordinator) SaveWeightsForSampler(ctx context.Context, params interface{}) (interface{}, error) {
	requestID := c.counter.ReserveBlock(1)
	env := c.Sender.Send(ctx, "/save_weights_for_sampler", requestID, params)
	return c.resolve(ctx, "SaveWeightsForSampler", requestID, env)
}

// GetInfo dispatches an info request.
func (c *Coordinator) GetInfo(ctx context.Context) (interface{}, error) {
	requestID := c.counter.ReserveBlock(1)
	env := c.Sender.Send(ctx, "/get_info", requestID, nil)
	return c.resolve(ctx, "GetInfo", requestID, env)
}

// UnloadModel dispatches a model unload.
func (c *Coordinator) UnloadModel(ctx context.Context) (interface{}, error) {
	requestID := c.counter.ReserveBlock(1)
	env := c.Sender.Send(ctx, "/unload_model", requestID, nil)
	return c.resolve(ctx, "UnloadModel", requestID, env)
}
