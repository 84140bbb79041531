package sampling

import (
	"context"
	"fmt"

	"github.com/tinkerlabs/tinker-go-core/pkg/errtaxonomy"
)

// StreamSender opens a server-sent-event style stream for one sampling
// request and delivers each chunk to onChunk as it arrives. It must
// return promptly once ctx is cancelled. The wire framing of an
// individual chunk is external to this package.
type StreamSender interface {
	Stream(ctx context.Context, path string, payload interface{}, onChunk func(interface{}) error) error
}

// Stream is a pull-style iterator over a sample_stream call's chunks.
// Unlike Sample/ComputeLogprobs, a streamed call is not retried or
// re-polled mid-stream (§9 Open Question, decided: no mid-stream
// recovery) -- a failure at any point terminates the stream and is
// surfaced as Err on the next Next call.
type Stream struct {
	items chan interface{}
	errc  chan error
	done  chan struct{}
	err   error
	ended bool
}

// Next blocks for the next chunk. ok is false once the stream has
// ended, either successfully or with an error (check Err in that
// case).
func (s *Stream) Next() (chunk interface{}, ok bool) {
	if s.ended {
		return nil, false
	}
	// The producer records any error on errc before closing items, so
	// every chunk delivered before a failure is still returned here.
	item, more := <-s.items
	if !more {
		s.drainErr()
		s.ended = true
		return nil, false
	}
	return item, true
}

func (s *Stream) drainErr() {
	select {
	case err := <-s.errc:
		s.err = err
	default:
	}
}

// Err returns the terminal error, if the stream ended abnormally.
func (s *Stream) Err() error {
	return s.err
}

// SampleStream opens a streamed sampling call. Admission control
// (pkg/dispatch) gates opening the stream, the same as a one-shot
// Sample call, estimated by estimatedBytes; once the stream is open,
// its chunks are not subject to further per-chunk admission checks.
func (c *Coordinator) SampleStream(ctx context.Context, sender StreamSender, payload interface{}, estimatedBytes int64) (*Stream, error) {
	requestID := c.counter.ReserveBlock(1)

	s := &Stream{
		items: make(chan interface{}, 16),
		errc:  make(chan error, 1),
		done:  make(chan struct{}),
	}

	// admitted signals once WithRateLimit has granted admission and the
	// underlying stream call is about to start; SampleStream returns to
	// the caller at that point rather than waiting for the stream to
	// finish. Any admission-control failure (e.g. ctx cancelled while
	// queued) is returned directly instead.
	admitted := make(chan struct{})
	var admitErr error

	go func() {
		err := c.Dispatch.WithRateLimit(ctx, estimatedBytes, func() error {
			close(admitted)
			return sender.Stream(ctx, "/stream_sample", payload, func(chunk interface{}) error {
				select {
				case s.items <- chunk:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		})
		if err != nil {
			select {
			case <-admitted:
				s.errc <- classifyStreamError(requestID, err)
			default:
				admitErr = err
				close(admitted)
			}
		}
		close(s.items)
		close(s.done)
	}()

	<-admitted
	if admitErr != nil {
		return nil, admitErr
	}
	return s, nil
}

func classifyStreamError(requestID int64, err error) error {
	if _, ok := errtaxonomy.AsError(err); ok {
		return err
	}
	return errtaxonomy.Connection(fmt.Sprintf("stream request %d failed", requestID), err)
}
