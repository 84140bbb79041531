package future

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinkerlabs/tinker-go-core/pkg/errtaxonomy"
	"github.com/tinkerlabs/tinker-go-core/pkg/retry"
)

// PollFunc posts the handle to the poll endpoint and returns the
// tagged response envelope.
type PollFunc func(ctx context.Context, h Handle) Envelope

// Poller drives a Handle to terminal success or a classified failure.
type Poller struct {
	Poll            PollFunc
	Observer        Observers
	Backoff         retry.BackoffParams
	ProgressTimeout time.Duration
	OperationTag    string
	Log             *logrus.Entry

	// Sleep and nowFn are overridable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	nowFn func() time.Time
}

// NewPoller builds a Poller with the §4.6 defaults.
func NewPoller(poll PollFunc, log *logrus.Entry) *Poller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Poller{
		Poll:            poll,
		Backoff:         retry.DefaultBackoffParams(),
		ProgressTimeout: retry.DefaultProgressTimeout,
		Log:             log,
		Sleep:           defaultSleep,
		nowFn:           time.Now,
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

type observedState struct {
	set    bool
	state  QueueState
	reason string
}

// Run drives h to completion. Cancelling ctx abandons the poll: no
// result is delivered, and any in-flight HTTP request's fate follows
// transport semantics (the PollFunc's own context handling).
func (p *Poller) Run(ctx context.Context, h Handle) (*Result, error) {
	now := p.nowFn
	if now == nil {
		now = time.Now
	}

	lastProgress := now()
	var prev observedState

	for attempt := 0; ; attempt++ {
		env := p.Poll(ctx, h)

		switch {
		case env.Terminal != nil:
			return env.Terminal, nil

		case env.Err != nil:
			if !errtaxonomy.Retryable(env.Err) {
				return nil, env.Err
			}
			// Retryable transport/5xx error: treat like a TryAgain with
			// default backoff, no queue-state transition to report.
			if now().Sub(lastProgress) > p.ProgressTimeout {
				return nil, errtaxonomy.Timeout("poll progress timeout exceeded").WithCause(env.Err)
			}
			delay := retry.ComputeDelay(p.Backoff, attempt)
			if err := p.sleep(ctx, delay); err != nil {
				return nil, errtaxonomy.Connection("poll sleep interrupted", err)
			}
			continue

		case env.Again != nil:
			again := env.Again
			if again.QueueState != "" {
				changed := !prev.set || prev.state != again.QueueState || prev.reason != again.QueueStateReason
				if changed {
					prev = observedState{set: true, state: again.QueueState, reason: again.QueueStateReason}
					// Every transition is emitted to the observer, even
					// into the active state; only the debug-log line is
					// suppressed for active (the observer, not a log
					// line, is the channel that matters here).
					p.Observer.Emit(QueueStateObservation{
						QueueState: again.QueueState,
						Reason:     again.QueueStateReason,
						Metadata: map[string]interface{}{
							"request_id": h.RequestID,
							"session_id": h.SessionID,
						},
					})
					if again.QueueState != QueueActive {
						p.Log.WithFields(logrus.Fields{
							"queue_state": again.QueueState,
							"reason":      again.QueueStateReason,
							"request_id":  h.RequestID,
						}).Debug("queue state transition")
					}
					lastProgress = now()
				}
			}

			if now().Sub(lastProgress) > p.ProgressTimeout {
				return nil, errtaxonomy.Timeout("poll progress timeout exceeded")
			}

			delay := p.resolveTryAgainDelay(again, attempt)
			if err := p.sleep(ctx, delay); err != nil {
				return nil, errtaxonomy.Connection("poll sleep interrupted", err)
			}

		default:
			return nil, errtaxonomy.RequestFailed("poll returned empty envelope", nil)
		}
	}
}

func (p *Poller) resolveTryAgainDelay(again *TryAgain, attempt int) time.Duration {
	if again.RetryAfter != nil {
		return *again.RetryAfter
	}
	return retry.ComputeDelay(p.Backoff, attempt)
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return defaultSleep(ctx, d)
}
