// Package retry implements the bounded-attempt, exponential-backoff
// executor of §4.7: by default attempts are unbounded, cut off only by
// the cumulative progress timeout, because a small fixed attempt cap
// causes premature failure during server restarts (§9).
package retry

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinkerlabs/tinker-go-core/pkg/errtaxonomy"
)

// Config bundles the §4.7 parameters. MaxAttempts == 0 means
// unbounded, the documented default; EnableRetryLogic == false
// disables retries entirely (first classified error is returned as-is).
type Config struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	JitterPct          float64
	ProgressTimeout    time.Duration
	MaxConnections     int
	EnableRetryLogic   bool
}

// DefaultConfig returns the §4.7 defaults: unbounded attempts, a
// 120-minute progress timeout, 500ms/10s/25% exponential jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      0,
		BaseDelay:        DefaultBaseDelay,
		MaxDelay:         DefaultMaxDelay,
		JitterPct:        DefaultJitterPct,
		ProgressTimeout:  DefaultProgressTimeout,
		MaxConnections:   DefaultMaxConnections,
		EnableRetryLogic: true,
	}
}

// Attempt is the raw outcome of a single HTTP round trip: either a
// response (any status code) or a transport-level error, never both.
type Attempt struct {
	Resp *http.Response
	Err  error
}

// AttemptFunc performs one HTTP round trip.
type AttemptFunc func(ctx context.Context) Attempt

// Classifier turns a raw Attempt into either nil (treat as terminal
// success) or a classified *errtaxonomy.Error. It is the caller's
// responsibility, not the executor's, since only the caller knows how
// to read a server-declared `category`/`retry_after_ms` out of the
// response body -- the bit-level JSON shape is out of scope here.
type Classifier func(Attempt) *errtaxonomy.Error

// Executor runs AttemptFunc with retries per Config.
type Executor struct {
	Config Config
	Log    *logrus.Entry

	// Sleep is overridable for tests; it must honor ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error

	// nowFn is overridable for tests.
	nowFn func() time.Time
}

// NewExecutor builds an Executor with the given config.
func NewExecutor(cfg Config, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		Config: cfg,
		Log:    log,
		Sleep:  sleepCtx,
		nowFn:  time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Execute runs attempt, retrying per classify's verdict until success,
// a non-retryable error, the progress timeout, or (if EnableRetryLogic
// is false) immediately after the first failure.
func (e *Executor) Execute(ctx context.Context, attempt AttemptFunc, classify Classifier) (*http.Response, error) {
	now := e.nowFn
	if now == nil {
		now = time.Now
	}
	start := now()
	params := BackoffParams{BaseDelay: e.Config.BaseDelay, MaxDelay: e.Config.MaxDelay, JitterPct: e.Config.JitterPct}

	for i := 0; ; i++ {
		a := attempt(ctx)
		classErr := classify(a)
		if classErr == nil {
			return a.Resp, nil
		}

		if !e.Config.EnableRetryLogic {
			return a.Resp, classErr
		}
		if !errtaxonomy.Retryable(classErr) {
			return a.Resp, classErr
		}
		if e.Config.MaxAttempts > 0 && i+1 >= e.Config.MaxAttempts {
			return a.Resp, classErr
		}
		if now().Sub(start) >= e.Config.ProgressTimeout {
			return a.Resp, errtaxonomy.Timeout("retry progress timeout exceeded").WithCause(classErr)
		}

		delay := resolveDelay(classErr, params, i)
		if err := e.Sleep(ctx, delay); err != nil {
			return a.Resp, errtaxonomy.Connection("retry sleep interrupted", err)
		}
	}
}

func resolveDelay(classErr *errtaxonomy.Error, params BackoffParams, attempt int) time.Duration {
	if classErr.RetryAfter != nil {
		return *classErr.RetryAfter
	}
	return ComputeDelay(params, attempt)
}

// ClassifyHTTP is a reusable Classifier built from the §4.1 rules for
// callers that have no server-declared category/retry_after to layer
// on top. serverCategory and retryAfter, when non-empty/non-nil, come
// from the caller's own JSON decoding of the response body.
func ClassifyHTTP(a Attempt, serverCategory string, retryAfter *time.Duration) *errtaxonomy.Error {
	if a.Err != nil {
		return errtaxonomy.Connection("transport error", a.Err)
	}
	if a.Resp == nil {
		return errtaxonomy.RequestFailed("no response and no error", nil)
	}
	if override, force := ShouldRetryOverride(a.Resp.Header); override {
		if a.Resp.StatusCode >= 200 && a.Resp.StatusCode < 300 {
			return nil
		}
		e := errtaxonomy.FromHTTPStatus(a.Resp.StatusCode, serverCategory, retryAfter)
		e.ForceRetry = &force
		return e
	}
	if a.Resp.StatusCode >= 200 && a.Resp.StatusCode < 300 {
		return nil
	}
	if ra, ok := ParseRetryAfter(a.Resp.Header, nil); ok && retryAfter == nil {
		retryAfter = &ra
	}
	return errtaxonomy.FromHTTPStatus(a.Resp.StatusCode, serverCategory, retryAfter)
}
