package rest

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinkerlabs/tinker-go-core/internal/telemetry"
)

// Pagination defaults named in §4.13.
const (
	DefaultListSessionsLimit      = 20
	DefaultListTrainingRunsLimit  = 20
	DefaultListUserCheckpointsLimit = 100
	// list_checkpoints has no default limit: it always returns all.
)

// Page is the {limit, offset} pair accepted by every paginated list
// call. A nil *Page means "use the operation's documented default".
type Page struct {
	Limit  int
	Offset int
}

func (p *Page) resolve(defaultLimit int) Page {
	if p == nil {
		return Page{Limit: defaultLimit}
	}
	r := *p
	if r.Limit <= 0 {
		r.Limit = defaultLimit
	}
	return r
}

// Sender performs one synchronous REST call and decodes its response.
// The bit-level JSON shape of query/response is external to this
// package, same as the other coordinators' Sender interfaces.
type Sender interface {
	Send(ctx context.Context, method, path string, query map[string]string) (interface{}, error)
}

// Client is the thin REST surface: request/response translation only,
// no retry or admission-control logic of its own (the Sender is
// expected to already run through pkg/retry and pkg/transport).
type Client struct {
	Sender    Sender
	Telemetry telemetry.Reporter
	Log       *logrus.Entry
}

// NewClient builds a Client.
func NewClient(sender Sender, rep telemetry.Reporter, log *logrus.Entry) *Client {
	if rep == nil {
		rep = telemetry.Noop{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{Sender: sender, Telemetry: rep, Log: log}
}

func pageQuery(p Page) map[string]string {
	return map[string]string{
		"limit":  itoa(p.Limit),
		"offset": itoa(p.Offset),
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// GetSession fetches one session by ID.
func (c *Client) GetSession(ctx context.Context, sessionID string) (interface{}, error) {
	return c.Sender.Send(ctx, "GET", "/sessions/"+sessionID, nil)
}

// ListSessions lists sessions, defaulting to limit=20 per §4.13.
func (c *Client) ListSessions(ctx context.Context, page *Page) (interface{}, error) {
	return c.Sender.Send(ctx, "GET", "/sessions", pageQuery(page.resolve(DefaultListSessionsLimit)))
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (interface{}, error) {
	return c.Sender.Send(ctx, "DELETE", "/sessions/"+sessionID, nil)
}

// GetTrainingRun fetches one training run by ID.
func (c *Client) GetTrainingRun(ctx context.Context, runID string) (interface{}, error) {
	return c.Sender.Send(ctx, "GET", "/training_runs/"+runID, nil)
}

// ListTrainingRuns lists training runs, defaulting to limit=20.
func (c *Client) ListTrainingRuns(ctx context.Context, page *Page) (interface{}, error) {
	return c.Sender.Send(ctx, "GET", "/training_runs", pageQuery(page.resolve(DefaultListTrainingRunsLimit)))
}

// ListCheckpoints lists every checkpoint for a training run; §4.13
// names no default limit here, so all results are returned unpaged.
func (c *Client) ListCheckpoints(ctx context.Context, runID string) (interface{}, error) {
	return c.Sender.Send(ctx, "GET", "/training_runs/"+runID+"/checkpoints", nil)
}

// ListUserCheckpoints lists checkpoints across all of the caller's
// runs, defaulting to limit=100.
func (c *Client) ListUserCheckpoints(ctx context.Context, page *Page) (interface{}, error) {
	return c.Sender.Send(ctx, "GET", "/checkpoints", pageQuery(page.resolve(DefaultListUserCheckpointsLimit)))
}

// GetCheckpoint fetches one checkpoint by handle.
func (c *Client) GetCheckpoint(ctx context.Context, h CheckpointHandle) (interface{}, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return c.Sender.Send(ctx, "GET", "/training_runs/"+h.RunID+"/checkpoints/"+h.Segment1+"/"+h.Segment2, nil)
}

// DeleteCheckpoint deletes a checkpoint by handle.
func (c *Client) DeleteCheckpoint(ctx context.Context, h CheckpointHandle) (interface{}, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return c.Sender.Send(ctx, "DELETE", "/training_runs/"+h.RunID+"/checkpoints/"+h.Segment1+"/"+h.Segment2, nil)
}

// GetArchiveURL fetches a download URL for a checkpoint's archive.
func (c *Client) GetArchiveURL(ctx context.Context, h CheckpointHandle) (interface{}, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return c.Sender.Send(ctx, "GET", "/training_runs/"+h.RunID+"/checkpoints/"+h.Segment1+"/"+h.Segment2+"/archive", nil)
}

// GetWeightsInfo fetches weights metadata for a checkpoint.
func (c *Client) GetWeightsInfo(ctx context.Context, h CheckpointHandle) (interface{}, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return c.Sender.Send(ctx, "GET", "/weights/info/"+h.RunID+"/"+h.Segment1+"/"+h.Segment2, nil)
}

// Publish marks a checkpoint as published.
func (c *Client) Publish(ctx context.Context, h CheckpointHandle) (interface{}, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return c.Sender.Send(ctx, "POST", "/training_runs/"+h.RunID+"/checkpoints/"+h.Segment1+"/"+h.Segment2+"/publish", nil)
}

// Unpublish reverses Publish.
func (c *Client) Unpublish(ctx context.Context, h CheckpointHandle) (interface{}, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return c.Sender.Send(ctx, "POST", "/training_runs/"+h.RunID+"/checkpoints/"+h.Segment1+"/"+h.Segment2+"/unpublish", nil)
}

// Task is a future-task wrapping one synchronous call, backed by
// errgroup so a caller can fan out several _async operations and join
// them together if it wants to.
type Task struct {
	g      *errgroup.Group
	result interface{}
}

func newTask(fn func() (interface{}, error)) *Task {
	g := new(errgroup.Group)
	t := &Task{g: g}
	g.Go(func() error {
		r, err := fn()
		t.result = r
		return err
	})
	return t
}

// Wait blocks until the wrapped call completes.
func (t *Task) Wait() (interface{}, error) {
	err := t.g.Wait()
	return t.result, err
}

// GetSessionAsync is GetSession's _async twin.
func (c *Client) GetSessionAsync(ctx context.Context, sessionID string) *Task {
	return newTask(func() (interface{}, error) { return c.GetSession(ctx, sessionID) })
}

// ListSessionsAsync is ListSessions's _async twin.
func (c *Client) ListSessionsAsync(ctx context.Context, page *Page) *Task {
	return newTask(func() (interface{}, error) { return c.ListSessions(ctx, page) })
}

// DeleteSessionAsync is DeleteSession's _async twin.
func (c *Client) DeleteSessionAsync(ctx context.Context, sessionID string) *Task {
	return newTask(func() (interface{}, error) { return c.DeleteSession(ctx, sessionID) })
}

// GetCheckpointAsync is GetCheckpoint's _async twin.
func (c *Client) GetCheckpointAsync(ctx context.Context, h CheckpointHandle) *Task {
	return newTask(func() (interface{}, error) { return c.GetCheckpoint(ctx, h) })
}

// DeleteCheckpointAsync is DeleteCheckpoint's _async twin.
func (c *Client) DeleteCheckpointAsync(ctx context.Context, h CheckpointHandle) *Task {
	return newTask(func() (interface{}, error) { return c.DeleteCheckpoint(ctx, h) })
}

// GetArchiveURLAsync is GetArchiveURL's _async twin.
func (c *Client) GetArchiveURLAsync(ctx context.Context, h CheckpointHandle) *Task {
	return newTask(func() (interface{}, error) { return c.GetArchiveURL(ctx, h) })
}

// GetWeightsInfoAsync is GetWeightsInfo's _async twin.
func (c *Client) GetWeightsInfoAsync(ctx context.Context, h CheckpointHandle) *Task {
	return newTask(func() (interface{}, error) { return c.GetWeightsInfo(ctx, h) })
}

// PublishAsync is Publish's _async twin.
func (c *Client) PublishAsync(ctx context.Context, h CheckpointHandle) *Task {
	return newTask(func() (interface{}, error) { return c.Publish(ctx, h) })
}

// UnpublishAsync is Unpublish's _async twin.
func (c *Client) UnpublishAsync(ctx context.Context, h CheckpointHandle) *Task {
	return newTask(func() (interface{}, error) { return c.Unpublish(ctx, h) })
}
