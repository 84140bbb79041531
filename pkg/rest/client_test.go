package rest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	method string
	path   string
	query  map[string]string
	result interface{}
	err    error
}

func (s *recordingSender) Send(ctx context.Context, method, path string, query map[string]string) (interface{}, error) {
	s.method, s.path, s.query = method, path, query
	return s.result, s.err
}

func TestListSessions_DefaultsLimit20(t *testing.T) {
	sender := &recordingSender{result: "ok"}
	c := NewClient(sender, nil, nil)

	_, err := c.ListSessions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "20", sender.query["limit"])
	assert.Equal(t, "0", sender.query["offset"])
}

func TestListUserCheckpoints_DefaultsLimit100(t *testing.T) {
	sender := &recordingSender{result: "ok"}
	c := NewClient(sender, nil, nil)

	_, err := c.ListUserCheckpoints(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "100", sender.query["limit"])
}

func TestListCheckpoints_Unpaged(t *testing.T) {
	sender := &recordingSender{result: "ok"}
	c := NewClient(sender, nil, nil)

	_, err := c.ListCheckpoints(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "GET", sender.method)
	assert.Equal(t, "/training_runs/run-1/checkpoints", sender.path)
	assert.Nil(t, sender.query)
}

func TestListSessions_ExplicitPageOverridesDefault(t *testing.T) {
	sender := &recordingSender{result: "ok"}
	c := NewClient(sender, nil, nil)

	_, err := c.ListSessions(context.Background(), &Page{Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, "5", sender.query["limit"])
	assert.Equal(t, "10", sender.query["offset"])
}

func TestGetCheckpoint_RejectsInvalidHandle(t *testing.T) {
	sender := &recordingSender{result: "ok"}
	c := NewClient(sender, nil, nil)

	_, err := c.GetCheckpoint(context.Background(), CheckpointHandle{RunID: "run-1"})
	require.Error(t, err)
	assert.Empty(t, sender.method, "sender must not be called for an invalid handle")
}

func TestPublish_BuildsExpectedPath(t *testing.T) {
	sender := &recordingSender{result: "ok"}
	c := NewClient(sender, nil, nil)

	h := CheckpointHandle{RunID: "run-1", Segment1: "ckpt", Segment2: "step-10"}
	_, err := c.Publish(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "POST", sender.method)
	assert.Equal(t, "/training_runs/run-1/checkpoints/ckpt/step-10/publish", sender.path)
}

func TestGetSessionAsync_ResolvesResult(t *testing.T) {
	sender := &recordingSender{result: map[string]string{"id": "sess-1"}}
	c := NewClient(sender, nil, nil)

	task := c.GetSessionAsync(context.Background(), "sess-1")
	result, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id": "sess-1"}, result)
}

func TestDeleteCheckpointAsync_PropagatesError(t *testing.T) {
	sender := &recordingSender{err: assertErr2}
	c := NewClient(sender, nil, nil)

	task := c.DeleteCheckpointAsync(context.Background(), CheckpointHandle{RunID: "r", Segment1: "a", Segment2: "b"})
	_, err := task.Wait()
	require.Error(t, err)
}

var assertErr2 = &fakeRestErr{}

type fakeRestErr struct{}

func (e *fakeRestErr) Error() string { return "boom" }
