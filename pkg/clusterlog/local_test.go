package clusterlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refmdio/refmd/pkg/types"
)

func TestLocalLogPublishAndReadBacklog(t *testing.T) {
	log := NewLocalLog(0)
	ctx := context.Background()
	doc := types.NewDocumentID()

	id1, err := log.PublishUpdate(ctx, doc, []byte("frame-1"))
	require.NoError(t, err)
	id2, err := log.PublishUpdate(ctx, doc, []byte("frame-2"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	backlog, err := log.ReadUpdateBacklog(ctx, doc, "")
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	assert.Equal(t, []byte("frame-1"), backlog[0].Bytes)
	assert.Equal(t, []byte("frame-2"), backlog[1].Bytes)

	since, err := log.ReadUpdateBacklog(ctx, doc, id1)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, []byte("frame-2"), since[0].Bytes)
}

func TestLocalLogPublishUpdateEnqueuesTask(t *testing.T) {
	log := NewLocalLog(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	doc := types.NewDocumentID()

	tasks, err := log.SubscribeTasks(ctx, "")
	require.NoError(t, err)

	_, err = log.PublishUpdate(ctx, doc, []byte("x"))
	require.NoError(t, err)

	select {
	case task := <-tasks:
		assert.Equal(t, doc.String(), task.DocumentID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task")
	}
}

func TestLocalLogSubscribeUpdatesReplaysBacklogThenLive(t *testing.T) {
	log := NewLocalLog(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	doc := types.NewDocumentID()

	_, err := log.PublishUpdate(ctx, doc, []byte("backlog-1"))
	require.NoError(t, err)

	sub, err := log.SubscribeUpdates(ctx, doc, "")
	require.NoError(t, err)

	first := <-sub
	assert.Equal(t, []byte("backlog-1"), first.Bytes)

	_, err = log.PublishUpdate(ctx, doc, []byte("live-1"))
	require.NoError(t, err)

	select {
	case f := <-sub:
		assert.Equal(t, []byte("live-1"), f.Bytes)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live frame")
	}
}

func TestLocalLogTrimUpdatesMinID(t *testing.T) {
	log := NewLocalLog(0)
	ctx := context.Background()
	doc := types.NewDocumentID()

	id1, _ := log.PublishUpdate(ctx, doc, []byte("a"))
	_, _ = log.PublishUpdate(ctx, doc, []byte("b"))

	require.NoError(t, log.TrimUpdatesMinID(ctx, doc, id1))

	backlog, err := log.ReadUpdateBacklog(ctx, doc, "")
	require.NoError(t, err)
	require.Len(t, backlog, 2) // id1 itself is >= minID, kept
}
