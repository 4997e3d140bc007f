package clusterlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/refmdio/refmd/pkg/types"
)

func newTestRedisLog(t *testing.T) (*RedisLog, func()) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	log := NewRedisLog(client, "refmd-test", 0)
	return log, func() { client.Close() }
}

func TestRedisLogPublishUpdateEnqueuesTask(t *testing.T) {
	log, cleanup := newTestRedisLog(t)
	defer cleanup()

	ctx := context.Background()
	doc := types.NewDocumentID()

	_, err := log.PublishUpdate(ctx, doc, []byte("frame"))
	require.NoError(t, err)

	backlog, err := log.ReadUpdateBacklog(ctx, doc, "")
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	require.Equal(t, []byte("frame"), backlog[0].Bytes)

	tasks, err := log.readBacklog(ctx, log.tasksKey(), fieldTaskDoc, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, []byte(doc.String()), tasks[0].Bytes)
}

func TestRedisLogReadBacklogSince(t *testing.T) {
	log, cleanup := newTestRedisLog(t)
	defer cleanup()

	ctx := context.Background()
	doc := types.NewDocumentID()

	id1, err := log.PublishUpdate(ctx, doc, []byte("first"))
	require.NoError(t, err)
	_, err = log.PublishUpdate(ctx, doc, []byte("second"))
	require.NoError(t, err)

	since, err := log.ReadUpdateBacklog(ctx, doc, id1)
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, []byte("second"), since[0].Bytes)
}

func TestRedisLogAckTaskRemovesEntry(t *testing.T) {
	log, cleanup := newTestRedisLog(t)
	defer cleanup()

	ctx := context.Background()
	doc := types.NewDocumentID()

	_, err := log.PublishUpdate(ctx, doc, []byte("frame"))
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	tasks, err := log.SubscribeTasks(ctxTimeout, "0")
	require.NoError(t, err)

	task := <-tasks
	require.NoError(t, log.AckTask(ctx, task.ID))

	remaining, err := log.readBacklog(ctx, log.tasksKey(), fieldTaskDoc, "")
	require.NoError(t, err)
	require.Empty(t, remaining)
}
