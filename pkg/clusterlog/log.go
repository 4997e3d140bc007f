// Package clusterlog implements the Cluster Log (C5): per-document
// append-only streams for edits and awareness, plus a shared
// task-trigger stream that wakes the Persistence Worker. Two
// implementations share the Log interface: RedisLog, backed by Redis
// Streams for cluster mode, and LocalLog, an in-process fan-out for
// single-node mode.
package clusterlog

import (
	"context"

	"github.com/refmdio/refmd/pkg/types"
)

// Log is the Cluster Log contract the realtime engine, hydration
// service, and persistence worker consume.
type Log interface {
	// PublishUpdate appends frame to doc's updates stream and returns
	// its stream id. On success it also enqueues a task trigger for
	// doc (best effort — a failure to enqueue the task does not fail
	// the publish).
	PublishUpdate(ctx context.Context, doc types.DocumentID, frame []byte) (string, error)

	// PublishAwareness appends frame to doc's awareness stream.
	PublishAwareness(ctx context.Context, doc types.DocumentID, frame []byte) (string, error)

	// ReadUpdateBacklog returns every updates-stream entry after
	// sinceID ("" meaning from the start).
	ReadUpdateBacklog(ctx context.Context, doc types.DocumentID, sinceID string) ([]types.StreamFrame, error)

	// ReadAwarenessBacklog returns every awareness-stream entry after
	// sinceID.
	ReadAwarenessBacklog(ctx context.Context, doc types.DocumentID, sinceID string) ([]types.StreamFrame, error)

	// SubscribeUpdates returns a channel fed with every updates-stream
	// entry after fromID. With "", RedisLog delivers only entries
	// published from now on, while LocalLog first replays its retained
	// backlog. The channel closes when ctx is cancelled.
	SubscribeUpdates(ctx context.Context, doc types.DocumentID, fromID string) (<-chan types.StreamFrame, error)

	// SubscribeAwareness is the awareness-stream equivalent of
	// SubscribeUpdates.
	SubscribeAwareness(ctx context.Context, doc types.DocumentID, fromID string) (<-chan types.StreamFrame, error)

	// SubscribeTasks returns a channel fed with every tasks-stream
	// entry after fromID, consumed by the Persistence Worker.
	SubscribeTasks(ctx context.Context, fromID string) (<-chan types.TaskEntry, error)

	// AckTask removes entryID from the tasks stream once the
	// Persistence Worker has processed it.
	AckTask(ctx context.Context, entryID string) error

	// TrimUpdatesMinID drops updates-stream entries with a stream id
	// below minID, per the time-based retention policy.
	TrimUpdatesMinID(ctx context.Context, doc types.DocumentID, minID string) error

	// TrimAwarenessMinID is the awareness-stream equivalent of
	// TrimUpdatesMinID.
	TrimAwarenessMinID(ctx context.Context, doc types.DocumentID, minID string) error
}
