package clusterlog

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/types"
)

const (
	fieldFrame     = "frame"
	fieldAwareness = "awareness"
	fieldTaskDoc   = "doc"
)

// RedisLog implements Log on top of Redis Streams: XADD for
// publish/enqueue, XRANGE for backlog reads, blocking XREAD loops for
// subscriptions, XDEL to ack a task, and XTRIM MINID for retention.
type RedisLog struct {
	client       *redis.Client
	streamPrefix string
	maxLen       int64 // 0 means unbounded
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewRedisLog wraps an already-connected client. streamPrefix
// namespaces every key this log touches ("{prefix}:{doc}:updates",
// "{prefix}:{doc}:awareness", "{prefix}:tasks"). maxLen, if positive,
// is passed to XADD as an approximate MAXLEN trim.
func NewRedisLog(client *redis.Client, streamPrefix string, maxLen int64) *RedisLog {
	return &RedisLog{
		client:       client,
		streamPrefix: streamPrefix,
		maxLen:       maxLen,
		pollInterval: time.Second,
		logger:       obslog.WithComponent("clusterlog"),
	}
}

func (l *RedisLog) updatesKey(doc types.DocumentID) string {
	return fmt.Sprintf("%s:%s:updates", l.streamPrefix, doc.String())
}

func (l *RedisLog) awarenessKey(doc types.DocumentID) string {
	return fmt.Sprintf("%s:%s:awareness", l.streamPrefix, doc.String())
}

func (l *RedisLog) tasksKey() string {
	return fmt.Sprintf("%s:tasks", l.streamPrefix)
}

func (l *RedisLog) xadd(ctx context.Context, key, field string, value []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{field: value},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	id, err := l.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	return id, nil
}

// PublishUpdate implements Log.
func (l *RedisLog) PublishUpdate(ctx context.Context, doc types.DocumentID, frame []byte) (string, error) {
	id, err := l.xadd(ctx, l.updatesKey(doc), fieldFrame, frame)
	if err != nil {
		return "", err
	}

	if _, taskErr := l.xadd(ctx, l.tasksKey(), fieldTaskDoc, []byte(doc.String())); taskErr != nil {
		l.logger.Warn().Err(taskErr).Str("document_id", doc.String()).Msg("enqueue task failed")
	}

	return id, nil
}

// PublishAwareness implements Log.
func (l *RedisLog) PublishAwareness(ctx context.Context, doc types.DocumentID, frame []byte) (string, error) {
	return l.xadd(ctx, l.awarenessKey(doc), fieldAwareness, frame)
}

func (l *RedisLog) readBacklog(ctx context.Context, key, field, sinceID string) ([]types.StreamFrame, error) {
	start := "-"
	if sinceID != "" {
		start = "(" + sinceID
	}

	msgs, err := l.client.XRange(ctx, key, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", key, err)
	}

	frames := make([]types.StreamFrame, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[field]
		if !ok {
			continue
		}
		bytes, ok := fieldToBytes(raw)
		if !ok {
			continue
		}
		frames = append(frames, types.StreamFrame{ID: m.ID, Bytes: bytes})
	}
	return frames, nil
}

// ReadUpdateBacklog implements Log.
func (l *RedisLog) ReadUpdateBacklog(ctx context.Context, doc types.DocumentID, sinceID string) ([]types.StreamFrame, error) {
	return l.readBacklog(ctx, l.updatesKey(doc), fieldFrame, sinceID)
}

// ReadAwarenessBacklog implements Log.
func (l *RedisLog) ReadAwarenessBacklog(ctx context.Context, doc types.DocumentID, sinceID string) ([]types.StreamFrame, error) {
	return l.readBacklog(ctx, l.awarenessKey(doc), fieldAwareness, sinceID)
}

func fieldToBytes(v interface{}) ([]byte, bool) {
	switch t := v.(type) {
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	default:
		return nil, false
	}
}

func (l *RedisLog) spawnStreamReader(ctx context.Context, key, field, fromID string) <-chan types.StreamFrame {
	out := make(chan types.StreamFrame)
	lastID := fromID
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := l.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   time.Second,
				Count:   128,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				l.logger.Warn().Err(err).Str("stream", key).Msg("redis stream read failed")
				select {
				case <-time.After(l.pollInterval):
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, stream := range res {
				for _, m := range stream.Messages {
					raw, ok := m.Values[field]
					if !ok {
						continue
					}
					bytes, ok := fieldToBytes(raw)
					if !ok {
						continue
					}
					lastID = m.ID
					select {
					case out <- types.StreamFrame{ID: m.ID, Bytes: bytes}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

// SubscribeUpdates implements Log.
func (l *RedisLog) SubscribeUpdates(ctx context.Context, doc types.DocumentID, fromID string) (<-chan types.StreamFrame, error) {
	return l.spawnStreamReader(ctx, l.updatesKey(doc), fieldFrame, fromID), nil
}

// SubscribeAwareness implements Log.
func (l *RedisLog) SubscribeAwareness(ctx context.Context, doc types.DocumentID, fromID string) (<-chan types.StreamFrame, error) {
	return l.spawnStreamReader(ctx, l.awarenessKey(doc), fieldAwareness, fromID), nil
}

// SubscribeTasks implements Log.
func (l *RedisLog) SubscribeTasks(ctx context.Context, fromID string) (<-chan types.TaskEntry, error) {
	frames := l.spawnStreamReader(ctx, l.tasksKey(), fieldTaskDoc, fromID)
	out := make(chan types.TaskEntry)

	go func() {
		defer close(out)
		for f := range frames {
			select {
			case out <- types.TaskEntry{ID: f.ID, DocumentID: string(f.Bytes)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// AckTask implements Log.
func (l *RedisLog) AckTask(ctx context.Context, entryID string) error {
	if err := l.client.XDel(ctx, l.tasksKey(), entryID).Err(); err != nil {
		return fmt.Errorf("xdel task %s: %w", entryID, err)
	}
	return nil
}

// TrimUpdatesMinID implements Log.
func (l *RedisLog) TrimUpdatesMinID(ctx context.Context, doc types.DocumentID, minID string) error {
	return l.trimMinID(ctx, l.updatesKey(doc), minID)
}

// TrimAwarenessMinID implements Log.
func (l *RedisLog) TrimAwarenessMinID(ctx context.Context, doc types.DocumentID, minID string) error {
	return l.trimMinID(ctx, l.awarenessKey(doc), minID)
}

func (l *RedisLog) trimMinID(ctx context.Context, key, minID string) error {
	if err := l.client.XTrimMinID(ctx, key, minID).Err(); err != nil {
		return fmt.Errorf("xtrim minid %s: %w", key, err)
	}
	return nil
}
