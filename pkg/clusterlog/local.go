package clusterlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/refmdio/refmd/pkg/types"
)

// localStream is one in-process append-only stream: a bounded
// backlog buffer plus a broadcast fan-out to live subscribers,
// mirroring the subscriber-map/broadcast shape of an in-process event
// broker.
type localStream struct {
	mu          sync.Mutex
	entries     []types.StreamFrame
	seq         uint64
	subscribers map[chan types.StreamFrame]struct{}
	maxLen      int
}

func newLocalStream(maxLen int) *localStream {
	return &localStream{
		subscribers: make(map[chan types.StreamFrame]struct{}),
		maxLen:      maxLen,
	}
}

func (s *localStream) append(bytes []byte) types.StreamFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	frame := types.StreamFrame{ID: fmt.Sprintf("%020d", s.seq), Bytes: bytes}
	s.entries = append(s.entries, frame)
	if s.maxLen > 0 && len(s.entries) > s.maxLen {
		s.entries = s.entries[len(s.entries)-s.maxLen:]
	}

	for sub := range s.subscribers {
		select {
		case sub <- frame:
		default:
			// Subscriber buffer full; it will catch up via backlog on
			// reconnect, matching the at-least-once delivery the
			// Redis-backed log also only best-effort provides to slow
			// consumers.
		}
	}
	return frame
}

func (s *localStream) backlogSince(sinceID string) []types.StreamFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlogSinceLocked(sinceID)
}

// backlogSinceLocked is backlogSince for callers that already hold s.mu.
func (s *localStream) backlogSinceLocked(sinceID string) []types.StreamFrame {
	if sinceID == "" {
		out := make([]types.StreamFrame, len(s.entries))
		copy(out, s.entries)
		return out
	}

	var out []types.StreamFrame
	for _, e := range s.entries {
		if e.ID > sinceID {
			out = append(out, e)
		}
	}
	return out
}

func (s *localStream) subscribe(ctx context.Context, fromID string) <-chan types.StreamFrame {
	ch := make(chan types.StreamFrame, 64)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	backlog := s.backlogSinceLocked(fromID)
	s.mu.Unlock()

	out := make(chan types.StreamFrame, 64)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
		}()

		for _, f := range backlog {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case f, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (s *localStream) trimMinID(minID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.ID >= minID {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// LocalLog implements Log with purely in-process state: one
// localStream per document per kind, plus a single shared tasks
// stream. Used when the engine runs single-node, with no Redis
// dependency.
type LocalLog struct {
	mu         sync.Mutex
	updates    map[types.DocumentID]*localStream
	awareness  map[types.DocumentID]*localStream
	tasks      *localStream
	backlogCap int
}

// NewLocalLog creates an empty LocalLog. backlogCap bounds how many
// entries each per-document stream retains for late subscribers (0
// means unbounded).
func NewLocalLog(backlogCap int) *LocalLog {
	return &LocalLog{
		updates:    make(map[types.DocumentID]*localStream),
		awareness:  make(map[types.DocumentID]*localStream),
		tasks:      newLocalStream(backlogCap),
		backlogCap: backlogCap,
	}
}

func (l *LocalLog) streamFor(m map[types.DocumentID]*localStream, doc types.DocumentID) *localStream {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := m[doc]
	if !ok {
		s = newLocalStream(l.backlogCap)
		m[doc] = s
	}
	return s
}

// PublishUpdate implements Log.
func (l *LocalLog) PublishUpdate(ctx context.Context, doc types.DocumentID, frame []byte) (string, error) {
	entry := l.streamFor(l.updates, doc).append(frame)
	l.tasks.append([]byte(doc.String()))
	return entry.ID, nil
}

// PublishAwareness implements Log.
func (l *LocalLog) PublishAwareness(ctx context.Context, doc types.DocumentID, frame []byte) (string, error) {
	entry := l.streamFor(l.awareness, doc).append(frame)
	return entry.ID, nil
}

// ReadUpdateBacklog implements Log.
func (l *LocalLog) ReadUpdateBacklog(ctx context.Context, doc types.DocumentID, sinceID string) ([]types.StreamFrame, error) {
	return l.streamFor(l.updates, doc).backlogSince(sinceID), nil
}

// ReadAwarenessBacklog implements Log.
func (l *LocalLog) ReadAwarenessBacklog(ctx context.Context, doc types.DocumentID, sinceID string) ([]types.StreamFrame, error) {
	return l.streamFor(l.awareness, doc).backlogSince(sinceID), nil
}

// SubscribeUpdates implements Log.
func (l *LocalLog) SubscribeUpdates(ctx context.Context, doc types.DocumentID, fromID string) (<-chan types.StreamFrame, error) {
	return l.streamFor(l.updates, doc).subscribe(ctx, fromID), nil
}

// SubscribeAwareness implements Log.
func (l *LocalLog) SubscribeAwareness(ctx context.Context, doc types.DocumentID, fromID string) (<-chan types.StreamFrame, error) {
	return l.streamFor(l.awareness, doc).subscribe(ctx, fromID), nil
}

// SubscribeTasks implements Log.
func (l *LocalLog) SubscribeTasks(ctx context.Context, fromID string) (<-chan types.TaskEntry, error) {
	frames := l.tasks.subscribe(ctx, fromID)
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

// AckTask implements Log. LocalLog has no durable task stream to
// delete from; acking is a no-op because there is only ever one
// in-process consumer and nothing else will re-deliver the entry.
func (l *LocalLog) AckTask(ctx context.Context, entryID string) error {
	return nil
}

// TrimUpdatesMinID implements Log.
func (l *LocalLog) TrimUpdatesMinID(ctx context.Context, doc types.DocumentID, minID string) error {
	l.streamFor(l.updates, doc).trimMinID(minID)
	return nil
}

// TrimAwarenessMinID implements Log.
func (l *LocalLog) TrimAwarenessMinID(ctx context.Context, doc types.DocumentID, minID string) error {
	l.streamFor(l.awareness, doc).trimMinID(minID)
	return nil
}
