package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refmdio/refmd/pkg/clusterlog"
	"github.com/refmdio/refmd/pkg/crdt"
	"github.com/refmdio/refmd/pkg/hydration"
	"github.com/refmdio/refmd/pkg/types"
)

type fakeStateReader struct{}

func (fakeStateReader) LatestSnapshot(ctx context.Context, doc types.DocumentID) (*types.Snapshot, error) {
	return nil, nil
}
func (fakeStateReader) UpdatesSince(ctx context.Context, doc types.DocumentID, fromSeq int64) ([]types.UpdateEntry, error) {
	return nil, nil
}
func (fakeStateReader) DocumentRecord(ctx context.Context, doc types.DocumentID) (*types.DocumentRecord, error) {
	return nil, nil
}

type channelSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *channelSink) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *channelSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestSubscribeSendsInitialSyncFrame(t *testing.T) {
	reader := fakeStateReader{}
	log := clusterlog.NewLocalLog(0)
	hydrator := hydration.NewService(reader, log, t.TempDir())
	engine := NewEngine(hydrator, nil, log)

	sink := &channelSink{}
	stream := make(chan []byte)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- engine.Subscribe(ctx, types.NewDocumentID(), sink, stream, true, 0) }()

	<-ctx.Done()
	<-done

	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestSubscribePublishesInboundUpdateWhenCanEdit(t *testing.T) {
	reader := fakeStateReader{}
	log := clusterlog.NewLocalLog(0)
	hydrator := hydration.NewService(reader, log, t.TempDir())
	engine := NewEngine(hydrator, nil, log)

	doc := types.NewDocumentID()
	sink := &channelSink{}
	stream := make(chan []byte, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	d := crdt.NewDoc(99)
	update, err := d.Insert(0, "x")
	require.NoError(t, err)
	frame := crdt.EncodeFrame([]crdt.Message{{Type: crdt.MessageUpdate, Payload: update}})

	done := make(chan error, 1)
	go func() { done <- engine.Subscribe(ctx, doc, sink, stream, true, 0) }()

	time.Sleep(20 * time.Millisecond)
	stream <- frame

	time.Sleep(50 * time.Millisecond)
	backlog, err := log.ReadUpdateBacklog(context.Background(), doc, "")
	require.NoError(t, err)
	assert.Len(t, backlog, 1)

	<-done
}

func TestSubscribeDropsInboundUpdateWhenReadOnly(t *testing.T) {
	reader := fakeStateReader{}
	log := clusterlog.NewLocalLog(0)
	hydrator := hydration.NewService(reader, log, t.TempDir())
	engine := NewEngine(hydrator, nil, log)

	doc := types.NewDocumentID()
	sink := &channelSink{}
	stream := make(chan []byte, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	d := crdt.NewDoc(99)
	update, err := d.Insert(0, "x")
	require.NoError(t, err)
	frame := crdt.EncodeFrame([]crdt.Message{{Type: crdt.MessageUpdate, Payload: update}})

	done := make(chan error, 1)
	go func() { done <- engine.Subscribe(ctx, doc, sink, stream, false, 0) }()

	time.Sleep(20 * time.Millisecond)
	stream <- frame

	time.Sleep(50 * time.Millisecond)
	backlog, err := log.ReadUpdateBacklog(context.Background(), doc, "")
	require.NoError(t, err)
	assert.Empty(t, backlog)

	<-done
}

func TestSubscribeInvokesOnLocalUpdateAfterPublish(t *testing.T) {
	reader := fakeStateReader{}
	log := clusterlog.NewLocalLog(0)
	hydrator := hydration.NewService(reader, log, t.TempDir())
	engine := NewEngine(hydrator, nil, log)

	var mu sync.Mutex
	var notified []types.DocumentID
	engine.OnLocalUpdate = func(doc types.DocumentID) {
		mu.Lock()
		notified = append(notified, doc)
		mu.Unlock()
	}

	doc := types.NewDocumentID()
	sink := &channelSink{}
	stream := make(chan []byte, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	d := crdt.NewDoc(99)
	update, err := d.Insert(0, "x")
	require.NoError(t, err)
	frame := crdt.EncodeFrame([]crdt.Message{{Type: crdt.MessageUpdate, Payload: update}})

	done := make(chan error, 1)
	go func() { done <- engine.Subscribe(ctx, doc, sink, stream, true, 0) }()

	time.Sleep(20 * time.Millisecond)
	stream <- frame
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.DocumentID{doc}, notified)

	<-done
}

func TestGetContentReturnsHydratedText(t *testing.T) {
	reader := fakeStateReader{}
	log := clusterlog.NewLocalLog(0)
	hydrator := hydration.NewService(reader, log, t.TempDir())
	engine := NewEngine(hydrator, nil, log)

	text, err := engine.GetContent(context.Background(), types.NewDocumentID())
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}
