package persistworker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refmdio/refmd/pkg/clusterlog"
	"github.com/refmdio/refmd/pkg/crdt"
	"github.com/refmdio/refmd/pkg/hydration"
	"github.com/refmdio/refmd/pkg/linkindex"
	"github.com/refmdio/refmd/pkg/markdown"
	"github.com/refmdio/refmd/pkg/snapshot"
	"github.com/refmdio/refmd/pkg/types"
)

type fakeStateReader struct {
	updates []types.UpdateEntry
}

func (f *fakeStateReader) LatestSnapshot(ctx context.Context, doc types.DocumentID) (*types.Snapshot, error) {
	return nil, nil
}

func (f *fakeStateReader) UpdatesSince(ctx context.Context, doc types.DocumentID, fromSeq int64) ([]types.UpdateEntry, error) {
	var out []types.UpdateEntry
	for _, u := range f.updates {
		if u.Seq > fromSeq {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStateReader) DocumentRecord(ctx context.Context, doc types.DocumentID) (*types.DocumentRecord, error) {
	return nil, nil
}

type fakePort struct {
	snapshots      map[int64][]byte
	latestVersion  *int64
	clearedUpdates bool
	prunedBefore   *int64
}

func newFakePort() *fakePort {
	return &fakePort{snapshots: make(map[int64][]byte)}
}

func (f *fakePort) AppendUpdate(ctx context.Context, doc types.DocumentID, seq int64, bytes []byte) error {
	return nil
}
func (f *fakePort) LatestUpdateSeq(ctx context.Context, doc types.DocumentID) (*int64, error) {
	return nil, nil
}
func (f *fakePort) PersistSnapshot(ctx context.Context, doc types.DocumentID, version int64, bytes []byte) error {
	f.snapshots[version] = bytes
	f.latestVersion = &version
	return nil
}
func (f *fakePort) LatestSnapshotVersion(ctx context.Context, doc types.DocumentID) (*int64, error) {
	return f.latestVersion, nil
}
func (f *fakePort) PruneSnapshots(ctx context.Context, doc types.DocumentID, keepLatest int) error {
	return nil
}
func (f *fakePort) PruneUpdatesBefore(ctx context.Context, doc types.DocumentID, seqInclusive int64) error {
	f.prunedBefore = &seqInclusive
	return nil
}
func (f *fakePort) ClearUpdates(ctx context.Context, doc types.DocumentID) error {
	f.clearedUpdates = true
	return nil
}

type fakeStore struct {
	*fakePort
	record *types.DocumentRecord
}

func (f *fakeStore) LatestSnapshot(ctx context.Context, doc types.DocumentID) (*types.Snapshot, error) {
	return nil, nil
}
func (f *fakeStore) UpdatesSince(ctx context.Context, doc types.DocumentID, fromSeq int64) ([]types.UpdateEntry, error) {
	return nil, nil
}
func (f *fakeStore) DocumentRecord(ctx context.Context, doc types.DocumentID) (*types.DocumentRecord, error) {
	return f.record, nil
}
func (f *fakeStore) SyncDocumentPaths(ctx context.Context, doc types.DocumentID) error {
	return nil
}

type fakeRepo struct{}

func (fakeRepo) ClearLinksForSource(ctx context.Context, source types.DocumentID) error { return nil }
func (fakeRepo) DocumentExistsForOwner(ctx context.Context, id types.DocumentID, owner uuid.UUID) (bool, error) {
	return false, nil
}
func (fakeRepo) FindDocumentIDByOwnerAndTitle(ctx context.Context, owner uuid.UUID, title string) (*types.DocumentID, error) {
	return nil, nil
}
func (fakeRepo) UpsertLink(ctx context.Context, source, target types.DocumentID, kind linkindex.LinkKind, alias *string, startByte, endByte int) error {
	return nil
}
func (fakeRepo) ClearDocumentTags(ctx context.Context, doc types.DocumentID) error { return nil }
func (fakeRepo) UpsertTagReturnID(ctx context.Context, name string) (uuid.UUID, error) {
	return uuid.Nil, nil
}
func (fakeRepo) OwnerDocExists(ctx context.Context, doc types.DocumentID, owner uuid.UUID) (bool, error) {
	return false, nil
}
func (fakeRepo) AssociateDocumentTag(ctx context.Context, doc types.DocumentID, tagID uuid.UUID) error {
	return nil
}

func newHarness(t *testing.T, log clusterlog.Log) (*hydration.Service, *snapshot.Service, *fakePort) {
	t.Helper()
	reader := &fakeStateReader{}
	hydrator := hydration.NewService(reader, log, t.TempDir())

	port := newFakePort()
	docID := types.NewDocumentID()
	store := &fakeStore{fakePort: port, record: &types.DocumentRecord{ID: docID, DocType: types.DocTypeDocument, Title: "Doc"}}
	indexer := linkindex.NewService(fakeRepo{})
	sink := markdown.NewSink(store, indexer, t.TempDir())
	snap := snapshot.NewService(port, sink)

	return hydrator, snap, port
}

func TestWorkerProcessPersistsAndAcksOnSuccess(t *testing.T) {
	log := clusterlog.NewLocalLog(0)
	hydrator, snap, port := newHarness(t, log)
	w := NewWorker(hydrator, snap, log, 0)

	doc := types.NewDocumentID()
	entryID, err := log.PublishUpdate(context.Background(), doc, []byte("ignored"))
	require.NoError(t, err)

	w.process(context.Background(), types.TaskEntry{ID: entryID, DocumentID: doc.String()})

	require.NotNil(t, port.prunedBefore)
	assert.Len(t, port.snapshots, 1)
}

func TestWorkerProcessAcksInvalidDocumentID(t *testing.T) {
	log := clusterlog.NewLocalLog(0)
	hydrator, snap, port := newHarness(t, log)
	w := NewWorker(hydrator, snap, log, 0)

	w.process(context.Background(), types.TaskEntry{ID: "1-0", DocumentID: "not-a-uuid"})

	assert.Empty(t, port.snapshots)
}

func TestWorkerTrimsStreamsWhenLifetimeConfigured(t *testing.T) {
	log := clusterlog.NewLocalLog(0)
	hydrator, snap, _ := newHarness(t, log)
	w := NewWorker(hydrator, snap, log, time.Millisecond)

	doc := types.NewDocumentID()
	_, err := log.PublishUpdate(context.Background(), doc, []byte("old"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	w.process(context.Background(), types.TaskEntry{ID: "1-0", DocumentID: doc.String()})

	backlog, err := log.ReadUpdateBacklog(context.Background(), doc, "")
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestDebounceSchedulerRunsPersistAfterQuietWindow(t *testing.T) {
	log := clusterlog.NewLocalLog(0)
	hydrator, snap, port := newHarness(t, log)
	sched := NewDebounceScheduler(hydrator, snap, 20*time.Millisecond)
	sched.Start(context.Background())

	doc := types.NewDocumentID()
	sched.MarkDirty(doc)

	time.Sleep(60 * time.Millisecond)

	assert.Len(t, port.snapshots, 1)
}

func TestDebounceSchedulerCoalescesRepeatedDirtyCalls(t *testing.T) {
	log := clusterlog.NewLocalLog(0)
	hydrator, snap, port := newHarness(t, log)
	sched := NewDebounceScheduler(hydrator, snap, 30*time.Millisecond)
	sched.Start(context.Background())

	doc := types.NewDocumentID()
	sched.MarkDirty(doc)
	time.Sleep(10 * time.Millisecond)
	sched.MarkDirty(doc)
	time.Sleep(10 * time.Millisecond)
	sched.MarkDirty(doc)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, port.snapshots, "no timer should have fired yet since each call re-armed it")

	time.Sleep(40 * time.Millisecond)
	assert.Len(t, port.snapshots, 1)
}
