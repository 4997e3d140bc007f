package snapshot

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refmdio/refmd/pkg/crdt"
	"github.com/refmdio/refmd/pkg/linkindex"
	"github.com/refmdio/refmd/pkg/markdown"
	"github.com/refmdio/refmd/pkg/types"
)

type fakePort struct {
	snapshots      map[int64][]byte
	latestVersion  *int64
	clearedUpdates bool
	prunedKeep     *int
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
	f.prunedKeep = &keepLatest
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

func TestPersistSnapshotStartsAtVersionOne(t *testing.T) {
	port := newFakePort()
	svc := NewService(port, nil)
	doc := crdt.NewDoc(1)
	doc.Insert(0, "hello")

	result, err := svc.PersistSnapshot(context.Background(), types.NewDocumentID(), doc, PersistOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Version)
	assert.Len(t, port.snapshots, 1)
}

func TestPersistSnapshotIncrementsVersion(t *testing.T) {
	port := newFakePort()
	v := int64(4)
	port.latestVersion = &v
	svc := NewService(port, nil)
	doc := crdt.NewDoc(1)

	result, err := svc.PersistSnapshot(context.Background(), types.NewDocumentID(), doc, PersistOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Version)
}

func TestPersistSnapshotAppliesPruneOptions(t *testing.T) {
	port := newFakePort()
	svc := NewService(port, nil)
	doc := crdt.NewDoc(1)
	keep := 3
	before := int64(10)

	_, err := svc.PersistSnapshot(context.Background(), types.NewDocumentID(), doc, PersistOptions{
		ClearUpdates:       true,
		PruneSnapshots:     &keep,
		PruneUpdatesBefore: &before,
	})
	require.NoError(t, err)
	assert.True(t, port.clearedUpdates)
	require.NotNil(t, port.prunedKeep)
	assert.Equal(t, 3, *port.prunedKeep)
	require.NotNil(t, port.prunedBefore)
	assert.Equal(t, int64(10), *port.prunedBefore)
}

func TestWriteMarkdownSkipsFolders(t *testing.T) {
	port := newFakePort()
	docID := types.NewDocumentID()
	store := &fakeStore{fakePort: port, record: &types.DocumentRecord{ID: docID, DocType: types.DocTypeFolder, Title: "F"}}
	indexer := linkindex.NewService(fakeRepo{})
	sink := markdown.NewSink(store, indexer, t.TempDir())
	svc := NewService(port, sink)

	doc := crdt.NewDoc(1)
	doc.Insert(0, "body")

	result, err := svc.WriteMarkdown(context.Background(), docID, doc)
	require.NoError(t, err)
	assert.False(t, result.Written)
}

func TestWriteMarkdownWritesDocument(t *testing.T) {
	port := newFakePort()
	docID := types.NewDocumentID()
	store := &fakeStore{fakePort: port, record: &types.DocumentRecord{ID: docID, DocType: types.DocTypeDocument, Title: "Doc"}}
	indexer := linkindex.NewService(fakeRepo{})
	sink := markdown.NewSink(store, indexer, t.TempDir())
	svc := NewService(port, sink)

	doc := crdt.NewDoc(1)
	doc.Insert(0, "hello world")

	result, err := svc.WriteMarkdown(context.Background(), docID, doc)
	require.NoError(t, err)
	assert.True(t, result.Written)
}
