package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocInsertAndDelete(t *testing.T) {
	doc := NewDoc(1)

	_, err := doc.Insert(0, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text())

	_, err = doc.Insert(5, " world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Text())

	_, err = doc.Delete(5, 6)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text())
}

func TestDocApplyUpdateConvergesConcurrentInserts(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	updA, err := a.Insert(0, "ab")
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(updA))
	assert.Equal(t, a.Text(), b.Text())

	// Concurrent inserts at the same position from two replicas.
	updA2, err := a.Insert(2, "X")
	require.NoError(t, err)
	updB2, err := b.Insert(2, "Y")
	require.NoError(t, err)

	require.NoError(t, a.ApplyUpdate(updB2))
	require.NoError(t, b.ApplyUpdate(updA2))

	assert.Equal(t, a.Text(), b.Text(), "replicas must converge after exchanging concurrent updates")
}

func TestDocApplyUpdateIsIdempotent(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	upd, err := a.Insert(0, "hi")
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(upd))
	before := b.Text()

	require.NoError(t, b.ApplyUpdate(upd))
	require.NoError(t, b.ApplyUpdate(upd))

	assert.Equal(t, before, b.Text())
}

func TestEncodeStateAsUpdateFullState(t *testing.T) {
	doc := NewDoc(1)
	_, err := doc.Insert(0, "abc")
	require.NoError(t, err)

	full, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	replica := NewDoc(2)
	require.NoError(t, replica.ApplyUpdate(full))
	assert.Equal(t, doc.Text(), replica.Text())
}

func TestEncodeStateAsUpdateIncremental(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	upd1, err := a.Insert(0, "abc")
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(upd1))

	sv := b.StateVector()

	_, err = a.Insert(3, "def")
	require.NoError(t, err)

	delta, err := a.EncodeStateAsUpdate(sv)
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(delta))
	assert.Equal(t, a.Text(), b.Text())
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	msgs := []Message{
		{Type: MessageSyncStep1, Payload: []byte("sv")},
		{Type: MessageUpdate, Payload: []byte("update-bytes")},
		{Type: MessageAwareness, Payload: []byte("awareness-bytes")},
	}

	frame := EncodeFrame(msgs)
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, msgs, decoded)
}

func TestAnalyzeFrameClassifiesMessages(t *testing.T) {
	frame := EncodeFrame([]Message{
		{Type: MessageSyncStep2, Payload: []byte("x")},
		{Type: MessageAwareness, Payload: []byte("y")},
	})

	analysis, msgs, err := AnalyzeFrame(frame)
	require.NoError(t, err)
	assert.True(t, analysis.HasUpdate)
	assert.True(t, analysis.HasAwareness)
	assert.False(t, analysis.HasSyncStep1)
	assert.Len(t, msgs, 2)
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	_, err := DecodeFrame([]byte{byte(MessageUpdate), 0, 0, 0, 10, 'x'})
	assert.Error(t, err)
}
