package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwarenessSetLocalStateAndApply(t *testing.T) {
	table := NewAwarenessTable()

	upd := table.SetLocalState(42, `{"name":"ada"}`)
	require.NotEmpty(t, upd)

	entry, ok := table.Get(42)
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Clock)
	assert.False(t, entry.IsTombstone())
}

func TestAwarenessApplyUpdateReportsAddedAndUpdated(t *testing.T) {
	table := NewAwarenessTable()
	upd1 := table.SetLocalState(1, `{"n":1}`)

	remote := NewAwarenessTable()
	added, updated, removed, err := remote.ApplyUpdate(upd1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, added)
	assert.Empty(t, updated)
	assert.Empty(t, removed)

	upd2 := table.SetLocalState(1, `{"n":2}`)
	added, updated, removed, err = remote.ApplyUpdate(upd2)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, []uint64{1}, updated)
	assert.Empty(t, removed)
}

func TestAwarenessTombstoneReportsRemoved(t *testing.T) {
	table := NewAwarenessTable()
	live := table.SetLocalState(7, `{"n":1}`)

	tomb := table.Tombstone([]uint64{7})

	remote := NewAwarenessTable()
	remote.ApplyUpdate(live)
	_, _, removed, err := remote.ApplyUpdate(tomb)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, removed)

	entry, ok := remote.Get(7)
	require.True(t, ok)
	assert.True(t, entry.IsTombstone())
}

func TestAwarenessEncodeFullStateEmpty(t *testing.T) {
	table := NewAwarenessTable()
	assert.Nil(t, table.EncodeFullState())

	table.SetLocalState(1, `{}`)
	assert.NotNil(t, table.EncodeFullState())
}

func TestAwarenessStaleUpdateIgnored(t *testing.T) {
	table := NewAwarenessTable()
	table.SetLocalState(1, `{"n":1}`)
	table.SetLocalState(1, `{"n":2}`)

	changed, _, _ := table.Set(1, AwarenessEntry{Clock: 1, StateJSON: `{"n":1}`})
	assert.False(t, changed, "older clock must not overwrite newer entry")
}
