package crdt

import (
	"encoding/json"
	"sync"
)

// AwarenessEntry is one client's presence state as the awareness table
// sees it: a monotonic per-client clock and an opaque JSON blob the
// client controls the shape of. A StateJSON of "null" is a tombstone.
type AwarenessEntry struct {
	Clock     uint64 `json:"clock"`
	StateJSON string `json:"state"`
}

// IsTombstone reports whether this entry represents a departed client.
func (e AwarenessEntry) IsTombstone() bool {
	return e.StateJSON == "null"
}

// AwarenessUpdate is the wire encoding carried by MessageAwareness: a
// batch of per-client entries.
type AwarenessUpdate struct {
	Clients map[uint64]AwarenessEntry `json:"clients"`
}

// AwarenessTable is the CRDT-side presence table: a last-writer-wins
// map keyed by client id, ordered by each client's own clock. It has
// no notion of "local" vs "remote" — that distinction belongs to
// the awareness service built on top, which is why this type lives in
// the CRDT package rather than the service package.
type AwarenessTable struct {
	mu      sync.Mutex
	clients map[uint64]AwarenessEntry
}

// NewAwarenessTable returns an empty table.
func NewAwarenessTable() *AwarenessTable {
	return &AwarenessTable{clients: make(map[uint64]AwarenessEntry)}
}

// Set installs clientID's entry if clock is newer than (or equal to,
// for idempotent replays of the same update) the entry's current
// clock, and reports whether the call changed anything along with
// whether the client is newly known, updated, or removed.
func (t *AwarenessTable) Set(clientID uint64, entry AwarenessEntry) (changed bool, added bool, removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.clients[clientID]
	if ok && entry.Clock < existing.Clock {
		return false, false, false
	}
	if ok && entry.Clock == existing.Clock && entry.StateJSON == existing.StateJSON {
		return false, false, false
	}

	t.clients[clientID] = entry
	if entry.IsTombstone() {
		return true, false, true
	}
	return true, !ok, false
}

// Get returns clientID's current entry, if any.
func (t *AwarenessTable) Get(clientID uint64) (AwarenessEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.clients[clientID]
	return e, ok
}

// ApplyUpdate decodes an awareness update and merges it in, returning
// the ids that were added, updated, or removed (tombstoned) as a
// result — exactly the summary the awareness service needs to update
// its own presence/last-seen bookkeeping.
func (t *AwarenessTable) ApplyUpdate(payload []byte) (added, updated, removed []uint64, err error) {
	if len(payload) == 0 {
		return nil, nil, nil, nil
	}
	var upd AwarenessUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		return nil, nil, nil, err
	}

	for clientID, entry := range upd.Clients {
		changed, isNew, isRemoved := t.Set(clientID, entry)
		if !changed {
			continue
		}
		switch {
		case isRemoved:
			removed = append(removed, clientID)
		case isNew:
			added = append(added, clientID)
		default:
			updated = append(updated, clientID)
		}
	}
	return added, updated, removed, nil
}

// EncodeUpdate encodes the given clients' current entries as an
// awareness update payload, suitable for wrapping in a
// MessageAwareness and publishing.
func (t *AwarenessTable) EncodeUpdate(clientIDs []uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	upd := AwarenessUpdate{Clients: make(map[uint64]AwarenessEntry, len(clientIDs))}
	for _, id := range clientIDs {
		if e, ok := t.clients[id]; ok {
			upd.Clients[id] = e
		}
	}
	b, _ := json.Marshal(upd)
	return b
}

// EncodeFullState encodes every entry in the table, or returns nil if
// the table is empty — used for initial presence prefill of a newly
// attached client.
func (t *AwarenessTable) EncodeFullState() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.clients) == 0 {
		return nil
	}
	upd := AwarenessUpdate{Clients: make(map[uint64]AwarenessEntry, len(t.clients))}
	for id, e := range t.clients {
		upd.Clients[id] = e
	}
	b, _ := json.Marshal(upd)
	return b
}

// SetLocalState bumps clientID's clock and installs newStateJSON,
// returning the encoded update ready to publish. Used by a replica to
// announce its own client's presence.
func (t *AwarenessTable) SetLocalState(clientID uint64, newStateJSON string) []byte {
	t.mu.Lock()
	existing, ok := t.clients[clientID]
	clock := uint64(1)
	if ok {
		clock = existing.Clock + 1
	}
	entry := AwarenessEntry{Clock: clock, StateJSON: newStateJSON}
	t.clients[clientID] = entry
	t.mu.Unlock()

	return t.EncodeUpdate([]uint64{clientID})
}

// Tombstone marks clientIDs as departed (StateJSON "null") and returns
// the encoded update containing just those tombstones.
func (t *AwarenessTable) Tombstone(clientIDs []uint64) []byte {
	t.mu.Lock()
	for _, id := range clientIDs {
		clock := uint64(1)
		if existing, ok := t.clients[id]; ok {
			clock = existing.Clock + 1
		}
		t.clients[id] = AwarenessEntry{Clock: clock, StateJSON: "null"}
	}
	t.mu.Unlock()

	return t.EncodeUpdate(clientIDs)
}
