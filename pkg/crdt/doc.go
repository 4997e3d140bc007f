// Package crdt implements the text CRDT the realtime core treats as a
// library dependency: a replicated growable array (RGA) over Unicode
// codepoints, with state-vector and update encodings and the
// sync-protocol message framing (SyncStep1, SyncStep2, Update,
// Awareness) the engine observes on the wire.
//
// The algebra is intentionally small — one named text channel,
// "content" — because the core only ever needs a single collaborative
// string per document.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ID identifies one inserted character: the site that created it and
// that site's local clock value at creation time. IDs are globally
// unique and totally ordered by (Clock, Client) for tie-breaking
// concurrent insertions at the same position.
type ID struct {
	Client uint64 `json:"c"`
	Clock  uint64 `json:"k"`
}

func (id ID) less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// item is one RGA node: a single character plus the bookkeeping needed
// to reconstruct insertion order deterministically across replicas.
type item struct {
	ID      ID
	Origin  *ID // ID of the left neighbor at insertion time, nil at the start
	Char    rune
	Deleted bool
}

// opInsert and opDelete are the two operation kinds carried in an
// update's wire encoding.
type opInsert struct {
	ID     ID    `json:"id"`
	Origin *ID   `json:"origin,omitempty"`
	Char   rune  `json:"ch"`
}

type opDelete struct {
	ID ID `json:"id"`
}

type opLog struct {
	Inserts []opInsert `json:"ins,omitempty"`
	Deletes []opDelete `json:"del,omitempty"`
}

// Doc is one replica's view of the "content" text channel.
type Doc struct {
	mu sync.Mutex

	siteID uint64
	clock  uint64

	items []*item          // RGA order: the authoritative linear sequence, tombstones included
	index map[ID]int       // ID -> position in items, for delete/origin lookups
	sv    map[uint64]uint64 // state vector: site -> highest insertion clock seen; this site's own entry also advances on local deletes

	// log holds the operations this replica originated locally, in the
	// order they were made. EncodeStateAsUpdate does not read it; it
	// rebuilds what a peer is missing from items.
	log []loggedOp
}

type loggedOp struct {
	site uint64
	seq  uint64 // 1-based index of this op among ops from `site`
	ins  *opInsert
	del  *opDelete
}

// NewDoc creates an empty document replica identified by siteID. Every
// process that mutates a document needs a siteID unique among the
// replicas that may concurrently edit it; the realtime engine uses a
// random per-connection client id for this.
func NewDoc(siteID uint64) *Doc {
	return &Doc{
		siteID: siteID,
		index:  make(map[ID]int),
		sv:     make(map[uint64]uint64),
	}
}

// Text returns the current visible string: all non-deleted characters
// in RGA order.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Doc) textLocked() string {
	var sb []rune
	for _, it := range d.items {
		if !it.Deleted {
			sb = append(sb, it.Char)
		}
	}
	return string(sb)
}

// Len returns the number of visible (non-deleted) characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Insert inserts text at the given visible-character index (0 is the
// start, Len() is the end) and returns the update encoding of the
// resulting operations, ready to publish to peers.
func (d *Doc) Insert(indexRunes int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	runes := []rune(text)
	if len(runes) == 0 {
		return EncodeUpdate(nil), nil
	}

	originPos := d.visibleToItemPos(indexRunes)
	var origin *ID
	if originPos >= 0 {
		id := d.items[originPos].ID
		origin = &id
	}

	var ops opLog
	insertAt := originPos + 1
	for _, ch := range runes {
		d.clock++
		id := ID{Client: d.siteID, Clock: d.clock}
		it := &item{ID: id, Origin: origin, Char: ch}
		d.insertAfterOriginLocked(it, insertAt)
		insertAt = d.index[id] + 1

		op := opInsert{ID: id, Origin: origin, Char: ch}
		ops.Inserts = append(ops.Inserts, op)
		d.recordLocal(loggedOp{site: id.Client, seq: d.sv[id.Client], ins: &op})

		o := id
		origin = &o
	}

	return EncodeUpdate(&ops), nil
}

// Delete marks length visible characters starting at indexRunes as
// deleted (tombstoned, never physically removed — required for
// convergent concurrent delete/insert resolution) and returns the
// update encoding.
func (d *Doc) Delete(indexRunes, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if length <= 0 {
		return EncodeUpdate(nil), nil
	}

	var ops opLog
	visible := 0
	for _, it := range d.items {
		if it.Deleted {
			continue
		}
		if visible >= indexRunes && visible < indexRunes+length {
			if !it.Deleted {
				it.Deleted = true
				ops.Deletes = append(ops.Deletes, opDelete{ID: it.ID})
			}
		}
		visible++
	}

	for _, del := range ops.Deletes {
		d.recordLocal(loggedOp{site: d.siteID, seq: d.nextLocalSeq(), del: &del})
	}

	return EncodeUpdate(&ops), nil
}

// nextLocalSeq is only meaningful for bookkeeping deletes in the
// replay log; deletes don't consume the insertion clock.
func (d *Doc) nextLocalSeq() uint64 {
	d.sv[d.siteID]++
	return d.sv[d.siteID]
}

func (d *Doc) recordLocal(op loggedOp) {
	if op.ins != nil {
		d.sv[op.site] = op.seq
	}
	d.log = append(d.log, op)
}

// visibleToItemPos maps a visible-character index to the items-slice
// index of the character immediately before it (-1 meaning "start of
// document").
func (d *Doc) visibleToItemPos(indexRunes int) int {
	if indexRunes <= 0 {
		return -1
	}
	visible := 0
	last := -1
	for i, it := range d.items {
		if it.Deleted {
			continue
		}
		last = i
		visible++
		if visible == indexRunes {
			return last
		}
	}
	return last
}

// insertAfterOriginLocked implements the RGA integration algorithm:
// walk right from the origin, skipping any item that should sort
// before the new one under the (Clock, Client) tie-break, and splice
// in just before the first item that should sort after it.
func (d *Doc) insertAfterOriginLocked(it *item, startHint int) {
	pos := startHint
	if pos < 0 || pos > len(d.items) {
		pos = 0
		if it.Origin != nil {
			if p, ok := d.index[*it.Origin]; ok {
				pos = p + 1
			}
		}
	}

	for pos < len(d.items) {
		existing := d.items[pos]
		if existing.Origin == nil || *existing.Origin != derefOrZero(it.Origin) {
			break
		}
		if it.ID.less(existing.ID) {
			break
		}
		pos++
	}

	d.items = append(d.items, nil)
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = it

	for i := pos; i < len(d.items); i++ {
		d.index[d.items[i].ID] = i
	}
	if d.sv[it.ID.Client] < it.ID.Clock {
		d.sv[it.ID.Client] = it.ID.Clock
	}
}

func derefOrZero(id *ID) ID {
	if id == nil {
		return ID{}
	}
	return *id
}

// ApplyUpdate integrates a remote update. Applying the same update
// more than once, or applying a subset of updates in any order, yields
// an equivalent final state — the RGA's insert/tombstone operations
// are commutative and idempotent by ID.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return fmt.Errorf("decode crdt update: %w", err)
	}
	if ops == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range ops.Inserts {
		if _, seen := d.index[op.ID]; seen {
			continue
		}
		it := &item{ID: op.ID, Origin: op.Origin, Char: op.Char}
		pos := -1
		if op.Origin != nil {
			if p, ok := d.index[*op.Origin]; ok {
				pos = p
			}
		}
		d.insertAfterOriginLocked(it, pos+1)
	}

	for _, op := range ops.Deletes {
		if p, ok := d.index[op.ID]; ok {
			d.items[p].Deleted = true
		}
	}

	return nil
}

// StateVector encodes the replica's observed-operations summary: for
// each site, the highest insertion clock value observed from it.
func (d *Doc) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.sv)
}

// EncodeStateAsUpdate returns the update containing every operation not
// already covered by remoteSV (a state vector encoded by StateVector).
// Passing a nil or empty remoteSV returns the full state, used for
// initial sync and snapshots.
func (d *Doc) EncodeStateAsUpdate(remoteSV []byte) ([]byte, error) {
	remote, err := decodeStateVector(remoteSV)
	if err != nil {
		return nil, fmt.Errorf("decode remote state vector: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var ops opLog
	for _, it := range d.items {
		if it.ID.Clock > remote[it.ID.Client] {
			ops.Inserts = append(ops.Inserts, opInsert{ID: it.ID, Origin: it.Origin, Char: it.Char})
		}
	}
	for _, it := range d.items {
		if it.Deleted {
			ops.Deletes = append(ops.Deletes, opDelete{ID: it.ID})
		}
	}

	return EncodeUpdate(&ops), nil
}

func encodeStateVector(sv map[uint64]uint64) []byte {
	sites := make([]uint64, 0, len(sv))
	for site := range sv {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })

	entries := make(map[string]uint64, len(sites))
	for _, site := range sites {
		entries[fmt.Sprintf("%d", site)] = sv[site]
	}
	b, _ := json.Marshal(entries)
	return b
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64)
	if len(b) == 0 {
		return out, nil
	}
	var entries map[string]uint64
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	for k, v := range entries {
		var site uint64
		if _, err := fmt.Sscanf(k, "%d", &site); err != nil {
			return nil, fmt.Errorf("invalid state vector site key %q: %w", k, err)
		}
		out[site] = v
	}
	return out, nil
}

// EncodeUpdate serializes an opLog (nil encodes as an empty update).
func EncodeUpdate(ops *opLog) []byte {
	if ops == nil {
		ops = &opLog{}
	}
	b, _ := json.Marshal(ops)
	return b
}

// DecodeUpdate parses bytes produced by EncodeUpdate, Insert, or
// Delete. Empty input decodes as a nil, no-op update.
func DecodeUpdate(b []byte) (*opLog, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var ops opLog
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, err
	}
	return &ops, nil
}
