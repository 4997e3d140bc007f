// Package awareness implements the Awareness Service: the per-document
// presence table that tracks which clients are actively connected,
// applies remote and local awareness frames to it, and prunes clients
// that have gone silent past a TTL — publishing a tombstone frame for
// each one so every other replica drops them too.
package awareness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/metrics"
	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/clusterlog"
	"github.com/refmdio/refmd/pkg/crdt"
	"github.com/refmdio/refmd/pkg/types"
)

// defaultSweepInterval is the sweep period used when half the TTL
// rounds down to zero; a TTL of zero disables pruning altogether.
const defaultSweepInterval = 10 * time.Second

// Manager owns one document's presence table: the last-writer-wins
// AwarenessTable plus a last-seen clock per client used to drive TTL
// pruning independently of the entries' own clock values.
type Manager struct {
	doc   types.DocumentID
	table *crdt.AwarenessTable
	log   clusterlog.Log
	ttl   time.Duration

	mu       sync.Mutex
	lastSeen map[uint64]time.Time

	logger zerolog.Logger
	stopCh chan struct{}
}

// NewManager creates a Manager for doc. ttl of zero disables stale
// pruning (the caller must explicitly Tombstone departed clients via
// ApplyRemoteFrame's summary or its own disconnect handling instead).
func NewManager(doc types.DocumentID, log clusterlog.Log, ttl time.Duration) *Manager {
	return &Manager{
		doc:      doc,
		table:    crdt.NewAwarenessTable(),
		log:      log,
		ttl:      ttl,
		lastSeen: make(map[uint64]time.Time),
		logger:   obslog.WithDocumentID(obslog.WithComponent("awareness"), doc),
		stopCh:   make(chan struct{}),
	}
}

// ApplyRemoteFrame decodes frame and merges any Awareness messages
// into the table, bumping last-seen for clients that were added or
// updated and dropping it for clients the frame tombstoned.
func (m *Manager) ApplyRemoteFrame(frame []byte) error {
	return m.processFrame(frame)
}

// RecordLocalFrame applies a frame this replica itself produced (e.g.
// in response to a client's own awareness broadcast) the same way a
// remote frame is applied — the table has no notion of frame
// provenance.
func (m *Manager) RecordLocalFrame(frame []byte) error {
	return m.processFrame(frame)
}

func (m *Manager) processFrame(frame []byte) error {
	msgs, err := crdt.DecodeFrame(frame)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, msg := range msgs {
		if msg.Type != crdt.MessageAwareness {
			continue
		}
		added, updated, removed, err := m.table.ApplyUpdate(msg.Payload)
		if err != nil {
			return err
		}

		if len(added) > 0 || len(updated) > 0 {
			m.mu.Lock()
			for _, id := range added {
				m.lastSeen[id] = now
			}
			for _, id := range updated {
				m.lastSeen[id] = now
			}
			m.mu.Unlock()
		}
		if len(removed) > 0 {
			m.mu.Lock()
			for _, id := range removed {
				delete(m.lastSeen, id)
			}
			m.mu.Unlock()
		}
	}
	m.reportClientCount()
	return nil
}

// reportClientCount publishes the live presence-table size to the
// clients gauge, labeled by document.
func (m *Manager) reportClientCount() {
	m.mu.Lock()
	n := len(m.lastSeen)
	m.mu.Unlock()
	metrics.AwarenessClients.WithLabelValues(m.doc.String()).Set(float64(n))
}

// EncodeFullStateFrame returns a MessageAwareness frame containing
// every currently-known client's entry, or nil if the table is empty
// — used to prefill a newly attached client's presence view.
func (m *Manager) EncodeFullStateFrame() []byte {
	payload := m.table.EncodeFullState()
	if payload == nil {
		return nil
	}
	return crdt.EncodeFrame([]crdt.Message{{Type: crdt.MessageAwareness, Payload: payload}})
}

// Start launches the TTL pruning loop in the background. A no-op if
// ttl is zero.
func (m *Manager) Start(ctx context.Context) {
	if m.ttl == 0 {
		return
	}
	go m.run(ctx)
}

// Stop halts the TTL pruning loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run(ctx context.Context) {
	interval := m.ttl / 2
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.pruneStale(ctx); err != nil {
				m.logger.Debug().Err(err).Msg("awareness prune failed")
			}
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) pruneStale(ctx context.Context) error {
	if m.ttl == 0 {
		return nil
	}

	now := time.Now()
	var expired []uint64

	m.mu.Lock()
	for clientID, seen := range m.lastSeen {
		if now.Sub(seen) > m.ttl {
			expired = append(expired, clientID)
		}
	}
	for _, id := range expired {
		delete(m.lastSeen, id)
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	m.reportClientCount()
	return m.tombstoneAndPublish(ctx, expired)
}

// ClearLocalClients tombstones the given client ids immediately and
// publishes the removal frame, without waiting for TTL expiry. The
// realtime engine calls this on connection shutdown with the client
// ids that connection's own local frames introduced, so a departing
// client's presence clears promptly instead of lingering until the
// next TTL sweep.
func (m *Manager) ClearLocalClients(ctx context.Context, clientIDs []uint64) error {
	if len(clientIDs) == 0 {
		return nil
	}

	m.mu.Lock()
	for _, id := range clientIDs {
		delete(m.lastSeen, id)
	}
	m.mu.Unlock()

	return m.tombstoneAndPublish(ctx, clientIDs)
}

func (m *Manager) tombstoneAndPublish(ctx context.Context, clientIDs []uint64) error {
	payload := m.table.Tombstone(clientIDs)
	if payload == nil {
		return nil
	}
	frame := crdt.EncodeFrame([]crdt.Message{{Type: crdt.MessageAwareness, Payload: payload}})

	_, err := m.log.PublishAwareness(ctx, m.doc, frame)
	return err
}
