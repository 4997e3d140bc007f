// Package realtime implements the Realtime Engine: the per-connection
// state machine that hydrates a document, sends the new client its
// initial sync and presence state, forwards the Cluster Log's live
// frames to the client, and demultiplexes the client's own inbound
// frames into the update and awareness logs.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/metrics"
	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/awareness"
	"github.com/refmdio/refmd/pkg/clusterlog"
	"github.com/refmdio/refmd/pkg/crdt"
	"github.com/refmdio/refmd/pkg/hydration"
	"github.com/refmdio/refmd/pkg/snapshot"
	"github.com/refmdio/refmd/pkg/types"
)

// Sink carries frames to the connected client. Implementations (the
// WebSocket gateway, in tests a channel-backed fake) must be safe for
// concurrent Send calls: the updates and awareness forwarders each call
// Send from their own goroutine for the lifetime of one connection.
type Sink interface {
	Send(ctx context.Context, frame []byte) error
}

// Stream carries frames from the connected client. It closes when the
// client disconnects.
type Stream <-chan []byte

// Engine owns the per-document awareness registry and composes the
// Hydration Service and Cluster Log into the connection state machine
// described by the Subscribe contract.
type Engine struct {
	hydrator *hydration.Service
	snapshot *snapshot.Service
	log      clusterlog.Log

	mu        sync.Mutex
	awareness map[types.DocumentID]*awareness.Manager

	// OnLocalUpdate, if set, is called after every inbound edit frame
	// is successfully published to the Cluster Log. Single-node mode
	// wires this to the debounce scheduler's MarkDirty so a quiet
	// period after the last edit — not a fixed ticker — triggers the
	// persistence cycle; cluster mode leaves it nil since the Cluster
	// Log's task stream drives the worker instead.
	OnLocalUpdate func(types.DocumentID)

	logger zerolog.Logger
}

// NewEngine wires an Engine to the Hydration Service, the Snapshot
// Service (used only by GetContent/ForcePersist), and the Cluster Log.
func NewEngine(hydrator *hydration.Service, snapshotSvc *snapshot.Service, log clusterlog.Log) *Engine {
	return &Engine{
		hydrator:  hydrator,
		snapshot:  snapshotSvc,
		log:       log,
		awareness: make(map[types.DocumentID]*awareness.Manager),
		logger:    obslog.WithComponent("realtime"),
	}
}

// GetContent hydrates doc (replaying everything, seeding from disk)
// and returns its current text-channel contents.
func (e *Engine) GetContent(ctx context.Context, doc types.DocumentID) (string, error) {
	hydrated, err := e.hydrator.Hydrate(ctx, doc, hydration.DefaultOptions())
	if err != nil {
		return "", err
	}
	return hydrated.Doc.Text(), nil
}

// ForcePersist hydrates doc, writes its canonical Markdown file, and
// persists a new snapshot with the update log cleared — the operation
// an explicit "save now" request triggers outside the normal
// debounce/task-stream cadence.
func (e *Engine) ForcePersist(ctx context.Context, doc types.DocumentID) error {
	hydrated, err := e.hydrator.Hydrate(ctx, doc, hydration.DefaultOptions())
	if err != nil {
		return err
	}
	if _, err := e.snapshot.WriteMarkdown(ctx, doc, hydrated.Doc); err != nil {
		return err
	}
	_, err = e.snapshot.PersistSnapshot(ctx, doc, hydrated.Doc, snapshot.PersistOptions{ClearUpdates: true})
	return err
}

// awarenessFor returns doc's shared Manager, creating and starting one
// (with ttl pruning) on first use. The Manager outlives any single
// connection — it is the document's presence table across every
// connection subscribed to it.
func (e *Engine) awarenessFor(ctx context.Context, doc types.DocumentID, ttl time.Duration) *awareness.Manager {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.awareness[doc]; ok {
		return m
	}
	m := awareness.NewManager(doc, e.log, ttl)
	m.Start(ctx)
	e.awareness[doc] = m
	metrics.RoomsOpen.Set(float64(len(e.awareness)))
	return m
}

// Subscribe runs one connection's entire lifecycle: hydrate, send the
// initial sync and presence frames, start forwarders, then process
// inbound frames until the sink errors, the stream closes, or ctx is
// cancelled. It returns only once the connection is fully shut down.
func (e *Engine) Subscribe(ctx context.Context, doc types.DocumentID, sink Sink, stream Stream, canEdit bool, presenceTTL time.Duration) error {
	logger := obslog.WithDocumentID(e.logger, doc)

	// INIT
	hydrated, err := e.hydrator.Hydrate(ctx, doc, hydration.DefaultOptions())
	if err != nil {
		return err
	}
	awarenessMgr := e.awarenessFor(ctx, doc, presenceTTL)

	// SEND_INITIAL_SYNC
	fullState, err := hydrated.Doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return err
	}
	initialFrame := crdt.EncodeFrame([]crdt.Message{{Type: crdt.MessageSyncStep2, Payload: fullState}})
	if err := sink.Send(ctx, initialFrame); err != nil {
		return err
	}

	localClientIDs := make(map[uint64]struct{})
	var localMu sync.Mutex

	for _, frame := range hydrated.AwarenessFrames {
		if err := sink.Send(ctx, frame); err != nil {
			return err
		}
		if err := awarenessMgr.ApplyRemoteFrame(frame); err != nil {
			logger.Debug().Err(err).Msg("apply replayed awareness frame failed")
		}
	}
	if full := awarenessMgr.EncodeFullStateFrame(); full != nil {
		if err := sink.Send(ctx, full); err != nil {
			return err
		}
	}

	// SUBSCRIBE
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := e.log.SubscribeUpdates(connCtx, doc, valueOrEmpty(hydrated.LastUpdateStreamID))
	if err != nil {
		return err
	}
	awarenessUpdates, err := e.log.SubscribeAwareness(connCtx, doc, valueOrEmpty(hydrated.LastAwarenessStreamID))
	if err != nil {
		return err
	}

	forwarderErr := make(chan error, 2)
	go e.forward(connCtx, sink, updates, nil, forwarderErr)
	go e.forward(connCtx, sink, awarenessUpdates, awarenessMgr, forwarderErr)

	// RUN
runLoop:
	for {
		select {
		case frame, ok := <-stream:
			if !ok {
				break runLoop
			}
			e.handleInbound(connCtx, doc, frame, canEdit, awarenessMgr, localClientIDs, &localMu, logger)
		case err := <-forwarderErr:
			if err != nil {
				logger.Debug().Err(err).Msg("forwarder terminated")
			}
			break runLoop
		case <-ctx.Done():
			break runLoop
		}
	}

	// SHUTDOWN
	cancel()
	localMu.Lock()
	ids := make([]uint64, 0, len(localClientIDs))
	for id := range localClientIDs {
		ids = append(ids, id)
	}
	localMu.Unlock()
	if err := awarenessMgr.ClearLocalClients(ctx, ids); err != nil {
		logger.Debug().Err(err).Msg("clear local clients failed")
	}

	return nil
}

func (e *Engine) handleInbound(ctx context.Context, doc types.DocumentID, frame []byte, canEdit bool, awarenessMgr *awareness.Manager, localClientIDs map[uint64]struct{}, localMu *sync.Mutex, logger zerolog.Logger) {
	analysis, msgs, err := crdt.AnalyzeFrame(frame)
	if err != nil {
		logger.Debug().Err(err).Msg("decode inbound frame failed")
		return
	}

	if analysis.HasUpdate {
		if !canEdit {
			metrics.EditFramesRejected.Inc()
			logger.Debug().Msg("dropped edit frame from read-only client")
		} else {
			if _, err := e.log.PublishUpdate(ctx, doc, frame); err != nil {
				logger.Warn().Err(err).Msg("publish update failed")
			} else if e.OnLocalUpdate != nil {
				e.OnLocalUpdate(doc)
			}
		}
	}

	if analysis.HasAwareness {
		if err := awarenessMgr.RecordLocalFrame(frame); err != nil {
			logger.Debug().Err(err).Msg("record local awareness frame failed")
		}
		recordClientIDs(msgs, localClientIDs, localMu)
		if _, err := e.log.PublishAwareness(ctx, doc, frame); err != nil {
			logger.Warn().Err(err).Msg("publish awareness failed")
		}
	}
}

func recordClientIDs(msgs []crdt.Message, localClientIDs map[uint64]struct{}, localMu *sync.Mutex) {
	for _, m := range msgs {
		if m.Type != crdt.MessageAwareness {
			continue
		}
		var upd crdt.AwarenessUpdate
		if err := json.Unmarshal(m.Payload, &upd); err != nil {
			continue
		}
		localMu.Lock()
		for clientID := range upd.Clients {
			localClientIDs[clientID] = struct{}{}
		}
		localMu.Unlock()
	}
}

// forward reads frames from source and writes each to sink until
// source closes or ctx is cancelled, reporting a nil error on the
// errCh for a clean close and a non-nil error if the sink rejected a
// frame. If awarenessMgr is non-nil, every forwarded frame is also
// applied to it so the local presence table converges with remote
// clients (the update forwarder passes nil — the CRDT applies its own
// updates through hydration/ApplyUpdate paths elsewhere, not here).
func (e *Engine) forward(ctx context.Context, sink Sink, source <-chan types.StreamFrame, awarenessMgr *awareness.Manager, errCh chan<- error) {
	streamLabel := "updates"
	if awarenessMgr != nil {
		streamLabel = "awareness"
	}

	for {
		select {
		case frame, ok := <-source:
			if !ok {
				errCh <- nil
				return
			}
			if awarenessMgr != nil {
				if err := awarenessMgr.ApplyRemoteFrame(frame.Bytes); err != nil {
					e.logger.Debug().Err(err).Msg("apply remote awareness frame failed")
				}
			}
			if err := sink.Send(ctx, frame.Bytes); err != nil {
				errCh <- err
				return
			}
			metrics.FramesForwarded.WithLabelValues(streamLabel).Inc()
		case <-ctx.Done():
			errCh <- nil
			return
		}
	}
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
