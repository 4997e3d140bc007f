// Package persistworker implements the Persistence Worker (C10): the
// component that turns accumulated CRDT updates into a durable
// Markdown file and a fresh snapshot. Two shapes exist for the two
// engine modes: Worker drains the Cluster Log's shared tasks stream in
// cluster mode, and DebounceScheduler runs the equivalent cycle after a
// quiet period in single-node mode, where there is no separate process
// to fan a task stream out to.
package persistworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/metrics"
	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/clusterlog"
	"github.com/refmdio/refmd/pkg/hydration"
	"github.com/refmdio/refmd/pkg/snapshot"
	"github.com/refmdio/refmd/pkg/types"
)

// Worker is the cluster-mode Persistence Worker. It subscribes to the
// Cluster Log's shared tasks stream from the current tail and, for
// each trigger, hydrates the named document, writes its canonical
// Markdown file, and persists a new snapshot, pruning update-log
// entries up to the seq observed at hydration time rather than
// clearing the whole log — anything appended while the cycle was
// running survives to the next cycle instead of being lost.
type Worker struct {
	hydrator    *hydration.Service
	snapshot    *snapshot.Service
	log         clusterlog.Log
	minLifetime time.Duration

	logger zerolog.Logger
}

// NewWorker wires a Worker to the services it composes. minLifetime of
// zero disables update/awareness stream trimming after each cycle.
func NewWorker(hydrator *hydration.Service, snapshotSvc *snapshot.Service, log clusterlog.Log, minLifetime time.Duration) *Worker {
	return &Worker{
		hydrator:    hydrator,
		snapshot:    snapshotSvc,
		log:         log,
		minLifetime: minLifetime,
		logger:      obslog.WithComponent("persistworker"),
	}
}

// Run subscribes to the tasks stream from its current tail and
// processes entries until ctx is cancelled or the stream closes. It
// never returns a nil-handling error for a single bad task — only a
// failure to subscribe at all is fatal.
func (w *Worker) Run(ctx context.Context) error {
	tasks, err := w.log.SubscribeTasks(ctx, "")
	if err != nil {
		return fmt.Errorf("subscribe tasks: %w", err)
	}

	w.logger.Info().Msg("persistence worker started")
	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				return nil
			}
			w.process(ctx, task)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process handles one task entry. A malformed document id is a
// permanent failure — it is logged and acked so it doesn't wedge the
// stream. A failure hydrating, writing, or snapshotting is transient
// (a disconnected database, a full disk) and is logged without acking,
// leaving the entry to be redelivered under the log's at-least-once
// semantics.
func (w *Worker) process(ctx context.Context, task types.TaskEntry) {
	doc, err := types.ParseDocumentID(task.DocumentID)
	if err != nil {
		w.logger.Error().Err(err).Str("raw_document_id", task.DocumentID).Msg("invalid task document id")
		w.ack(ctx, task.ID)
		metrics.WorkerTasksProcessed.WithLabelValues("invalid_id").Inc()
		return
	}

	logger := obslog.WithDocumentID(w.logger, doc)

	if err := w.persist(ctx, doc); err != nil {
		logger.Error().Err(err).Msg("persist cycle failed, leaving task unacked for redelivery")
		metrics.WorkerTasksProcessed.WithLabelValues("failed").Inc()
		return
	}

	w.ack(ctx, task.ID)
	w.trim(ctx, doc, logger)
	metrics.WorkerTasksProcessed.WithLabelValues("success").Inc()
}

func (w *Worker) persist(ctx context.Context, doc types.DocumentID) error {
	hydrated, err := w.hydrator.Hydrate(ctx, doc, hydration.Options{})
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	if _, err := w.snapshot.WriteMarkdown(ctx, doc, hydrated.Doc); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	seq := hydrated.LastSeq
	if _, err := w.snapshot.PersistSnapshot(ctx, doc, hydrated.Doc, snapshot.PersistOptions{PruneUpdatesBefore: &seq}); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.log.AckTask(ctx, entryID); err != nil {
		w.logger.Warn().Err(err).Str("task_id", entryID).Msg("ack task failed")
	}
}

func (w *Worker) trim(ctx context.Context, doc types.DocumentID, logger zerolog.Logger) {
	if w.minLifetime <= 0 {
		return
	}

	cutoff := time.Now().Add(-w.minLifetime).UnixMilli()
	if cutoff <= 0 {
		return
	}
	minID := fmt.Sprintf("%d-0", cutoff)

	if err := w.log.TrimUpdatesMinID(ctx, doc, minID); err != nil {
		logger.Debug().Err(err).Msg("trim updates stream failed")
	}
	if err := w.log.TrimAwarenessMinID(ctx, doc, minID); err != nil {
		logger.Debug().Err(err).Msg("trim awareness stream failed")
	}
}

// DebounceScheduler is the single-node-mode equivalent of Worker: with
// no separate process to hand a task stream to, it instead tracks a
// dirty flag per document and runs the same write-markdown-then-
// snapshot cycle once a document has gone quiet for the debounce
// window.
type DebounceScheduler struct {
	hydrator *hydration.Service
	snapshot *snapshot.Service
	debounce time.Duration

	ctx context.Context

	mu    sync.Mutex
	dirty map[types.DocumentID]uint64

	logger zerolog.Logger
}

// NewDebounceScheduler wires a DebounceScheduler to the services it
// composes. Start must be called once before MarkDirty has anywhere to
// schedule a persist cycle against.
func NewDebounceScheduler(hydrator *hydration.Service, snapshotSvc *snapshot.Service, debounce time.Duration) *DebounceScheduler {
	return &DebounceScheduler{
		hydrator: hydrator,
		snapshot: snapshotSvc,
		debounce: debounce,
		dirty:    make(map[types.DocumentID]uint64),
		logger:   obslog.WithComponent("persistworker"),
	}
}

// Start records the context every debounce timer and persist cycle
// runs under — the process lifetime, not any one connection's.
func (d *DebounceScheduler) Start(ctx context.Context) {
	d.ctx = ctx
}

// MarkDirty arms a debounce timer for doc. If no further MarkDirty call
// for doc lands before the timer fires, a persist cycle runs in the
// background; if one does, this timer sees the newer mark and does
// nothing, leaving the newer timer to run instead. Safe to call
// repeatedly and concurrently for the same document.
func (d *DebounceScheduler) MarkDirty(doc types.DocumentID) {
	d.mu.Lock()
	d.dirty[doc]++
	gen := d.dirty[doc]
	d.mu.Unlock()

	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		timer := time.NewTimer(d.debounce)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		d.mu.Lock()
		shouldRun := d.dirty[doc] == gen
		if shouldRun {
			delete(d.dirty, doc)
		}
		d.mu.Unlock()
		if !shouldRun {
			return
		}

		logger := obslog.WithDocumentID(d.logger, doc)
		if err := d.persist(ctx, doc); err != nil {
			logger.Error().Err(err).Msg("debounced persist failed")
		}
	}()
}

func (d *DebounceScheduler) persist(ctx context.Context, doc types.DocumentID) error {
	hydrated, err := d.hydrator.Hydrate(ctx, doc, hydration.Options{})
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	if _, err := d.snapshot.WriteMarkdown(ctx, doc, hydrated.Doc); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	seq := hydrated.LastSeq
	if _, err := d.snapshot.PersistSnapshot(ctx, doc, hydrated.Doc, snapshot.PersistOptions{PruneUpdatesBefore: &seq}); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}
