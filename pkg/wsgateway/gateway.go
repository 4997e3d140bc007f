// Package wsgateway adapts the Realtime Engine's connection contract
// to actual WebSocket connections, and mounts the HTTP surface a
// deployed node exposes alongside it: readiness and metrics.
package wsgateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/health"
	"github.com/refmdio/refmd/internal/metrics"
	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/realtime"
	"github.com/refmdio/refmd/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Document WebSocket connections are opened directly by the editor
	// client, not by third-party sites riding a browser session, so
	// there is no CSRF-style origin to police here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway is the WebSocket/HTTP front door for one node. It owns no
// document state itself — every connection it accepts is handed
// straight to the Realtime Engine's Subscribe contract.
type Gateway struct {
	engine      *realtime.Engine
	presenceTTL time.Duration
	checkers    []health.Checker

	logger zerolog.Logger
}

// NewGateway wires a Gateway to the Engine that will run every
// accepted connection's lifecycle, the presence TTL passed through to
// Subscribe, and the checkers /healthz aggregates.
func NewGateway(engine *realtime.Engine, presenceTTL time.Duration, checkers ...health.Checker) *Gateway {
	return &Gateway{
		engine:      engine,
		presenceTTL: presenceTTL,
		checkers:    checkers,
		logger:      obslog.WithComponent("wsgateway"),
	}
}

// Routes mounts the gateway's handlers onto r.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws/{doc}", g.serveWS)
	r.Get("/healthz", g.serveHealthz)
	r.Handle("/metrics", promhttp.Handler())
}

// serveWS upgrades the request to a WebSocket connection, then blocks
// for the connection's entire lifetime running Engine.Subscribe. The
// query parameter readonly=true opens the connection without edit
// rights, per the gateway's canEdit contract.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	docParam := chi.URLParam(r, "doc")
	doc, err := types.ParseDocumentID(docParam)
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}
	canEdit := r.URL.Query().Get("readonly") != "true"

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.ActiveConnections.WithLabelValues(doc.String()).Inc()
	defer metrics.ActiveConnections.WithLabelValues(doc.String()).Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, 16)
	go g.readLoop(ctx, conn, inbound, cancel)

	sink := &connSink{conn: conn}
	if err := g.engine.Subscribe(ctx, doc, sink, inbound, canEdit, g.presenceTTL); err != nil {
		g.logger.Debug().Err(err).Str("document_id", doc.String()).Msg("subscribe ended")
	}
}

// readLoop feeds frames read off conn into out until the connection
// errors or ctx is cancelled, then closes out so Engine.Subscribe's
// RUN state sees the stream end and shuts the connection down.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- []byte, cancel context.CancelFunc) {
	defer cancel()
	defer close(out)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// serveHealthz runs every configured checker and reports 200 when all
// are healthy, 503 otherwise.
func (g *Gateway) serveHealthz(w http.ResponseWriter, r *http.Request) {
	agg := health.Check(r.Context(), g.checkers)

	w.Header().Set("Content-Type", "application/json")
	if !agg.Overall {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	body := "{\"healthy\":" + boolString(agg.Overall) + "}"
	_, _ = w.Write([]byte(body))
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// connSink adapts a *websocket.Conn to realtime.Sink. Writes are
// serialized with a mutex: the Engine's updates and awareness
// forwarders each hold their own goroutine and can call Send
// concurrently for the same connection.
type connSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *connSink) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}
