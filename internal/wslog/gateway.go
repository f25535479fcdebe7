// Package wslog implements the Log Stream Gateway: one WebSocket connection
// per client, forwarding a run's log lines from the Message Bus until the
// run reaches a terminal status. Log lines are not persisted, so a client
// that connects after the run has already finished sees nothing — this
// mirrors the base spec's choice not to keep a durable log store.
package wslog

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/runstore"
	"github.com/runforge/runforge/internal/streamenv"
)

const (
	// writeWait bounds a single frame write; a client that can't keep up
	// within this window is considered gone.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong before closing.
	pongWait = 60 * time.Second

	// pingPeriod must stay under pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds incoming frames. The protocol is server-push
	// only — clients send nothing but pong control frames.
	maxMessageSize = 512

	// statusPollInterval is how often the gateway checks whether the run
	// has reached a terminal status, satisfying the base spec's "poll at
	// most every 5 seconds" bound for closing a finished run's stream.
	statusPollInterval = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway serves GET /ws/runs/{id}/logs.
type Gateway struct {
	store  runstore.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// New constructs a Gateway.
func New(store runstore.Store, b *bus.Bus, logger *zap.Logger) *Gateway {
	return &Gateway{store: store, bus: b, logger: logger.Named("wslog")}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	id, err := uuid.Parse(idParam)
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}

	// Subscribe before fetching status for the same reason the SSE gateway
	// does: it closes the race between a worker finishing and this
	// connection starting.
	sub := g.bus.Subscribe(streamenv.ChannelForLogs(idParam))

	run, err := g.store.Fetch(r.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		g.bus.Release(sub)
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.bus.Release(sub)
		g.logger.Error("fetch failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.bus.Release(sub)
		g.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	logger := g.logger.With(zap.String("run_id", idParam), zap.String("remote_addr", r.RemoteAddr))

	if run.Status.Terminal() {
		// Nothing to stream and nothing kept around to replay: close
		// immediately rather than leaving the client waiting forever.
		g.bus.Release(sub)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run already finished"))
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, sub, run.ID, logger)

	g.bus.Release(sub)
	conn.Close()
}

// readPump's only job is detecting disconnection and keeping the read
// deadline alive via pong frames; the client never sends application data.
func (g *Gateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the connection's only writer: it forwards log lines pulled
// from the subscription, sends periodic pings, and polls run status so the
// connection closes shortly after the run finishes even if the worker's
// last log line arrived before its terminal report did.
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, runID uuid.UUID, logger *zap.Logger) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	poll := time.NewTicker(statusPollInterval)
	defer poll.Stop()

	lines := make(chan []byte)
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go func() {
		defer close(lines)
		for {
			msg, ok := sub.Next(pumpCtx)
			if !ok {
				return
			}
			select {
			case lines <- msg:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-lines:
			if !ok {
				return
			}
			line, err := streamenv.UnmarshalLogLine(msg)
			if err != nil {
				logger.Warn("dropping malformed log line", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				logger.Warn("ws write error", zap.Error(err))
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-poll.C:
			run, err := g.store.Fetch(ctx, runID)
			if err != nil {
				continue
			}
			if run.Status.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
