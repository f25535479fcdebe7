// Package sse implements the Result Stream Gateway: one HTTP connection per
// client, streaming a run's result envelopes as server-sent events until the
// terminal sentinel.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/runstore"
	"github.com/runforge/runforge/internal/streamenv"
)

// DefaultClientSendBuffer is the per-connection outbound queue depth. It is
// distinct from the Message Bus's own per-subscriber buffer: this one sits
// between the bus-reading goroutine and the network-writing goroutine for
// a single connection, and its overflow policy is to close the connection
// rather than drop a message.
const DefaultClientSendBuffer = 64

const keepaliveInterval = 30 * time.Second

// Gateway serves GET /api/v1/runs/{id}/stream.
type Gateway struct {
	store            runstore.Store
	bus              *bus.Bus
	logger           *zap.Logger
	clientSendBuffer int
}

// New constructs a Gateway with the default outbound buffer depth.
func New(store runstore.Store, b *bus.Bus, logger *zap.Logger) *Gateway {
	return &Gateway{store: store, bus: b, logger: logger.Named("sse"), clientSendBuffer: DefaultClientSendBuffer}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	id, err := uuid.Parse(idParam)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	// Subscribe before reading status: this closes the race where the
	// worker finishes between the status read and the subscribe call, which
	// would otherwise lose the "end" event entirely.
	sub := g.bus.Subscribe(streamenv.ChannelForResults(idParam))
	defer g.bus.Release(sub)

	run, err := g.store.Fetch(r.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		g.logger.Error("fetch failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if run.Status.Terminal() {
		writeSyntheticTerminal(w, flusher, run)
		return
	}

	g.pump(r.Context(), w, flusher, sub)
}

// pump runs the two-suspension-point forwarding loop: one goroutine blocks
// on the bus subscription, the handler goroutine blocks on the network
// write. A bounded channel decouples them so a slow client cannot stall the
// bus side beyond clientSendBuffer messages; past that the connection is
// closed with an overflow outcome rather than blocking the bus reader.
func (g *Gateway) pump(parent context.Context, w http.ResponseWriter, flusher http.Flusher, sub *bus.Subscription) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	out := make(chan []byte, g.clientSendBuffer)
	overflow := make(chan struct{})

	go func() {
		defer close(out)
		for {
			msg, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case out <- msg:
			default:
				// Client overflow: the connection-local queue is full, so
				// the client is too slow. Close rather than let this
				// subscriber's backlog grow without bound.
				close(overflow)
				cancel()
				return
			}
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case msg, ok := <-out:
			if !ok {
				select {
				case <-overflow:
					writeEnvelope(w, flusher, streamenv.End("overflow"))
				default:
				}
				return
			}
			if err := writeFrame(w, flusher, msg); err != nil {
				return
			}
			if isEndEnvelope(msg) {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-parent.Done():
			return
		}
	}
}

func writeSyntheticTerminal(w http.ResponseWriter, flusher http.Flusher, run *runstore.Run) {
	if run.Status == runstore.StatusCompleted {
		var payload any
		if run.OutputData != "" {
			_ = json.Unmarshal([]byte(run.OutputData), &payload)
		}
		writeEnvelope(w, flusher, streamenv.Chunk(payload))
		writeEnvelope(w, flusher, streamenv.End(""))
		return
	}
	writeEnvelope(w, flusher, streamenv.End(run.ErrorMessage))
}

func writeEnvelope(w http.ResponseWriter, flusher http.Flusher, env streamenv.Envelope) {
	payload, err := env.Marshal()
	if err != nil {
		return
	}
	_ = writeFrame(w, flusher, payload)
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func isEndEnvelope(msg []byte) bool {
	return bytes.Contains(msg, []byte(`"kind":"end"`))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message},
	})
}
