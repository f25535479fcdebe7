package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/runstore"
	"github.com/runforge/runforge/internal/streamenv"
)

func newTestGateway(t *testing.T, store runstore.Store) (*Gateway, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	return New(store, b, zap.NewNop()), b
}

func serveWithID(g *Gateway, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/runs/"+id+"/stream", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTPUnknownRunNotFound(t *testing.T) {
	store := runstore.NewFake()
	g, _ := newTestGateway(t, store)

	id := uuid.Must(uuid.NewV7())
	rec := serveWithID(g, id.String())
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPCompletedRunWritesSyntheticTerminal(t *testing.T) {
	store := runstore.NewFake()
	g, _ := newTestGateway(t, store)
	ctx := context.Background()

	run, err := store.InsertPending(ctx, runstore.KindAgent, "agent-1", `{}`)
	require.NoError(t, err)

	output := `{"result":"done"}`
	_, err = store.Transition(ctx, run.ID, runstore.StatusPending, runstore.StatusCompleted, runstore.Patch{
		OutputData: &output,
	})
	require.NoError(t, err)

	rec := serveWithID(g, run.ID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"kind":"chunk"`)
	require.Contains(t, rec.Body.String(), `"kind":"end"`)
}

func TestServeHTTPLiveRunForwardsBusMessages(t *testing.T) {
	store := runstore.NewFake()
	g, b := newTestGateway(t, store)
	ctx := context.Background()

	run, err := store.InsertPending(ctx, runstore.KindAgent, "agent-1", `{}`)
	require.NoError(t, err)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- serveWithID(g, run.ID.String())
	}()

	// Give ServeHTTP a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	b.Publish(streamenv.ChannelForResults(run.ID.String()), mustMarshal(streamenv.Chunk("hello")))
	b.Publish(streamenv.ChannelForResults(run.ID.String()), mustMarshal(streamenv.End("")))

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "hello")
		require.Contains(t, rec.Body.String(), `"kind":"end"`)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP did not return after end envelope")
	}
}

func mustMarshal(e streamenv.Envelope) []byte {
	b, err := e.Marshal()
	if err != nil {
		panic(err)
	}
	return b
}
