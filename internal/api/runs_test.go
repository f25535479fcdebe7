package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/coordinator"
	"github.com/runforge/runforge/internal/csa"
	"github.com/runforge/runforge/internal/runstore"
)

func newTestHandler(t *testing.T) (*RunsHandler, runstore.Store) {
	t.Helper()
	store := runstore.NewFake()
	adapter := csa.NewFake()
	b := bus.New()
	t.Cleanup(b.Close)

	cfg := coordinator.DefaultConfig()
	cfg.WorkerImage = "runforge/worker:test"
	coord := coordinator.New(store, adapter, b, nil, zap.NewNop(), cfg)

	return NewRunsHandler(coord, store, zap.NewNop()), store
}

func TestCreateAndGetRun(t *testing.T) {
	h, _ := newTestHandler(t)

	r := chi.NewRouter()
	r.Post("/runs", h.Create)
	r.Get("/runs/{id}", h.Get)

	body, _ := json.Marshal(map[string]any{
		"runnable_id":     "agent-1",
		"runnable_type":   "agent",
		"input_variables": map[string]any{"message": "hi"},
	})
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data runView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.ID)
	require.Equal(t, "agent", created.Data.RunnableKind)

	getReq := httptest.NewRequest(http.MethodGet, "/runs/"+created.Data.ID, nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestCreateRejectsInvalidRunnableType(t *testing.T) {
	h, _ := newTestHandler(t)

	r := chi.NewRouter()
	r.Post("/runs", h.Create)

	body, _ := json.Marshal(map[string]any{
		"runnable_id":   "agent-1",
		"runnable_type": "not-a-kind",
	})
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownRunNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	r := chi.NewRouter()
	r.Get("/runs/{id}", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/runs/01970000-0000-7000-8000-000000000000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRunningRun(t *testing.T) {
	h, _ := newTestHandler(t)

	r := chi.NewRouter()
	r.Post("/runs", h.Create)
	r.Post("/runs/{id}/cancel", h.Cancel)

	body, _ := json.Marshal(map[string]any{
		"runnable_id":   "agent-1",
		"runnable_type": "agent",
	})
	createReq := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	r.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created struct {
		Data runView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	cancelReq := httptest.NewRequest(http.MethodPost, "/runs/"+created.Data.ID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	r.ServeHTTP(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	var cancelled struct {
		Data runView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &cancelled))
	require.Equal(t, "cancelled", cancelled.Data.Status)
}
