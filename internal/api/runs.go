package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/coordinator"
	"github.com/runforge/runforge/internal/runstore"
)

// RunsHandler implements the /api/v1/runs resource.
type RunsHandler struct {
	coordinator *coordinator.Coordinator
	store       runstore.Store
	logger      *zap.Logger
}

// NewRunsHandler constructs a RunsHandler.
func NewRunsHandler(c *coordinator.Coordinator, store runstore.Store, logger *zap.Logger) *RunsHandler {
	return &RunsHandler{coordinator: c, store: store, logger: logger.Named("api.runs")}
}

type createRunRequest struct {
	RunnableID     string         `json:"runnable_id"`
	RunnableType   string         `json:"runnable_type"`
	InputVariables map[string]any `json:"input_variables"`
}

// runView is the wire shape of a Run record. output_data/error_message are
// only ever one or the other per testable invariant 2. OutputData is
// json.RawMessage, not a string: r.OutputData already holds JSON text, and
// embedding it as a *string would re-quote/escape it on marshal.
type runView struct {
	ID           string          `json:"id"`
	RunnableID   string          `json:"runnable_id"`
	RunnableKind string          `json:"runnable_type"`
	Status       string          `json:"status"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	SubmittedAt  string          `json:"submitted_at"`
	StartedAt    *string         `json:"started_at,omitempty"`
	EndedAt      *string         `json:"ended_at,omitempty"`
	WorkerHandle string          `json:"worker_handle,omitempty"`
}

func toRunView(r *runstore.Run) runView {
	v := runView{
		ID:           r.ID.String(),
		RunnableID:   r.RunnableID,
		RunnableKind: string(r.RunnableKind),
		Status:       string(r.Status),
		SubmittedAt:  r.SubmittedAt.Format(timeLayout),
		WorkerHandle: r.WorkerHandle,
	}
	if r.Status == runstore.StatusCompleted && r.OutputData != "" {
		v.OutputData = json.RawMessage(r.OutputData)
	}
	if (r.Status == runstore.StatusFailed || r.Status == runstore.StatusCancelled) && r.ErrorMessage != "" {
		v.ErrorMessage = &r.ErrorMessage
	}
	if r.StartedAt != nil {
		s := r.StartedAt.Format(timeLayout)
		v.StartedAt = &s
	}
	if r.EndedAt != nil {
		s := r.EndedAt.Format(timeLayout)
		v.EndedAt = &s
	}
	return v
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Create handles POST /runs.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RunnableID == "" {
		ErrBadRequest(w, "runnable_id is required")
		return
	}

	var kind runstore.Kind
	switch req.RunnableType {
	case string(runstore.KindAgent):
		kind = runstore.KindAgent
	case string(runstore.KindTeam):
		kind = runstore.KindTeam
	default:
		ErrBadRequest(w, "runnable_type must be \"agent\" or \"team\"")
		return
	}

	inputJSON, err := json.Marshal(req.InputVariables)
	if err != nil {
		ErrBadRequest(w, "invalid input_variables")
		return
	}

	if claims := claimsFromCtx(r.Context()); claims != nil {
		h.logger.Debug("run submitted", zap.String("subject", claims.Subject), zap.String("runnable_id", req.RunnableID))
	}

	run, err := h.coordinator.Start(r.Context(), kind, req.RunnableID, string(inputJSON))
	if err != nil {
		h.logger.Error("start failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, toRunView(run))
}

// List handles GET /runs, optionally filtered by runnable_id and status.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	runnableID := r.URL.Query().Get("runnable_id")
	status := runstore.Status(r.URL.Query().Get("status"))

	runs, err := h.store.List(r.Context(), runnableID, status)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toRunView(run))
	}
	Ok(w, views)
}

// Get handles GET /runs/{id}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.Fetch(r.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("fetch failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, toRunView(run))
}

// Cancel handles POST /runs/{id}/cancel.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid run id")
		return
	}

	if err := h.coordinator.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("cancel failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	run, err := h.store.Fetch(r.Context(), id)
	if err != nil {
		h.logger.Error("fetch after cancel failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toRunView(run))
}
