package runstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Store used by coordinator and gateway unit tests, so
// those packages never need a real database to exercise the CAS contract.
type Fake struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*Run
}

// NewFake returns an empty in-memory Store.
func NewFake() *Fake {
	return &Fake{runs: make(map[uuid.UUID]*Run)}
}

func (f *Fake) InsertPending(ctx context.Context, kind Kind, runnableID, inputVariablesJSON string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:             id,
		RunnableKind:   kind,
		RunnableID:     runnableID,
		Status:         StatusPending,
		InputVariables: inputVariablesJSON,
	}
	f.runs[id] = run

	cp := *run
	return &cp, nil
}

func (f *Fake) Transition(ctx context.Context, id uuid.UUID, expected, next Status, patch Patch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	if run.Status != expected {
		return false, nil
	}

	run.Status = next
	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		run.EndedAt = patch.EndedAt
	}
	if patch.WorkerHandle != nil {
		run.WorkerHandle = *patch.WorkerHandle
	}
	if patch.OutputData != nil {
		run.OutputData = *patch.OutputData
	}
	if patch.ErrorMessage != nil {
		run.ErrorMessage = *patch.ErrorMessage
	}
	return true, nil
}

func (f *Fake) Fetch(ctx context.Context, id uuid.UUID) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run, ok := f.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *Fake) ListActive(ctx context.Context) ([]*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Run
	for _, run := range f.runs {
		if !run.Status.Terminal() {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) List(ctx context.Context, runnableID string, status Status) ([]*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Run
	for _, run := range f.runs {
		if runnableID != "" && run.RunnableID != runnableID {
			continue
		}
		if status != "" && run.Status != status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}
