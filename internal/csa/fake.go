package csa

import (
	"context"
	"sync"
)

// Fake is an in-memory Adapter used by Run Coordinator unit tests. It lets
// tests script transient failures before success, and records every call
// for assertions.
type Fake struct {
	mu sync.Mutex

	// LaunchFailures is consumed in order: each call to Launch pops one
	// entry and returns it as the error (nil entries succeed). Once the
	// slice is empty, Launch always succeeds.
	LaunchFailures []error

	workers map[string]WorkerState // keyed by request id (== handle here)
	Deleted map[string]bool
	Launches int
}

// NewFake constructs an empty Fake adapter.
func NewFake() *Fake {
	return &Fake{
		workers: make(map[string]WorkerState),
		Deleted: make(map[string]bool),
	}
}

func (f *Fake) Launch(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	handle := spec.RequestID

	// Idempotent: a handle already known short-circuits without consuming a
	// scripted failure or counting as a new launch.
	if _, exists := f.workers[handle]; exists {
		return handle, nil
	}

	if len(f.LaunchFailures) > 0 {
		err := f.LaunchFailures[0]
		f.LaunchFailures = f.LaunchFailures[1:]
		if err != nil {
			return "", err
		}
	}

	f.Launches++
	f.workers[handle] = WorkerActive
	return handle, nil
}

func (f *Fake) Inspect(ctx context.Context, handle string) (WorkerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.workers[handle]
	if !ok {
		return WorkerUnknown, nil
	}
	return state, nil
}

func (f *Fake) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted[handle] = true
	delete(f.workers, handle)
	return nil
}

func (f *Fake) List(ctx context.Context) ([]WorkerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]WorkerInfo, 0, len(f.workers))
	for h, s := range f.workers {
		infos = append(infos, WorkerInfo{Handle: h, State: s})
	}
	return infos, nil
}

// SetState lets a test simulate a worker transitioning (e.g. to WorkerFailed
// or vanishing as WorkerUnknown) without going through Launch/Delete.
func (f *Fake) SetState(handle string, state WorkerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state == WorkerUnknown {
		delete(f.workers, handle)
		return
	}
	f.workers[handle] = state
}
