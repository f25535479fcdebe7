package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/csa"
	"github.com/runforge/runforge/internal/runstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *runstore.Fake, *csa.Fake) {
	t.Helper()
	store := runstore.NewFake()
	adapter := csa.NewFake()
	b := bus.New()
	t.Cleanup(b.Close)

	cfg := DefaultConfig()
	cfg.LaunchRetryBudget = 2 * time.Second
	c := New(store, adapter, b, nil, zap.NewNop(), cfg)
	return c, store, adapter
}

func TestStartHappyPath(t *testing.T) {
	c, _, adapter := newTestCoordinator(t)

	run, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{"message":"hi"}`)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusRunning, run.Status)
	require.NotEmpty(t, run.WorkerHandle)
	require.Equal(t, 1, adapter.Launches)
}

func TestStartRetriesTransientThenSucceeds(t *testing.T) {
	c, _, adapter := newTestCoordinator(t)
	adapter.LaunchFailures = []error{csa.ErrTransient, csa.ErrTransient}

	run, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{}`)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusRunning, run.Status)
	require.Equal(t, 1, adapter.Launches) // exactly one worker despite two retries
}

func TestStartPermanentErrorFailsRun(t *testing.T) {
	c, _, adapter := newTestCoordinator(t)
	adapter.LaunchFailures = []error{csa.ErrPermanent}

	_, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{}`)
	require.Error(t, err)
	require.True(t, errors.Is(err, csa.ErrPermanent))
}

func TestIdempotentStartRequestID(t *testing.T) {
	c, store, adapter := newTestCoordinator(t)

	run, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{}`)
	require.NoError(t, err)

	// Simulate a coordinator retry after crash: issue Launch again with the
	// same derived request id against the same adapter state.
	spec := csa.Spec{RequestID: run.ID.String()}
	handle, err := adapter.Launch(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, run.WorkerHandle, handle)
	require.Equal(t, 1, adapter.Launches)

	fetched, err := store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusRunning, fetched.Status)
}

func TestCancelRunningDeletesWorker(t *testing.T) {
	c, store, adapter := newTestCoordinator(t)

	run, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{}`)
	require.NoError(t, err)

	err = c.Cancel(context.Background(), run.ID)
	require.NoError(t, err)

	fetched, err := store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusCancelled, fetched.Status)
	require.NotNil(t, fetched.EndedAt)
	require.True(t, adapter.Deleted[run.WorkerHandle])
}

func TestCancelAlreadyTerminalIsNoop(t *testing.T) {
	c, store, _ := newTestCoordinator(t)

	run, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{}`)
	require.NoError(t, err)

	now := time.Now().UTC()
	ok, err := store.Transition(context.Background(), run.ID, runstore.StatusRunning, runstore.StatusCompleted, runstore.Patch{EndedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	err = c.Cancel(context.Background(), run.ID)
	require.NoError(t, err)

	fetched, err := store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusCompleted, fetched.Status)
}

func TestReapMovesFailedWorkerRunToFailed(t *testing.T) {
	c, store, adapter := newTestCoordinator(t)

	run, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{}`)
	require.NoError(t, err)

	adapter.SetState(run.WorkerHandle, csa.WorkerFailed)

	err = c.Reap(context.Background())
	require.NoError(t, err)

	fetched, err := store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusFailed, fetched.Status)
	require.Equal(t, "worker disappeared", fetched.ErrorMessage)
}

func TestReapGivesUnknownAGracePeriod(t *testing.T) {
	c, store, adapter := newTestCoordinator(t)
	c.cfg.ReaperUnknownGrace = 10 * time.Millisecond

	run, err := c.Start(context.Background(), runstore.KindAgent, "a1", `{}`)
	require.NoError(t, err)
	adapter.SetState(run.WorkerHandle, csa.WorkerUnknown)

	require.NoError(t, c.Reap(context.Background()))
	fetched, err := store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusRunning, fetched.Status) // not failed yet

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Reap(context.Background()))
	fetched, err = store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusFailed, fetched.Status)
}
