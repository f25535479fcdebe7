package runstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := Open(Config{
		Driver:   "sqlite",
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return NewGormStore(db)
}

func TestInsertPendingSetsDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.InsertPending(ctx, KindAgent, "agent-1", `{"message":"hi"}`)
	require.NoError(t, err)
	require.Equal(t, StatusPending, run.Status)
	require.NotEqual(t, [16]byte{}, [16]byte(run.ID))
	require.False(t, run.SubmittedAt.IsZero())
	require.Nil(t, run.StartedAt)
}

func TestTransitionCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.InsertPending(ctx, KindAgent, "agent-1", `{}`)
	require.NoError(t, err)

	handle := "worker-abc"
	ok, err := store.Transition(ctx, run.ID, StatusPending, StatusRunning, Patch{WorkerHandle: &handle})
	require.NoError(t, err)
	require.True(t, ok)

	// A second attempt from the same expected status loses the race.
	ok, err = store.Transition(ctx, run.ID, StatusPending, StatusRunning, Patch{})
	require.NoError(t, err)
	require.False(t, ok)

	fetched, err := store.Fetch(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, fetched.Status)
	require.Equal(t, handle, fetched.WorkerHandle)
}

func TestFetchNotFound(t *testing.T) {
	store := newTestStore(t)
	run, err := store.InsertPending(context.Background(), KindAgent, "a", `{}`)
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), run.ID)
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), uuid.Must(uuid.NewV7()))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveExcludesTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r1, err := store.InsertPending(ctx, KindAgent, "a", `{}`)
	require.NoError(t, err)
	r2, err := store.InsertPending(ctx, KindAgent, "b", `{}`)
	require.NoError(t, err)

	ok, err := store.Transition(ctx, r2.ID, StatusPending, StatusFailed, Patch{})
	require.NoError(t, err)
	require.True(t, ok)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, r1.ID, active[0].ID)
}
