package ingest

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/runstore"
	"github.com/runforge/runforge/internal/streamenv"
)

// fakeServerStream is a minimal grpc.ServerStream good enough to drive the
// handwritten StreamResults/StreamLogs loops in a unit test, without
// spinning up a real gRPC server.
type fakeServerStream struct {
	ctx      context.Context
	in       []*structpb.Struct
	pos      int
	closedOK *emptypb.Empty
}

func (f *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeServerStream) SendHeader(metadata.MD) error  { return nil }
func (f *fakeServerStream) SetTrailer(metadata.MD)        {}
func (f *fakeServerStream) Context() context.Context      { return f.ctx }
func (f *fakeServerStream) SendMsg(m any) error {
	f.closedOK = m.(*emptypb.Empty)
	return nil
}
func (f *fakeServerStream) RecvMsg(m any) error {
	if f.pos >= len(f.in) {
		return io.EOF
	}
	*m.(*structpb.Struct) = *f.in[f.pos]
	f.pos++
	return nil
}

type fakeResultsStream struct{ *fakeServerStream }

func (f *fakeResultsStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := f.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
func (f *fakeResultsStream) SendAndClose(m *emptypb.Empty) error { return f.SendMsg(m) }

func newStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestStreamResultsPublishesChunks(t *testing.T) {
	store := runstore.NewFake()
	b := bus.New()
	defer b.Close()
	srv := New(store, b, nil, zap.NewNop(), "")

	runID := "run-1"
	sub := b.Subscribe(streamenv.ChannelForResults(runID))
	defer b.Release(sub)

	stream := &fakeResultsStream{&fakeServerStream{
		ctx: context.Background(),
		in: []*structpb.Struct{
			newStruct(t, map[string]any{"run_id": runID, "payload": "hello"}),
		},
	}}

	require.NoError(t, srv.StreamResults(stream))

	msg, ok := sub.Next(context.Background())
	require.True(t, ok)
	require.Contains(t, string(msg), "hello")
	require.Contains(t, string(msg), `"kind":"chunk"`)
}

func TestReportTerminalCompletedTransitionsRun(t *testing.T) {
	store := runstore.NewFake()
	b := bus.New()
	defer b.Close()
	srv := New(store, b, nil, zap.NewNop(), "")

	ctx := context.Background()
	run, err := store.InsertPending(ctx, runstore.KindAgent, "agent-1", `{}`)
	require.NoError(t, err)
	_, err = store.Transition(ctx, run.ID, runstore.StatusPending, runstore.StatusRunning, runstore.Patch{})
	require.NoError(t, err)

	req := newStruct(t, map[string]any{
		"run_id": run.ID.String(),
		"status": "completed",
	})

	_, err = srv.ReportTerminal(ctx, req)
	require.NoError(t, err)

	fetched, err := store.Fetch(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusCompleted, fetched.Status)
}

func TestReportTerminalRejectsBadStatus(t *testing.T) {
	store := runstore.NewFake()
	b := bus.New()
	defer b.Close()
	srv := New(store, b, nil, zap.NewNop(), "")

	ctx := context.Background()
	run, err := store.InsertPending(ctx, runstore.KindAgent, "agent-1", `{}`)
	require.NoError(t, err)

	req := newStruct(t, map[string]any{
		"run_id": run.ID.String(),
		"status": "pending",
	})

	_, err = srv.ReportTerminal(ctx, req)
	require.Error(t, err)
}
