package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/runforge/runforge/internal/ingest"
)

// fakeClientStream is a no-op grpc.ClientStream good enough to drive the
// handwritten Send/CloseAndRecv wrappers in a unit test.
type fakeClientStream struct {
	sent []*structpb.Struct
}

func (f *fakeClientStream) Header() (metadata.MD, error) { return nil, nil }
func (f *fakeClientStream) Trailer() metadata.MD          { return nil }
func (f *fakeClientStream) CloseSend() error              { return nil }
func (f *fakeClientStream) Context() context.Context      { return context.Background() }
func (f *fakeClientStream) SendMsg(m any) error {
	f.sent = append(f.sent, m.(*structpb.Struct))
	return nil
}
func (f *fakeClientStream) RecvMsg(m any) error {
	*m.(*emptypb.Empty) = emptypb.Empty{}
	return nil
}

type fakeResultsClient struct{ *fakeClientStream }

func (f *fakeResultsClient) Send(m *structpb.Struct) error { return f.SendMsg(m) }
func (f *fakeResultsClient) CloseAndRecv() (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	return out, f.RecvMsg(out)
}

type fakeLogsClient struct{ *fakeClientStream }

func (f *fakeLogsClient) Send(m *structpb.Struct) error { return f.SendMsg(m) }
func (f *fakeLogsClient) CloseAndRecv() (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	return out, f.RecvMsg(out)
}

// fakeIngestClient records every ReportTerminal call; StreamResults and
// StreamLogs each return a fresh fake stream so test assertions can inspect
// what the harness sent.
type fakeIngestClient struct {
	results  *fakeResultsClient
	logs     *fakeLogsClient
	reported []*structpb.Struct
}

func newFakeIngestClient() *fakeIngestClient {
	return &fakeIngestClient{
		results: &fakeResultsClient{&fakeClientStream{}},
		logs:    &fakeLogsClient{&fakeClientStream{}},
	}
}

func (f *fakeIngestClient) StreamResults(ctx context.Context, opts ...grpc.CallOption) (ingest.WorkerIngest_StreamResultsClient, error) {
	return f.results, nil
}
func (f *fakeIngestClient) StreamLogs(ctx context.Context, opts ...grpc.CallOption) (ingest.WorkerIngest_StreamLogsClient, error) {
	return f.logs, nil
}
func (f *fakeIngestClient) ReportTerminal(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	f.reported = append(f.reported, in)
	return &emptypb.Empty{}, nil
}

// fakeRunnable yields a fixed sequence of chunks then finishes cleanly.
type fakeRunnable struct {
	chunks []any
	pos    int
}

func (f *fakeRunnable) Next(ctx context.Context) (Chunk, bool, error) {
	if f.pos >= len(f.chunks) {
		return Chunk{}, false, nil
	}
	c := Chunk{Payload: f.chunks[f.pos]}
	f.pos++
	return c, true, nil
}

type fakeResolver struct {
	runnable Runnable
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, kind, runnableID string, inputVariables map[string]any) (Runnable, error) {
	return f.runnable, f.err
}

func TestHarnessRunReportsCompleted(t *testing.T) {
	client := newFakeIngestClient()
	resolver := &fakeResolver{runnable: &fakeRunnable{chunks: []any{"a", "b"}}}
	h := New(client, resolver, nil, zap.NewNop())

	cfg := Config{RunID: "run-1", RunnableID: "agent-1", RunnableKind: "agent", InputVariables: `{}`}
	err := h.Run(WithConfig(context.Background(), cfg))
	require.NoError(t, err)

	require.Len(t, client.reported, 1)
	require.Equal(t, "completed", client.reported[0].Fields["status"].GetStringValue())
	require.Len(t, client.results.sent, 2)
}

func TestHarnessRunReportsFailedOnResolveError(t *testing.T) {
	client := newFakeIngestClient()
	resolver := &fakeResolver{err: context.DeadlineExceeded}
	h := New(client, resolver, nil, zap.NewNop())

	cfg := Config{RunID: "run-2", RunnableID: "agent-1", RunnableKind: "agent"}
	err := h.Run(WithConfig(context.Background(), cfg))
	require.NoError(t, err)

	require.Len(t, client.reported, 1)
	require.Equal(t, "failed", client.reported[0].Fields["status"].GetStringValue())
}

func TestSplitChunkSplitsOversizedStrings(t *testing.T) {
	big := make([]byte, maxChunkBytes+10)
	for i := range big {
		big[i] = 'x'
	}
	parts := splitChunk(string(big))
	require.Len(t, parts, 2)
	require.Equal(t, maxChunkBytes, len(parts[0].(string)))
}

func TestSplitChunkLeavesSmallPayloadWhole(t *testing.T) {
	parts := splitChunk("small")
	require.Equal(t, []any{"small"}, parts)
}
