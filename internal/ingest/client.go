package ingest

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// WorkerIngestClient is the Worker Runtime's view of the ingest service, in
// the shape protoc-gen-go-grpc would produce for WorkerIngestServer.
type WorkerIngestClient interface {
	StreamResults(ctx context.Context, opts ...grpc.CallOption) (WorkerIngest_StreamResultsClient, error)
	StreamLogs(ctx context.Context, opts ...grpc.CallOption) (WorkerIngest_StreamLogsClient, error)
	ReportTerminal(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type workerIngestClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerIngestClient wraps an established gRPC connection with the
// WorkerIngest client stub.
func NewWorkerIngestClient(cc grpc.ClientConnInterface) WorkerIngestClient {
	return &workerIngestClient{cc: cc}
}

func (c *workerIngestClient) ReportTerminal(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/ReportTerminal", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WorkerIngest_StreamResultsClient is the client-side stream handle for
// StreamResults.
type WorkerIngest_StreamResultsClient interface {
	Send(*structpb.Struct) error
	CloseAndRecv() (*emptypb.Empty, error)
	grpc.ClientStream
}

func (c *workerIngestClient) StreamResults(ctx context.Context, opts ...grpc.CallOption) (WorkerIngest_StreamResultsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/StreamResults", opts...)
	if err != nil {
		return nil, err
	}
	return &workerIngestStreamResultsClient{ClientStream: stream}, nil
}

type workerIngestStreamResultsClient struct {
	grpc.ClientStream
}

func (x *workerIngestStreamResultsClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *workerIngestStreamResultsClient) CloseAndRecv() (*emptypb.Empty, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(emptypb.Empty)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WorkerIngest_StreamLogsClient is the client-side stream handle for
// StreamLogs.
type WorkerIngest_StreamLogsClient interface {
	Send(*structpb.Struct) error
	CloseAndRecv() (*emptypb.Empty, error)
	grpc.ClientStream
}

func (c *workerIngestClient) StreamLogs(ctx context.Context, opts ...grpc.CallOption) (WorkerIngest_StreamLogsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], "/"+ServiceName+"/StreamLogs", opts...)
	if err != nil {
		return nil, err
	}
	return &workerIngestStreamLogsClient{ClientStream: stream}, nil
}

type workerIngestStreamLogsClient struct {
	grpc.ClientStream
}

func (x *workerIngestStreamLogsClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *workerIngestStreamLogsClient) CloseAndRecv() (*emptypb.Empty, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(emptypb.Empty)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
