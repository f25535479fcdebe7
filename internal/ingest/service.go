// Package ingest implements the gRPC-facing half of the boundary between a
// Worker Runtime process and the control plane: result chunks, log lines,
// and the terminal outcome all arrive here and are bridged onto the
// Message Bus and into the Run Store.
//
// The wire contract is hand-assembled rather than generated by protoc: the
// service description below is a grpc.ServiceDesc built by hand (a
// documented, supported grpc-go pattern), and every message on the wire is
// one of the protobuf well-known types (structpb.Struct, emptypb.Empty)
// rather than a custom generated message. That keeps the real
// google.golang.org/grpc and google.golang.org/protobuf stacks genuinely in
// play without hand-authoring brittle FileDescriptorProto-backed code.
package ingest

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name advertised to
// clients and used for routing by the server's method table.
const ServiceName = "runforge.ingest.WorkerIngest"

// WorkerIngestServer is the interface a Worker Runtime's gRPC calls are
// dispatched to, in the shape protoc-gen-go-grpc would produce for a
// service with two client-streaming RPCs and one unary RPC.
type WorkerIngestServer interface {
	// StreamResults receives one structpb.Struct per result chunk
	// (fields: "run_id", "payload") for the lifetime of a run and closes
	// with an empty acknowledgement when the client half-closes.
	StreamResults(WorkerIngest_StreamResultsServer) error

	// StreamLogs receives one structpb.Struct per log line (fields:
	// "run_id", "line").
	StreamLogs(WorkerIngest_StreamLogsServer) error

	// ReportTerminal delivers the single terminal outcome of a run
	// (fields: "run_id", "status", "output_data", "error_message").
	ReportTerminal(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// WorkerIngest_StreamResultsServer is the server-side stream handle for
// StreamResults, mirroring the shape generated for a client-streaming RPC.
type WorkerIngest_StreamResultsServer interface {
	Recv() (*structpb.Struct, error)
	SendAndClose(*emptypb.Empty) error
	grpc.ServerStream
}

type workerIngestStreamResultsServer struct {
	grpc.ServerStream
}

func (x *workerIngestStreamResultsServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *workerIngestStreamResultsServer) SendAndClose(m *emptypb.Empty) error {
	return x.ServerStream.SendMsg(m)
}

// WorkerIngest_StreamLogsServer is the server-side stream handle for
// StreamLogs.
type WorkerIngest_StreamLogsServer interface {
	Recv() (*structpb.Struct, error)
	SendAndClose(*emptypb.Empty) error
	grpc.ServerStream
}

type workerIngestStreamLogsServer struct {
	grpc.ServerStream
}

func (x *workerIngestStreamLogsServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *workerIngestStreamLogsServer) SendAndClose(m *emptypb.Empty) error {
	return x.ServerStream.SendMsg(m)
}

func _WorkerIngest_StreamResults_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerIngestServer).StreamResults(&workerIngestStreamResultsServer{ServerStream: stream})
}

func _WorkerIngest_StreamLogs_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerIngestServer).StreamLogs(&workerIngestStreamLogsServer{ServerStream: stream})
}

func _WorkerIngest_ReportTerminal_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerIngestServer).ReportTerminal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ReportTerminal"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerIngestServer).ReportTerminal(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-built registration descriptor passed to
// grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerIngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportTerminal",
			Handler:    _WorkerIngest_ReportTerminal_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamResults",
			Handler:       _WorkerIngest_StreamResults_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "StreamLogs",
			Handler:       _WorkerIngest_StreamLogs_Handler,
			ClientStreams: true,
		},
	},
	Metadata: "runforge/ingest.proto",
}
