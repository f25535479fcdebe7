// Package ingest's Server bridges reports arriving over gRPC from a Worker
// Runtime process to the Message Bus (for live chunks and log lines) and
// the Run Store (for the single terminal transition).
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/runstore"
	"github.com/runforge/runforge/internal/streamenv"
)

// sharedSecretMetadataKey is the gRPC metadata key a worker must present to
// authenticate, mirroring a bearer-token-over-metadata convention rather
// than mutual TLS (left as a future hardening step, same as the teacher's
// own gRPC listener).
const sharedSecretMetadataKey = "worker-secret"

// Server implements WorkerIngestServer.
type Server struct {
	store        runstore.Store
	bus          *bus.Bus
	metrics      *metrics.Metrics
	logger       *zap.Logger
	sharedSecret string
}

// Config holds the ingest server's listener configuration.
type Config struct {
	ListenAddr   string
	SharedSecret string
}

// New constructs a Server.
func New(store runstore.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, sharedSecret string) *Server {
	return &Server{store: store, bus: b, metrics: m, logger: logger.Named("ingest"), sharedSecret: sharedSecret}
}

// ListenAndServe starts the gRPC listener and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("ingest: failed to listen on %s: %w", listenAddr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(s.authUnaryInterceptor),
		grpc.StreamInterceptor(s.authStreamInterceptor),
	)
	grpcServer.RegisterService(&ServiceDesc, s)

	go func() {
		<-ctx.Done()
		s.logger.Info("ingest server shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	s.logger.Info("ingest server listening", zap.String("addr", listenAddr))
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("ingest: server error: %w", err)
	}
	return nil
}

func (s *Server) authUnaryInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.validateToken(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) authStreamInterceptor(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.validateToken(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (s *Server) validateToken(ctx context.Context) error {
	if s.sharedSecret == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(sharedSecretMetadataKey)
	if len(values) == 0 || values[0] != s.sharedSecret {
		return status.Error(codes.Unauthenticated, "invalid worker secret")
	}
	return nil
}

// StreamResults forwards each received chunk onto the Message Bus's results
// channel for the chunk's run. The stream stays open for the worker's
// entire execution; it never touches the Run Store directly.
func (s *Server) StreamResults(stream WorkerIngest_StreamResultsServer) error {
	var count int
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return status.Errorf(codes.Internal, "recv error: %v", err)
		}

		runID := in.Fields["run_id"].GetStringValue()
		if runID == "" {
			continue
		}
		payload := in.Fields["payload"].AsInterface()

		env := streamenv.Chunk(payload)
		msg, err := env.Marshal()
		if err != nil {
			continue
		}
		s.bus.Publish(streamenv.ChannelForResults(runID), msg)
		count++
	}
	s.logger.Debug("StreamResults closed", zap.Int("chunks", count))
	return stream.SendAndClose(&emptypb.Empty{})
}

// StreamLogs forwards each received log line onto the Message Bus's log
// channel for that line's run. Log lines are never persisted.
func (s *Server) StreamLogs(stream WorkerIngest_StreamLogsServer) error {
	var count int
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return status.Errorf(codes.Internal, "recv error: %v", err)
		}

		runID := in.Fields["run_id"].GetStringValue()
		line := in.Fields["line"].GetStringValue()
		if runID == "" {
			continue
		}
		s.bus.Publish(streamenv.ChannelForLogs(runID), streamenv.MarshalLogLine(line))
		count++
	}
	s.logger.Debug("StreamLogs closed", zap.Int("lines", count))
	return stream.SendAndClose(&emptypb.Empty{})
}

// ReportTerminal delivers the single terminal outcome of a run. It is the
// Worker Runtime's own write to the Run Store — the one place besides the
// reaper that ever moves a run out of running.
func (s *Server) ReportTerminal(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	runIDRaw := req.Fields["run_id"].GetStringValue()
	runID, err := uuid.Parse(runIDRaw)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid run_id")
	}

	statusStr := req.Fields["status"].GetStringValue()
	next := runstore.Status(statusStr)
	if next != runstore.StatusCompleted && next != runstore.StatusFailed {
		return nil, status.Error(codes.InvalidArgument, "status must be completed or failed")
	}

	now := time.Now().UTC()
	patch := runstore.Patch{EndedAt: &now}

	if outputVal, ok := req.Fields["output_data"]; ok {
		if out, err := marshalStructValue(outputVal); err == nil {
			patch.OutputData = &out
		}
	}
	if errMsg := req.Fields["error_message"].GetStringValue(); errMsg != "" {
		patch.ErrorMessage = &errMsg
	}

	ok, err := s.store.Transition(ctx, runID, runstore.StatusRunning, next, patch)
	if err != nil {
		s.logger.Error("terminal transition failed", zap.String("run_id", runIDRaw), zap.Error(err))
		return nil, status.Error(codes.Internal, "transition failed")
	}
	if ok && s.metrics != nil {
		s.metrics.RunsActive.Dec()
	}

	// Whether or not this call won the CAS race (the reaper may have failed
	// the run first), the client must see a terminal "end" event exactly
	// once. Publishing here is safe either way: a live subscriber only ever
	// reads the first "end" it receives and closes.
	env := streamenv.End(req.Fields["error_message"].GetStringValue())
	if msg, err := env.Marshal(); err == nil {
		s.bus.Publish(streamenv.ChannelForResults(runIDRaw), msg)
	}

	s.logger.Info("run reported terminal",
		zap.String("run_id", runIDRaw), zap.String("status", statusStr), zap.Bool("cas_won", ok))

	return &emptypb.Empty{}, nil
}

func marshalStructValue(v *structpb.Value) (string, error) {
	b, err := json.Marshal(v.AsInterface())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
