// Package ipc exposes a read-only admin view of the proof-chain store over a
// Unix socket gRPC service.
package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/Mach-34/grapevine/internal/chainerr"
	"github.com/Mach-34/grapevine/internal/proofchain"
)

const serviceName = "grapevine.ChainAdmin"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ChainReader is the part of the store the admin service reads.
type ChainReader interface {
	Phrases(ctx context.Context) ([]string, error)
	ChainSnapshot(ctx context.Context, phraseHash string) ([]*proofchain.Node, error)
	CheckInvariants(ctx context.Context, phraseHash string) error
}

// StatsFunc reports the folding session counters.
type StatsFunc func() (started, extended, verified, failed uint64)

// chainAdminServer is the handler type registered with gRPC.
type chainAdminServer interface {
	Phrases(context.Context, *PhrasesRequest) (*PhrasesResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	Audit(context.Context, *AuditRequest) (*AuditResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*chainAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Phrases", chainAdminServer.Phrases),
		unary("Snapshot", chainAdminServer.Snapshot),
		unary("Audit", chainAdminServer.Audit),
		unary("Status", chainAdminServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "grapevine/admin",
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unary[Req, Resp any](method string, call func(chainAdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(chainAdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(chainAdminServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server is the admin gRPC server.
type Server struct {
	sockPath string
	chains   ChainReader
	stats    StatsFunc
	backend  string
	logger   *slog.Logger
	grpc     *grpc.Server
	listener net.Listener
}

var _ chainAdminServer = (*Server)(nil)

// NewServer listens on sockPath. backend names the store backend in status
// replies; stats may be nil.
func NewServer(sockPath string, chains ChainReader, backend string, stats StatsFunc, logger *slog.Logger) (*Server, error) {
	// Remove a stale socket left by an earlier run
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sockPath: sockPath,
		chains:   chains,
		stats:    stats,
		backend:  backend,
		logger:   logger.With("component", "ipc"),
		grpc:     grpc.NewServer(),
		listener: listener,
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Start begins serving requests.
func (s *Server) Start() error {
	s.logger.Info("admin socket listening", "path", s.sockPath)
	return s.grpc.Serve(s.listener)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	os.Remove(s.sockPath)
}

// Phrases implements the gRPC method.
func (s *Server) Phrases(ctx context.Context, _ *PhrasesRequest) (*PhrasesResponse, error) {
	phrases, err := s.chains.Phrases(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PhrasesResponse{Phrases: phrases}, nil
}

// Snapshot implements the gRPC method.
func (s *Server) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	if req.PhraseHash == "" {
		return nil, status.Error(codes.InvalidArgument, "phrase_hash is required")
	}
	nodes, err := s.chains.ChainSnapshot(ctx, req.PhraseHash)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotResponse{Nodes: ViewsOf(nodes)}, nil
}

// Audit implements the gRPC method.
func (s *Server) Audit(ctx context.Context, req *AuditRequest) (*AuditResponse, error) {
	if req.PhraseHash == "" {
		return nil, status.Error(codes.InvalidArgument, "phrase_hash is required")
	}
	resp := &AuditResponse{PhraseHash: req.PhraseHash}
	err := s.chains.CheckInvariants(ctx, req.PhraseHash)
	var inv *proofchain.InvariantError
	switch {
	case err == nil:
	case errors.As(err, &inv):
		resp.Violations = inv.Violations
		s.logger.Warn("audit found violations", "phrase", req.PhraseHash, "count", len(inv.Violations))
	default:
		return nil, toStatus(err)
	}
	return resp, nil
}

// Status implements the gRPC method.
func (s *Server) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	phrases, err := s.chains.Phrases(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &StatusResponse{Backend: s.backend, Phrases: len(phrases)}
	if s.stats != nil {
		resp.Started, resp.Extended, resp.Verified, resp.Failed = s.stats()
	}
	return resp, nil
}

// toStatus maps store errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, proofchain.ErrNodeNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, chainerr.ErrStorageConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, chainerr.ErrChainInconsistency):
		return status.Error(codes.DataLoss, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
