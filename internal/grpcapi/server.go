package grpcapi

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/platform/apierr"
	"github.com/yungbote/jobs-orchestrator/internal/platform/ctxutil"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/identity"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
	"github.com/yungbote/jobs-orchestrator/internal/services"
)

type Server struct {
	log      *logger.Logger
	resolver *identity.Resolver
	grpc     *grpc.Server
}

func NewServer(baseLog *logger.Logger, svc services.JobService, resolver *identity.Resolver) *Server {
	s := &Server{log: baseLog.With("component", "GRPCServer"), resolver: resolver}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverPanic, s.logRequest, s.attachCaller))
	s.grpc.RegisterService(&ServiceDesc, &jobServer{svc: svc})
	return s
}

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.log.Info("grpc server listening", "addr", lis.Addr().String())
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	}
}

func (s *Server) recoverPanic(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("grpc handler panic", "method", info.FullMethod, "panic", fmt.Sprint(r))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func (s *Server) logRequest(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	fields := []interface{}{"method", info.FullMethod, "code", code.String(), "duration_ms", time.Since(start).Milliseconds()}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		fields = append(fields, "request_id", td.RequestID)
	}
	switch code {
	case codes.OK:
		s.log.Info("gRPC request", fields...)
	case codes.Internal, codes.Unknown:
		s.log.Error("gRPC request", append(fields, "error", err)...)
	default:
		s.log.Warn("gRPC request", append(fields, "error", err)...)
	}
	return resp, err
}

func (s *Server) attachCaller(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(name string) string {
		if vals := md.Get(strings.ToLower(name)); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	reqID := get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx = ctxutil.WithTraceData(ctx, &ctxutil.TraceData{TraceID: reqID, RequestID: reqID})

	caller, err := s.resolver.Resolve(get)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(ctxutil.WithCaller(ctx, caller), req)
}

type jobServer struct {
	svc services.JobService
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apierr.GRPCStatus(apierr.InvalidArgument("invalid_job_id", "invalid job id %q", raw))
	}
	return id, nil
}

func findRequest(f Filters) services.FindRequest {
	return services.FindRequest{
		Types:         f.Types,
		StateGroups:   f.StateGroups,
		ProjectID:     f.ProjectID,
		Author:        f.Author,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
	}
}

func (j *jobServer) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	res, err := j.svc.Submit(dbctx.Context{Ctx: ctx}, services.SubmitRequest{
		Type:            req.Type,
		Priority:        req.Priority,
		Name:            req.Name,
		Key:             req.Key,
		Payload:         req.Payload,
		Metadata:        req.Metadata,
		Author:          req.Author,
		DuplicatePolicy: req.DuplicatePolicy,
		ProjectID:       req.ProjectID,
		GPUNumRequired:  req.GPUNumRequired,
		CostRequests:    req.CostRequests,
		Cancellable:     req.Cancellable,
	})
	if err != nil {
		return nil, apierr.GRPCStatus(err)
	}
	return &SubmitResponse{JobID: res.JobID.String()}, nil
}

func (j *jobServer) GetById(ctx context.Context, req *GetByIDRequest) (*jobs.Job, error) {
	id, err := parseID(req.ID)
	if err != nil {
		return nil, err
	}
	job, err := j.svc.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, apierr.GRPCStatus(err)
	}
	return job, nil
}

func (j *jobServer) Cancel(ctx context.Context, req *CancelRequest) (*Empty, error) {
	id, err := parseID(req.ID)
	if err != nil {
		return nil, err
	}
	if err := j.svc.Cancel(dbctx.Context{Ctx: ctx}, id, req.UserUID); err != nil {
		return nil, apierr.GRPCStatus(err)
	}
	return &Empty{}, nil
}

func (j *jobServer) GetCount(ctx context.Context, req *Filters) (*CountResponse, error) {
	n, err := j.svc.GetCount(dbctx.Context{Ctx: ctx}, findRequest(*req))
	if err != nil {
		return nil, apierr.GRPCStatus(err)
	}
	return &CountResponse{Count: n}, nil
}

func (j *jobServer) Find(ctx context.Context, req *FindRequest) (*FindResponse, error) {
	fr := findRequest(req.Filters)
	fr.Limit = req.Limit
	fr.Skip = req.Skip
	fr.SortField = req.SortField
	fr.SortDesc = req.SortDesc
	res, err := j.svc.Find(dbctx.Context{Ctx: ctx}, fr)
	if err != nil {
		return nil, apierr.GRPCStatus(err)
	}
	return &FindResponse{Jobs: res.Jobs, TotalCount: res.TotalCount, NextPage: res.NextPage}, nil
}
