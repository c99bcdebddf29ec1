package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

const ServiceName = "jobs.v1.JobService"

type JobServiceServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	GetById(ctx context.Context, req *GetByIDRequest) (*jobs.Job, error)
	Cancel(ctx context.Context, req *CancelRequest) (*Empty, error)
	GetCount(ctx context.Context, req *Filters) (*CountResponse, error)
	Find(ctx context.Context, req *FindRequest) (*FindResponse, error)
}

func unary[Req any, Resp any](name string, call func(JobServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
			}
			if interceptor == nil {
				return call(srv.(JobServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(JobServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", JobServiceServer.Submit),
		unary("GetById", JobServiceServer.GetById),
		unary("Cancel", JobServiceServer.Cancel),
		unary("GetCount", JobServiceServer.GetCount),
		unary("Find", JobServiceServer.Find),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/jobs/v1/job_service.proto",
}

// Client is a typed caller for the service over any connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *Client) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.invoke(ctx, "Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetById(ctx context.Context, in *GetByIDRequest, opts ...grpc.CallOption) (*jobs.Job, error) {
	out := new(jobs.Job)
	if err := c.invoke(ctx, "GetById", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Cancel", in, new(Empty), opts...)
}

func (c *Client) GetCount(ctx context.Context, in *Filters, opts ...grpc.CallOption) (*CountResponse, error) {
	out := new(CountResponse)
	if err := c.invoke(ctx, "GetCount", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Find(ctx context.Context, in *FindRequest, opts ...grpc.CallOption) (*FindResponse, error) {
	out := new(FindResponse)
	if err := c.invoke(ctx, "Find", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
