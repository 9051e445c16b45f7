package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// runServiceServer is the handler type the service descriptor dispatches to.
type runServiceServer interface {
	Compile(context.Context, *CompileRequest) (*CompileResponse, error)
	Run(context.Context, *RunRequest) (*RunResponse, error)
}

var runServiceDesc = grpc.ServiceDesc{
	ServiceName: RunServiceName,
	HandlerType: (*runServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compile", Handler: compileHandler},
		{MethodName: "Run", Handler: runHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func compileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CompileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(runServiceServer)
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := svc.Compile(ctx, req.(*CompileRequest))
		if err != nil {
			return nil, grpcError(err)
		}
		return resp, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CompileProcedure}
	return interceptor(ctx, in, info, handler)
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(runServiceServer)
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := svc.Run(ctx, req.(*RunRequest))
		if err != nil {
			return nil, grpcError(err)
		}
		return resp, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunProcedure}
	return interceptor(ctx, in, info, handler)
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// NewGRPCServer returns a gRPC server exposing svc with the cbor codec.
func NewGRPCServer(svc *RunService, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(cborCodec{})}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&runServiceDesc, svc)
	return s
}

// GRPCClient calls a run service over gRPC.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient wraps an established connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Compile calls RunService.Compile.
func (c *GRPCClient) Compile(ctx context.Context, req *CompileRequest, opts ...grpc.CallOption) (*CompileResponse, error) {
	out := new(CompileResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(cborCodec{})}, opts...)
	if err := c.conn.Invoke(ctx, CompileProcedure, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Run calls RunService.Run.
func (c *GRPCClient) Run(ctx context.Context, req *RunRequest, opts ...grpc.CallOption) (*RunResponse, error) {
	out := new(RunResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(cborCodec{})}, opts...)
	if err := c.conn.Invoke(ctx, RunProcedure, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
