package server

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
)

// Fully-qualified names of the run service and its procedures.
const (
	RunServiceName = "lkjscript.v1.RunService"

	CompileProcedure = "/" + RunServiceName + "/Compile"
	RunProcedure     = "/" + RunServiceName + "/Run"
)

// NewRunServiceHandler builds the Connect handler for svc. It returns the
// path to mount it on and the handler.
func NewRunServiceHandler(svc *RunService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)

	compile := connect.NewUnaryHandler(CompileProcedure,
		func(ctx context.Context, req *connect.Request[CompileRequest]) (*connect.Response[CompileResponse], error) {
			resp, err := svc.Compile(ctx, req.Msg)
			if err != nil {
				return nil, connectError(err)
			}
			return connect.NewResponse(resp), nil
		}, opts...)

	run := connect.NewUnaryHandler(RunProcedure,
		func(ctx context.Context, req *connect.Request[RunRequest]) (*connect.Response[RunResponse], error) {
			resp, err := svc.Run(ctx, req.Msg)
			if err != nil {
				return nil, connectError(err)
			}
			return connect.NewResponse(resp), nil
		}, opts...)

	return "/" + RunServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case CompileProcedure:
			compile.ServeHTTP(w, r)
		case RunProcedure:
			run.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func connectError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// RunServiceClient calls a run service over Connect.
type RunServiceClient struct {
	compile *connect.Client[CompileRequest, CompileResponse]
	run     *connect.Client[RunRequest, RunResponse]
}

// NewRunServiceClient creates a client for the run service at baseURL.
func NewRunServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *RunServiceClient {
	opts = append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...)
	return &RunServiceClient{
		compile: connect.NewClient[CompileRequest, CompileResponse](httpClient, baseURL+CompileProcedure, opts...),
		run:     connect.NewClient[RunRequest, RunResponse](httpClient, baseURL+RunProcedure, opts...),
	}
}

// Compile calls RunService.Compile.
func (c *RunServiceClient) Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error) {
	resp, err := c.compile.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Run calls RunService.Run.
func (c *RunServiceClient) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	resp, err := c.run.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
