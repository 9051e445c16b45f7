// Package server exposes the lkjscript toolchain to other programs: a
// language server for editors and a run service reachable over Connect and
// gRPC.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Version is reported to LSP clients.
const Version = "0.1.0"

// Server serves a RunService over Connect (HTTP/1.1 and h2c) and gRPC, each
// on its own listener.
type Server struct {
	svc  *RunService
	mux  *http.ServeMux
	grpc *grpc.Server
	log  commonlog.Logger
}

// New creates a Server for svc.
func New(svc *RunService) *Server {
	s := &Server{
		svc:  svc,
		mux:  http.NewServeMux(),
		grpc: NewGRPCServer(svc),
		log:  commonlog.GetLogger("lkj.server"),
	}

	path, handler := NewRunServiceHandler(svc)
	s.mux.Handle(path, handler)

	return s
}

// Handler returns the Connect HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves Connect on addr and gRPC on grpcAddr until ctx is
// done or either listener fails. An empty grpcAddr disables gRPC.
func (s *Server) ListenAndServe(ctx context.Context, addr, grpcAddr string) error {
	httpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	var grpcLn net.Listener
	if grpcAddr != "" {
		grpcLn, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			httpLn.Close()
			return err
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve is ListenAndServe on existing listeners. grpcLn may be nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	httpSrv := &http.Server{
		Handler:           s.mux,
		Protocols:         protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Infof("connect listening on %s", httpLn.Addr())
		if err := httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcLn != nil {
		g.Go(func() error {
			s.log.Infof("grpc listening on %s", grpcLn.Addr())
			return s.grpc.Serve(grpcLn)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.grpc.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
