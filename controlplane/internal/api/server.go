package api

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/dove-platform/dgw/controlplane/internal/control"
	"github.com/dove-platform/dgw/controlplane/internal/xgrpc"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures the Server.
type Option func(*options)

// WithLog sets the logger for the Server.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Server exposes the control task over gRPC.
type Server struct {
	cfg    *Config
	server *grpc.Server
	log    *zap.SugaredLogger
}

func NewServer(cfg *Config, ctrl *control.Controller, options ...Option) *Server {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}
	log := opts.Log.Named("api")

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(xgrpc.AccessLogInterceptor(log)),
	)

	service := NewService(ctrl, log)
	server.RegisterService(&serviceDesc, service)
	log.Infow("registered service", zap.String("service", ServiceName))

	return &Server{
		cfg:    cfg,
		server: server,
		log:    log,
	}
}

// Run runs the server until the specified context is canceled.
func (m *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC listener: %w", err)
	}

	return m.Serve(ctx, listener)
}

// Serve serves gRPC on the listener until the context is canceled.
func (m *Server) Serve(ctx context.Context, listener net.Listener) error {
	m.log.Infow("exposing gRPC API", zap.Stringer("addr", listener.Addr()))

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.server.Serve(listener)
	})

	<-ctx.Done()

	m.log.Infow("stopping gRPC API", zap.Stringer("addr", listener.Addr()))
	defer m.log.Infow("stopped gRPC API", zap.Stringer("addr", listener.Addr()))

	m.server.GracefulStop()

	return wg.Wait()
}
