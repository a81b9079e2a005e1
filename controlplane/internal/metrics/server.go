package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the metrics over HTTP at /metrics.
type Server struct {
	endpoint string
	server   *http.Server
	log      *zap.SugaredLogger
}

// NewServer creates a metrics server for the given endpoint.
func NewServer(endpoint string, metrics *Metrics, log *zap.SugaredLogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		metrics.registry,
		promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}),
	))

	return &Server{
		endpoint: endpoint,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.Named("metrics"),
	}
}

// Run serves metrics until ctx is done.
func (m *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen metrics endpoint %q: %w", m.endpoint, err)
	}

	return m.Serve(ctx, listener)
}

// Serve serves metrics on the listener until ctx is done.
func (m *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(shutdownCtx)
	})
	defer stop()

	m.log.Infow("exposing metrics", zap.Stringer("addr", listener.Addr()))
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}
