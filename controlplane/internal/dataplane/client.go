package dataplane

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
)

// Config is the data plane channel configuration.
type Config struct {
	// SocketPath is the unix socket of the forwarding plane.
	SocketPath string `yaml:"socket_path"`
	// DryRun replaces the socket channel with a logging recorder.
	DryRun bool `yaml:"dry_run"`
	// Timeout bounds a single request/status exchange.
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		SocketPath: "/run/dgw/dataplane.sock",
		Timeout:    2 * time.Second,
	}
}

// Client submits commands over a unix stream socket.
//
// Each frame is answered with a 4-byte big-endian status, zero meaning
// success. The connection is dialed lazily and dropped on any I/O error, so
// the next call redials.
type Client struct {
	mu      sync.Mutex
	path    string
	timeout time.Duration
	conn    net.Conn
	log     *zap.SugaredLogger
}

// NewClient creates a new data plane client.
func NewClient(cfg *Config, log *zap.SugaredLogger) *Client {
	return &Client{
		path:    cfg.SocketPath,
		timeout: cfg.Timeout,
		log:     log.Named("dataplane"),
	}
}

// Submit implements Controller.
func (m *Client) Submit(ctx context.Context, cmd Command) error {
	frame, err := Marshal(cmd)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to dataplane: %v", xerror.ErrTransport, err)
	}

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		m.drop()
		return fmt.Errorf("%w: %v", xerror.ErrTransport, err)
	}

	if _, err := conn.Write(frame); err != nil {
		m.drop()
		return fmt.Errorf("%w: failed to write %s command: %v", xerror.ErrTransport, cmd.Kind(), err)
	}

	var status [4]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		m.drop()
		return fmt.Errorf("%w: failed to read %s status: %v", xerror.ErrTransport, cmd.Kind(), err)
	}

	if rc := int32(binary.BigEndian.Uint32(status[:])); rc != 0 {
		return fmt.Errorf("dataplane rejected %s command: status %d", cmd.Kind(), rc)
	}

	m.log.Debugw("submitted dataplane command", zap.Stringer("kind", cmd.Kind()))
	return nil
}

// Close closes the underlying connection.
func (m *Client) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

func (m *Client) connect(ctx context.Context) (net.Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}

	dialer := net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "unix", m.path)
	if err != nil {
		return nil, err
	}

	m.log.Infow("connected to dataplane", zap.String("path", m.path))
	m.conn = conn
	return conn, nil
}

func (m *Client) drop() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
