package dps

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
)

// DeliverFunc receives decoded messages. A non-nil error means the body was
// malformed while the header in env is still valid.
type DeliverFunc func(from netip.AddrPort, env Envelope, err error)

// Transport moves messages between the gateway and the policy service.
type Transport interface {
	// Send sends the message to the given address.
	Send(ctx context.Context, to netip.AddrPort, env Envelope) error
	// Run receives messages and hands them to deliver until ctx is done.
	Run(ctx context.Context, deliver DeliverFunc) error
}

// UDPTransport is the datagram transport.
type UDPTransport struct {
	conn    *net.UDPConn
	maxSize int
	log     *zap.SugaredLogger
}

// ListenUDP binds the transport to the local address.
func ListenUDP(addr netip.AddrPort, maxSize datasize.ByteSize, log *zap.SugaredLogger) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &UDPTransport{
		conn:    conn,
		maxSize: int(maxSize.Bytes()),
		log:     log,
	}, nil
}

// LocalAddr returns the bound address.
func (m *UDPTransport) LocalAddr() netip.AddrPort {
	return m.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (m *UDPTransport) Send(ctx context.Context, to netip.AddrPort, env Envelope) error {
	frame, err := Marshal(env)
	if err != nil {
		return err
	}
	if len(frame) > m.maxSize {
		return fmt.Errorf("%w: %s of %d bytes exceeds %d", xerror.ErrProtocol, env.Body.Type(), len(frame), m.maxSize)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: no policy server address", xerror.ErrTransport)
	}

	if _, err := m.conn.WriteToUDPAddrPort(frame, to); err != nil {
		return fmt.Errorf("%w: %w", xerror.ErrTransport, err)
	}
	return nil
}

func (m *UDPTransport) Run(ctx context.Context, deliver DeliverFunc) error {
	go func() {
		<-ctx.Done()
		m.conn.Close()
	}()

	// One extra byte tells an oversized datagram from a full-sized one.
	buf := make([]byte, m.maxSize+1)
	for {
		n, from, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			m.log.Warnw("failed to read policy message", zap.Error(err))
			continue
		}

		frame := buf[:n]
		if n > m.maxSize {
			hdr, herr := ParseHeader(frame)
			if herr != nil {
				m.log.Warnw("dropping oversized policy message", zap.Stringer("from", from))
				continue
			}
			deliver(from, Envelope{Header: hdr}, fmt.Errorf("%w: message exceeds %d bytes", xerror.ErrProtocol, m.maxSize))
			continue
		}

		env, err := Unmarshal(frame)
		if err != nil && env.Version == 0 {
			m.log.Warnw("dropping malformed policy message", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		deliver(from, env, err)
	}
}

// Sent is a message captured by MemoryTransport.
type Sent struct {
	To  netip.AddrPort
	Env Envelope
}

// MemoryTransport keeps sent messages in memory; replies are injected by
// calling the client's Handle method.
type MemoryTransport struct {
	mu   sync.Mutex
	sent []Sent
	fail error
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

// FailWith makes every following Send fail with err; nil restores success.
func (m *MemoryTransport) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryTransport) Send(ctx context.Context, to netip.AddrPort, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return fmt.Errorf("%w: %w", xerror.ErrTransport, m.fail)
	}
	if _, err := Marshal(env); err != nil {
		return err
	}
	m.sent = append(m.sent, Sent{To: to, Env: env})
	return nil
}

func (m *MemoryTransport) Run(ctx context.Context, deliver DeliverFunc) error {
	<-ctx.Done()
	return ctx.Err()
}

// Take returns and forgets the sent messages.
func (m *MemoryTransport) Take() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.sent
	m.sent = nil
	return out
}
