package ha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// reuseAddr lets the heartbeat sockets rebind their port right after a
// restart.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func listen(ctx context.Context, addr netip.AddrPort) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen for heartbeats on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts heartbeat connections on ln until ctx is done.
func (m *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	m.log.Infow("serving heartbeats", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept heartbeat connection: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.serveConn(ctx, conn)
		}()
	}
}

func (m *Supervisor) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort().Addr().Unmap()
	log := m.log.With(zap.Stringer("from", remote))
	log.Debugw("accepted heartbeat connection")

	for {
		macs, err := ReadHeartbeat(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Debugw("heartbeat connection closed")
			} else {
				log.Warnw("dropping heartbeat connection", zap.Error(err))
			}
			return
		}
		m.Observe(remote, macs)
	}
}

// SendHeartbeat advertises the bridged MAC addresses to the peer,
// reconnecting once if the established connection fails.
func (m *Supervisor) SendHeartbeat(ctx context.Context) error {
	m.mu.Lock()
	p := m.peer
	m.mu.Unlock()
	if p == nil {
		return nil
	}

	macs, err := m.macs.BridgeMACs(ctx)
	if err != nil {
		return err
	}
	if len(macs) > MaxMACs {
		m.log.Warnw("truncating heartbeat", zap.Int("macs", len(macs)), zap.Int("max", MaxMACs))
	}
	frame := EncodeHeartbeat(macs)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		conn, err := m.connect(ctx, p)
		if err != nil {
			return struct{}{}, err
		}

		// Socket deadlines follow the wall clock, not the injected one.
		if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.DialTimeout)); err != nil {
			m.dropConn(p, conn)
			return struct{}{}, fmt.Errorf("failed to set heartbeat write deadline: %w", err)
		}
		if _, err := conn.Write(frame); err != nil {
			m.dropConn(p, conn)
			return struct{}{}, fmt.Errorf("failed to write heartbeat: %w", err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
	return err
}

// connect returns the outbound connection to p, dialing it from the
// overlay IP if there is none.
func (m *Supervisor) connect(ctx context.Context, p *peer) (net.Conn, error) {
	m.mu.Lock()
	conn := p.conn
	m.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	dialer := net.Dialer{
		Timeout: m.cfg.DialTimeout,
		Control: reuseAddr,
	}
	if local := m.node.OverlayIP(); local.IsValid() {
		dialer.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(local, 0))
	}

	addr := netip.AddrPortFrom(p.ip, m.cfg.PeerPort)
	conn, err := dialer.DialContext(ctx, "tcp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to HA peer %s: %w", addr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer != p {
		conn.Close()
		return nil, fmt.Errorf("HA peer %s was replaced", p.ip)
	}
	p.conn = conn
	m.log.Infow("connected to HA peer", zap.Stringer("peer", addr))
	return conn, nil
}

func (m *Supervisor) dropConn(p *peer, conn net.Conn) {
	conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p.conn == conn {
		p.conn = nil
	}
}

func (m *Supervisor) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer != nil && m.peer.conn != nil {
		m.peer.conn.Close()
		m.peer.conn = nil
	}
}
