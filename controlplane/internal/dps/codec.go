package dps

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/common/go/xnetip"
)

type encoder struct {
	buf []byte
}

func (m *encoder) u8(v uint8) {
	m.buf = append(m.buf, v)
}

func (m *encoder) u16(v uint16) {
	m.buf = binary.BigEndian.AppendUint16(m.buf, v)
}

func (m *encoder) u32(v uint32) {
	m.buf = binary.BigEndian.AppendUint32(m.buf, v)
}

func (m *encoder) bytes(v []byte) {
	m.buf = append(m.buf, v...)
}

// ip writes an IPv4 address, zeros for an unset one.
func (m *encoder) ip(addr netip.Addr) {
	m.u32(xnetip.V4ToUint32(addr))
}

// decoder reads fields until the first short read, after which every read
// returns zero values and err is set.
type decoder struct {
	buf []byte
	err error
}

func (m *decoder) take(n int) []byte {
	if m.err != nil {
		return make([]byte, n)
	}
	if len(m.buf) < n {
		m.err = fmt.Errorf("%w: truncated message: need %d bytes, have %d", xerror.ErrProtocol, n, len(m.buf))
		m.buf = nil
		return make([]byte, n)
	}
	out := m.buf[:n]
	m.buf = m.buf[n:]
	return out
}

func (m *decoder) u8() uint8 {
	return m.take(1)[0]
}

func (m *decoder) u16() uint16 {
	return binary.BigEndian.Uint16(m.take(2))
}

func (m *decoder) u32() uint32 {
	return binary.BigEndian.Uint32(m.take(4))
}

func (m *decoder) bytes(n int) []byte {
	return m.take(n)
}

func (m *decoder) ip() netip.Addr {
	raw := m.u32()
	if m.err != nil || raw == 0 {
		return netip.Addr{}
	}
	return xnetip.V4FromUint32(raw)
}

func (m *decoder) ips(count int) []netip.Addr {
	if m.err == nil && len(m.buf) < 4*count {
		m.take(4 * count)
		return nil
	}
	out := make([]netip.Addr, 0, count)
	for range count {
		out = append(out, m.ip())
	}
	return out
}

// Marshal encodes the message into a wire frame.
//
// The header type is taken from the body.
func Marshal(env Envelope) ([]byte, error) {
	if env.Body == nil {
		return nil, fmt.Errorf("%w: message without body", xerror.ErrProtocol)
	}

	e := &encoder{buf: make([]byte, 0, 64)}
	e.u8(Version)
	e.u8(uint8(env.Body.Type()))
	e.u16(uint16(env.Status))
	e.u32(env.QueryID)
	e.u32(env.VNID)
	env.Body.encode(e)

	return e.buf, nil
}

// ParseHeader decodes the fixed header.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("%w: frame of %d bytes is shorter than the header", xerror.ErrProtocol, len(frame))
	}

	return Header{
		Version: frame[0],
		Type:    MsgType(frame[1]),
		Status:  Status(binary.BigEndian.Uint16(frame[2:])),
		QueryID: binary.BigEndian.Uint32(frame[4:]),
		VNID:    binary.BigEndian.Uint32(frame[8:]),
	}, nil
}

// Unmarshal decodes a wire frame.
//
// When the header is well formed it is returned even if the body is not, so
// the caller can still correlate the reply.
func Unmarshal(frame []byte) (Envelope, error) {
	hdr, err := ParseHeader(frame)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Header: hdr}

	if hdr.Version != Version {
		return env, fmt.Errorf("%w: unsupported version %d", xerror.ErrProtocol, hdr.Version)
	}
	newBody, ok := bodies[hdr.Type]
	if !ok {
		return env, fmt.Errorf("%w: unknown message type %d", xerror.ErrProtocol, uint8(hdr.Type))
	}

	body := newBody()
	d := &decoder{buf: frame[HeaderSize:]}
	body.decode(d)
	if d.err != nil {
		return env, fmt.Errorf("failed to decode %s: %w", hdr.Type, d.err)
	}
	if len(d.buf) != 0 {
		return env, fmt.Errorf("%w: %d trailing bytes after %s", xerror.ErrProtocol, len(d.buf), hdr.Type)
	}

	env.Body = body
	return env, nil
}
