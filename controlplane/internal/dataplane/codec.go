package dataplane

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
)

// NameSize is the fixed width of service (bridge) names on the wire.
const NameSize = 16

// frameHeaderSize is the kind and body length prefix.
const frameHeaderSize = 4

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) bytes(v []byte) {
	e.buf = append(e.buf, v...)
}

// addr writes an IPv4 address; invalid addresses are encoded as zeros.
func (e *encoder) addr(v netip.Addr) {
	if !v.IsValid() {
		e.buf = append(e.buf, 0, 0, 0, 0)
		return
	}
	b := v.Unmap().As4()
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) prefix(v netip.Prefix) {
	e.addr(v.Addr())
	if !v.IsValid() {
		e.u8(0)
		return
	}
	e.u8(uint8(v.Bits()))
}

func (e *encoder) name(v string) {
	var b [NameSize]byte
	copy(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// Marshal encodes the command into a frame: kind, body length, body.
func Marshal(cmd Command) ([]byte, error) {
	e := &encoder{buf: make([]byte, frameHeaderSize, 64)}
	cmd.encode(e)

	size := len(e.buf) - frameHeaderSize
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("%s command body is too large: %d bytes", cmd.Kind(), size)
	}

	binary.BigEndian.PutUint16(e.buf[0:], uint16(cmd.Kind()))
	binary.BigEndian.PutUint16(e.buf[2:], uint16(size))
	return e.buf, nil
}
