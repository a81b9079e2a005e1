package dataplane

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dove-platform/dgw/common/go/xerror"
)

func TestMarshalInterfaceIP(t *testing.T) {
	frame, err := Marshal(InterfaceIP{
		Service: "br0",
		Address: netip.MustParsePrefix("192.0.2.10/24"),
		Nexthop: netip.MustParseAddr("192.0.2.1"),
		VLAN:    100,
	})
	require.NoError(t, err)

	require.Equal(t, uint16(KindAddInterfaceIP), binary.BigEndian.Uint16(frame[0:]))
	bodySize := int(binary.BigEndian.Uint16(frame[2:]))
	require.Equal(t, len(frame)-frameHeaderSize, bodySize)
	// name + address + prefix length + nexthop + vlan
	require.Equal(t, NameSize+4+1+4+2, bodySize)

	body := frame[frameHeaderSize:]
	require.Equal(t, "br0", string(body[:3]))
	require.Equal(t, []byte{192, 0, 2, 10, 24}, body[NameSize:NameSize+5])
	require.Equal(t, uint16(100), binary.BigEndian.Uint16(body[len(body)-2:]))
}

func TestRemoveSelectsDeleteKind(t *testing.T) {
	require.Equal(t, KindDelExternalVIP, ExternalVIP{Remove: true}.Kind())
	require.Equal(t, KindAddExternalVIP, ExternalVIP{}.Kind())
	require.Equal(t, KindDelForwardRule, ForwardRule{Remove: true}.Kind())
	require.Equal(t, "program-location", KindProgramLocation.String())
	require.Equal(t, "kind(999)", Kind(999).String())
}

func TestEncapHeader(t *testing.T) {
	src := netip.MustParseAddr("198.51.100.1")
	dst := netip.MustParseAddr("198.51.100.2")

	hdr, err := EncapHeader(src, dst, 0x123456, 4789)
	require.NoError(t, err)
	require.Len(t, hdr, 20+8+8)

	pkt := gopacket.NewPacket(hdr, layers.LayerTypeIPv4, gopacket.Default)

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	require.Equal(t, layers.IPProtocolUDP, ip.Protocol)
	require.Equal(t, "198.51.100.1", ip.SrcIP.String())
	require.Equal(t, "198.51.100.2", ip.DstIP.String())

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	require.Equal(t, layers.UDPPort(4789), udp.DstPort)

	vxlan, ok := pkt.Layer(layers.LayerTypeVXLAN).(*layers.VXLAN)
	require.True(t, ok)
	require.Equal(t, uint32(0x123456), vxlan.VNI)
	require.True(t, vxlan.ValidIDFlag)
}

func TestEncapHeaderRejectsIPv6(t *testing.T) {
	_, err := EncapHeader(netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("198.51.100.2"), 1, 4789)
	require.Error(t, err)
}

func TestRecorderFilter(t *testing.T) {
	rec := NewRecorder(nil)
	ctx := context.Background()

	require.NoError(t, rec.Submit(ctx, ResetStats{}))
	require.NoError(t, rec.Submit(ctx, ProgramLocation{Index: 0}))
	require.NoError(t, rec.Submit(ctx, ProgramLocation{Index: 1}))

	locations := Filter[ProgramLocation](rec.Commands())
	require.Len(t, locations, 2)
	require.Equal(t, uint8(1), locations[1].Index)

	rec.FailWith(func(Command) error { return errors.New("boom") })
	require.Error(t, rec.Submit(ctx, ResetStats{}))
	require.Len(t, rec.Commands(), 3)

	rec.Reset()
	require.Empty(t, rec.Commands())
}

// serveDataplane answers every frame with the given status and reports the
// received command kinds.
func serveDataplane(t *testing.T, ln net.Listener, status int32, kinds chan<- Kind) {
	t.Helper()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					var hdr [frameHeaderSize]byte
					if _, err := io.ReadFull(conn, hdr[:]); err != nil {
						return
					}
					body := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
					if _, err := io.ReadFull(conn, body); err != nil {
						return
					}
					kinds <- Kind(binary.BigEndian.Uint16(hdr[0:]))

					var rc [4]byte
					binary.BigEndian.PutUint32(rc[:], uint32(status))
					if _, err := conn.Write(rc[:]); err != nil {
						return
					}
				}
			}()
		}
	}()
}

func TestClientSubmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dp.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	kinds := make(chan Kind, 4)
	serveDataplane(t, ln, 0, kinds)

	client := NewClient(&Config{SocketPath: path, Timeout: time.Second}, zap.NewNop().Sugar())
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Submit(ctx, OverlayPort{Port: 4789}))
	require.NoError(t, client.Submit(ctx, ResetStats{}))

	require.Equal(t, KindSetOverlayPort, <-kinds)
	require.Equal(t, KindResetStats, <-kinds)
}

func TestClientReportsRejection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dp.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	kinds := make(chan Kind, 1)
	serveDataplane(t, ln, -22, kinds)

	client := NewClient(&Config{SocketPath: path, Timeout: time.Second}, zap.NewNop().Sugar())
	defer client.Close()

	err = client.Submit(context.Background(), ResetStats{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status -22")
	require.NotErrorIs(t, err, xerror.ErrTransport)
}

func TestClientTransportError(t *testing.T) {
	client := NewClient(&Config{
		SocketPath: filepath.Join(t.TempDir(), "missing.sock"),
		Timeout:    100 * time.Millisecond,
	}, zap.NewNop().Sugar())

	err := client.Submit(context.Background(), ResetStats{})
	require.ErrorIs(t, err, xerror.ErrTransport)
}
