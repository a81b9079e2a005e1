package dataplane

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// EncapHeader builds the outer IPv4/UDP/VXLAN header template used for a
// programmed location.
//
// Length and checksum fields describe an empty payload; the forwarding plane
// patches them per packet.
func EncapHeader(src, dst netip.Addr, vnid uint32, port uint16) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("encapsulation requires IPv4 endpoints, got %s -> %s", src, dst)
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(port),
		DstPort: layers.UDPPort(port),
	}
	vxlan := &layers.VXLAN{
		ValidIDFlag: true,
		VNI:         vnid & 0xffffff,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, vxlan); err != nil {
		return nil, fmt.Errorf("failed to serialize encapsulation header: %w", err)
	}

	return buf.Bytes(), nil
}
