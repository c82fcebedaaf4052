// Package headers defines the normalized packet-header snapshot that
// crosses the capture boundary into the flow registry, and the decode
// helper that builds one from raw bytes.
//
// This replaces the #ifdef __linux__ / __APPLE__ forking the original
// tool carried around BSD vs Linux struct iphdr/ip field names (see
// platform-dependent byte order handling pushed to one boundary): one internal
// representation, populated here using gopacket's platform-independent
// layer decoders.
package headers

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Ethernet is an immutable snapshot of an Ethernet frame header.
type Ethernet struct {
	Src, Dst  net.HardwareAddr
	EtherType layers.EthernetType
}

// IP is an immutable snapshot of an IPv4 header. Address fields are
// net.IP values; Snapshot.SrcIPUint32/DstIPUint32 convert them to
// host-order uint32 for hashing/ordering.
type IP struct {
	Version  uint8
	SrcIP    net.IP
	DstIP    net.IP
	Protocol layers.IPProtocol
	TTL      uint8
}

// UDP is an immutable snapshot of a UDP header.
type UDP struct {
	SrcPort, DstPort uint16
	Length           uint16
}

// Snapshot bundles one packet's Ethernet+IP+UDP headers, the form
// FlowRecord construction and FlowRegistry.FindOrCreate consume.
type Snapshot struct {
	Eth Ethernet
	IP  IP
	UDP UDP
}

// SrcAddr formats "a.b.c.d:port" for the source endpoint.
func (s Snapshot) SrcAddr() string {
	return fmt.Sprintf("%s:%d", s.IP.SrcIP.String(), s.UDP.SrcPort)
}

// DstAddr formats "a.b.c.d:port" for the destination endpoint.
func (s Snapshot) DstAddr() string {
	return fmt.Sprintf("%s:%d", s.IP.DstIP.String(), s.UDP.DstPort)
}

// SrcIPUint32 returns the source IPv4 address as a host-order uint32,
// the form the hash index and ordered-insertion key both need.
func (s Snapshot) SrcIPUint32() uint32 { return ipToUint32(s.IP.SrcIP) }

// DstIPUint32 returns the destination IPv4 address as a host-order uint32.
func (s Snapshot) DstIPUint32() uint32 { return ipToUint32(s.IP.DstIP) }

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

// Decode parses a raw Ethernet+IPv4+UDP frame into a normalized
// Snapshot. It returns an error if the frame isn't Ethernet/IPv4/UDP —
// callers (the capture driver) are expected to drop such packets.
func Decode(frame []byte) (Snapshot, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return Snapshot{}, fmt.Errorf("headers: frame is not IPv4/UDP")
	}

	ip4, _ := ipLayer.(*layers.IPv4)
	udp, _ := udpLayer.(*layers.UDP)

	var eth Ethernet
	if e, ok := ethLayer.(*layers.Ethernet); ok {
		eth = Ethernet{Src: e.SrcMAC, Dst: e.DstMAC, EtherType: e.EthernetType}
	}

	return Snapshot{
		Eth: eth,
		IP: IP{
			Version:  ip4.Version,
			SrcIP:    ip4.SrcIP,
			DstIP:    ip4.DstIP,
			Protocol: ip4.Protocol,
			TTL:      ip4.TTL,
		},
		UDP: UDP{
			SrcPort: uint16(udp.SrcPort),
			DstPort: uint16(udp.DstPort),
			Length:  udp.Length,
		},
	}, nil
}

// FromUDPAddrs synthesizes a Snapshot from resolved UDP socket
// addresses, for capture implementations (such as internal/capture's
// UDPCapturer) that observe a flow via net.ListenUDP rather than a raw
// Ethernet/IP frame. EtherType/TTL/Protocol are filled with plausible
// defaults since they aren't observable from a UDP socket.
func FromUDPAddrs(src, dst *net.UDPAddr) Snapshot {
	return Snapshot{
		Eth: Ethernet{EtherType: layers.EthernetTypeIPv4},
		IP: IP{
			Version:  4,
			SrcIP:    src.IP.To4(),
			DstIP:    dst.IP.To4(),
			Protocol: layers.IPProtocolUDP,
			TTL:      64,
		},
		UDP: UDP{
			SrcPort: uint16(src.Port),
			DstPort: uint16(dst.Port),
		},
	}
}
