package headers

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildUDPFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	t.Parallel()

	frame := buildUDPFrame(t, "10.0.0.1", "10.0.0.2", 5000, 4001, []byte{1, 2, 3})

	snap, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got, want := snap.SrcAddr(), "10.0.0.1:5000"; got != want {
		t.Errorf("SrcAddr() = %q, want %q", got, want)
	}
	if got, want := snap.DstAddr(), "10.0.0.2:4001"; got != want {
		t.Errorf("DstAddr() = %q, want %q", got, want)
	}
	if got, want := snap.DstIPUint32(), uint32(0x0A000002); got != want {
		t.Errorf("DstIPUint32() = %#x, want %#x", got, want)
	}
}

func TestDecodeRejectsNonUDP(t *testing.T) {
	t.Parallel()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}

	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("Decode of a non-UDP frame returned no error")
	}
}

func TestFromUDPAddrs(t *testing.T) {
	t.Parallel()

	src := &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 6000}
	dst := &net.UDPAddr{IP: net.ParseIP("239.1.1.1"), Port: 4000}

	snap := FromUDPAddrs(src, dst)
	if got, want := snap.SrcAddr(), "192.168.1.5:6000"; got != want {
		t.Errorf("SrcAddr() = %q, want %q", got, want)
	}
	if got, want := snap.DstAddr(), "239.1.1.1:4000"; got != want {
		t.Errorf("DstAddr() = %q, want %q", got, want)
	}
}
