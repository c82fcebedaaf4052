// Package pcaprecorder writes a single flow's matched UDP datagrams to
// a libpcap-format capture file, for on-demand packet capture of a
// flow under investigation. Start/stop is driven externally (by
// cmd/nicmon reacting to a flow's PCAP_RECORD_START/STOP state flags);
// this package only owns the open file handle and the write path.
//
// The capture path (internal/capture's UDPCapturer) only ever sees
// application payloads, with no real Ethernet/IP/UDP framing to
// record verbatim. Write therefore synthesizes a minimal
// Ethernet+IPv4+UDP wrapper from the flow's identity before each
// payload is appended, so the file's declared link type actually
// matches what's written in it.
//
// Grounded on gopacket's pcapgo.Writer, the ecosystem's way of writing
// pcap files without a libpcap dependency, and on gopacket/layers'
// SerializeLayers for building the synthetic wrapper the same way
// internal/headers uses gopacket's layer decoders on the read side.
package pcaprecorder

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/mediaflow/nicmon/internal/headers"
)

// snapLen bounds how much of each packet is captured; MPEG-TS-bearing
// UDP datagrams never exceed standard Ethernet MTU.
const snapLen = 65535

// Recorder writes packets to a pcap file while active. The zero value
// is not usable; construct with New.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	path   string
}

// New creates an idle Recorder. Call Start to begin writing.
func New() *Recorder {
	return &Recorder{}
}

// Active reports whether the recorder currently has an open file.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

// Path returns the path of the currently open pcap file, or "" if idle.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Start opens path and writes the pcap file header. If a recording is
// already active it is stopped first.
func (r *Recorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		r.closeLocked()
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pcaprecorder: create %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("pcaprecorder: write file header: %w", err)
	}

	r.file = f
	r.writer = w
	r.path = path
	return nil
}

// Write appends one captured UDP payload, wrapped in a synthetic
// Ethernet+IPv4+UDP frame built from identity's addressing so the file
// stays consistent with the Ethernet link type declared at Start. The
// capture path never observes real link/IP framing (see
// internal/capture's UDPCapturer doc comment), so the wrapper carries
// identity's MACs when present (zero MACs otherwise) and identity's
// IP/UDP addressing rather than anything sniffed off the wire. It is a no-op if the recorder isn't active.
func (r *Recorder) Write(identity headers.Snapshot, payload []byte, capturedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return nil
	}

	frame, err := synthesizeFrame(identity, payload)
	if err != nil {
		return fmt.Errorf("pcaprecorder: synthesize frame: %w", err)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     capturedAt,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := r.writer.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("pcaprecorder: write packet: %w", err)
	}
	return nil
}

// synthesizeFrame wraps payload in a minimal Ethernet+IPv4+UDP frame
// addressed from identity, using gopacket/layers' serialize-and-fix-up
// path the same way internal/headers uses gopacket's layer decoders on
// the read side. zeroMAC stands in for link-layer addressing the UDP
// capture path never observes.
func synthesizeFrame(identity headers.Snapshot, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       zeroMAC(identity.Eth.Src),
		DstMAC:       zeroMAC(identity.Eth.Dst),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    identity.IP.SrcIP,
		DstIP:    identity.IP.DstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(identity.UDP.SrcPort),
		DstPort: layers.UDPPort(identity.UDP.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengthsChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// zeroMAC returns hw if it is a well-formed 6-byte MAC, else an
// all-zero placeholder; gopacket's Ethernet layer rejects any other
// length during serialization.
func zeroMAC(hw net.HardwareAddr) net.HardwareAddr {
	if len(hw) == 6 {
		return hw
	}
	return make(net.HardwareAddr, 6)
}

// Stop closes the file, if any, flushing buffered writes to disk.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.writer = nil
	r.path = ""
	return err
}
