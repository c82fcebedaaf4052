// Package capture implements the packet-capture collaborator: reading
// UDP datagrams destined for the monitored flows and handing back a
// header Snapshot plus the datagram payload for every one.
//
// The design favors a platform-independent header
// decoder at the boundary rather than #ifdef forks inside the core; we
// go one step further and make even the *source* of frames
// replaceable behind the Capturer interface. UDPCapturer uses a plain
// net.ListenUDP socket — no raw socket or libpcap dependency — so it
// only ever sees application payloads, not real Ethernet/IP framing;
// internal/headers.FromUDPAddrs synthesizes the header snapshot the
// rest of the core expects. A pcap-file or AF_PACKET-backed Capturer
// implementing the same interface could replace it without touching
// the registry or analyzers.
package capture

import (
	"context"
	"fmt"
	"net"

	"github.com/mediaflow/nicmon/internal/headers"
)

// Frame is one captured datagram: its header snapshot and payload.
type Frame struct {
	Snapshot headers.Snapshot
	Payload  []byte
}

// Capturer produces a stream of Frames until ctx is canceled.
type Capturer interface {
	// Run reads frames until ctx is canceled or an unrecoverable error
	// occurs, calling handle for each one. Run returns ctx.Err() on
	// cancellation and nil is never returned except via that path.
	Run(ctx context.Context, handle func(Frame)) error
	// Close releases the underlying socket or file handle.
	Close() error
}

// UDPCapturer listens on a single UDP port and synthesizes header
// snapshots for every datagram received, using the local listen
// address as the "destination" side of the flow.
type UDPCapturer struct {
	conn    *net.UDPConn
	dstAddr *net.UDPAddr
	bufSize int
}

// NewUDPCapturer opens a UDP listener on addr (e.g. ":4000" or
// "0.0.0.0:4000"). bufSize bounds the largest datagram read per
// recvfrom call; 2048 comfortably covers a 7-TS-packet-per-datagram
// UDP_TS payload plus any realistic CTP/SMPTE2110 packet.
func NewUDPCapturer(addr string, bufSize int) (*UDPCapturer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("capture: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("capture: listen %s: %w", addr, err)
	}
	if bufSize <= 0 {
		bufSize = 2048
	}
	return &UDPCapturer{conn: conn, dstAddr: udpAddr, bufSize: bufSize}, nil
}

// Run reads datagrams until ctx is canceled, invoking handle for each.
func (c *UDPCapturer) Run(ctx context.Context, handle func(Frame)) error {
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	buf := make([]byte, c.bufSize)
	for {
		n, srcAddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("capture: read: %w", err)
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		snapshot := headers.FromUDPAddrs(srcAddr, localDstAddr(c.conn, srcAddr))
		handle(Frame{Snapshot: snapshot, Payload: payload})
	}
}

// localDstAddr resolves the effective local destination address/port
// for a received datagram. net.UDPConn doesn't expose the original
// destination for a wildcard listener, so a fixed listener (bound to a
// specific address:port, the expected deployment) reports its own
// LocalAddr; src is returned if LocalAddr is not a *net.UDPAddr.
func localDstAddr(conn *net.UDPConn, src *net.UDPAddr) *net.UDPAddr {
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return local
	}
	return src
}

// Close releases the underlying socket.
func (c *UDPCapturer) Close() error {
	return c.conn.Close()
}
