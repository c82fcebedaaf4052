// Package ctpstats implements the CtpStats collaborator
// names for SMPTE2110-20/30 and A/324 CTP payloads: a byte/packet-rate
// recorder with no MPEG-TS continuity semantics (these payloads carry
// their own RTP sequence numbers, not a 4-bit continuity counter), so
// CCErrors is always zero and satisfies flowstats.Recorder by contract
// rather than by doing any work.
//
// Grounded on the same sliding-window pattern as internal/pidstats,
// factored into internal/ratewindow.
package ctpstats

import (
	"sync/atomic"

	"github.com/mediaflow/nicmon/internal/ratewindow"
)

// Stats is the CtpStats stats blob for a single flow.
type Stats struct {
	packetCount atomic.Uint64
	window      *ratewindow.Window
}

// New creates an empty Stats, ready to receive payloads via Observe.
func New() *Stats {
	return &Stats{window: ratewindow.New(ratewindow.DefaultWindow)}
}

// Observe accounts for one received datagram of wireBytes size.
func (s *Stats) Observe(wireBytes int) {
	s.packetCount.Add(1)
	s.window.Add(wireBytes)
}

// GetMbps returns the stream's current bitrate in Mbps.
func (s *Stats) GetMbps() float64 { return s.window.Mbps() }

// GetBps returns the stream's current bitrate in bps.
func (s *Stats) GetBps() uint32 { return s.window.Bps() }

// PacketCount returns the total packet count observed.
func (s *Stats) PacketCount() uint64 { return s.packetCount.Load() }

// CCErrors always returns zero: SMPTE2110/CTP payloads carry no
// MPEG-TS-style continuity counter to check.
func (s *Stats) CCErrors() uint64 { return 0 }

// Reset zeros the packet counter and the bitrate window.
func (s *Stats) Reset() {
	s.packetCount.Store(0)
	s.window.Reset()
}
