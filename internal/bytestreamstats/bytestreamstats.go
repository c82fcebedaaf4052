// Package bytestreamstats implements the BytestreamStats collaborator
// unidentified payloads: flows whose content
// isn't parsed at all, just counted. It is the simplest of the three
// stats collaborators (see internal/pidstats, internal/ctpstats),
// grounded on the same internal/ratewindow sliding-window pattern.
package bytestreamstats

import (
	"sync/atomic"

	"github.com/mediaflow/nicmon/internal/ratewindow"
)

// Stats is the BytestreamStats stats blob for a single flow.
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

// CCErrors always returns zero: an opaque byte stream carries no
// continuity counter to check.
func (s *Stats) CCErrors() uint64 { return 0 }

// Reset zeros the packet counter and the bitrate window.
func (s *Stats) Reset() {
	s.packetCount.Store(0)
	s.window.Reset()
}
