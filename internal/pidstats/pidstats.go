// Package pidstats implements the PidStats collaborator
// names for UDP_TS/RTP_TS flows: a per-PID table of
// enabled/packetCount/ccErrors/teiErrors plus stream-level GetMbps/
// GetBps, fed by parsed tspacket.Packet headers.
//
// The continuity-counter and TEI extraction is adapted from the
// teacher's internal/mpegts/packet.go parsing; the bitrate accounting
// is a sliding-window pattern,
// factored into internal/ratewindow.
package pidstats

import (
	"sync"
	"sync/atomic"

	"github.com/mediaflow/nicmon/internal/ratewindow"
	"github.com/mediaflow/nicmon/internal/tspacket"
)

const maxPID = 8192

// PerPID holds the counters for one PID's table row.
type PerPID struct {
	Enabled     atomic.Bool
	PacketCount atomic.Uint64
	CCErrors    atomic.Uint64
	TEIErrors   atomic.Uint64

	lastCC    atomic.Int32 // -1 = not yet seen
	firstSeen atomic.Bool
}

func newPerPID() *PerPID {
	p := &PerPID{}
	p.lastCC.Store(-1)
	return p
}

// Stats is the PidStats stats blob for a single flow. PerPID rows don't
// carry an independent rate window: get_mbps(pid) reports the
// stream's overall bitrate attributed to that PID, matching the
// original tool's per-PID summary column (see PIDMbps).
type Stats struct {
	mu   sync.RWMutex
	pids [maxPID]*PerPID

	packetCount atomic.Uint64
	ccErrors    atomic.Uint64
	teiErrors   atomic.Uint64

	window *ratewindow.Window
}

// New creates an empty Stats, ready to receive packets via Observe.
func New() *Stats {
	return &Stats{window: ratewindow.New(ratewindow.DefaultWindow)}
}

func (s *Stats) pidRow(pid uint16) *PerPID {
	s.mu.RLock()
	row := s.pids[pid]
	s.mu.RUnlock()
	if row != nil {
		return row
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pids[pid] == nil {
		s.pids[pid] = newPerPID()
	}
	return s.pids[pid]
}

// Observe accounts for one parsed transport stream packet plus its
// wire size in bytes (for the bitrate window).
func (s *Stats) Observe(pkt *tspacket.Packet, wireBytes int) {
	row := s.pidRow(pkt.Header.PID)
	row.Enabled.Store(true)
	row.PacketCount.Add(1)
	s.packetCount.Add(1)
	s.window.Add(wireBytes)

	if pkt.Header.TransportErrorIndicator {
		row.TEIErrors.Add(1)
		s.teiErrors.Add(1)
	}

	cc := int32(pkt.Header.ContinuityCounter)
	last := row.lastCC.Swap(cc)
	if row.firstSeen.Swap(true) && !pkt.Header.DiscontinuityIndicator {
		want := (last + 1) & 0x0F
		if cc != want && !(pkt.Header.TransportErrorIndicator) {
			row.CCErrors.Add(1)
			s.ccErrors.Add(1)
		}
	}
}

// GetMbps returns the stream's current bitrate in Mbps.
func (s *Stats) GetMbps() float64 { return s.window.Mbps() }

// GetBps returns the stream's current bitrate in bps.
func (s *Stats) GetBps() uint32 { return s.window.Bps() }

// PacketCount returns the total packet count across all PIDs.
func (s *Stats) PacketCount() uint64 { return s.packetCount.Load() }

// CCErrors returns the total continuity-counter error count across all PIDs.
func (s *Stats) CCErrors() uint64 { return s.ccErrors.Load() }

// TEIErrors returns the total TEI error count across all PIDs.
func (s *Stats) TEIErrors() uint64 { return s.teiErrors.Load() }

// PIDMbps returns the stream-wide bitrate, attributed to a single PID
// as the original tool's per-PID summary column does (the tool never
// tracked a genuinely independent per-PID rate window).
func (s *Stats) PIDMbps(pid uint16) float64 {
	row := s.pidRowIfPresent(pid)
	if row == nil || !row.Enabled.Load() {
		return 0
	}
	return s.GetMbps()
}

func (s *Stats) pidRowIfPresent(pid uint16) *PerPID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pids[pid]
}

// EachEnabledPID calls fn for every PID whose row is enabled, in
// ascending PID order, for summary rendering.
func (s *Stats) EachEnabledPID(fn func(pid uint16, row *PerPID)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for pid := 0; pid < maxPID; pid++ {
		row := s.pids[pid]
		if row == nil || !row.Enabled.Load() {
			continue
		}
		fn(uint16(pid), row)
	}
}

// Reset zeros all counters and the bitrate window. Per-PID rows are
// dropped entirely (matching the original tool's stats_reset, which
// re-zeros the whole stats struct).
func (s *Stats) Reset() {
	s.mu.Lock()
	for i := range s.pids {
		s.pids[i] = nil
	}
	s.mu.Unlock()

	s.packetCount.Store(0)
	s.ccErrors.Store(0)
	s.teiErrors.Store(0)
	s.window.Reset()
}
