package pidstats

import (
	"testing"

	"github.com/mediaflow/nicmon/internal/tspacket"
)

func pkt(pid uint16, cc uint8, tei bool) *tspacket.Packet {
	return &tspacket.Packet{
		Header: tspacket.Header{
			PID:                     pid,
			ContinuityCounter:       cc,
			TransportErrorIndicator: tei,
			HasPayload:              true,
		},
	}
}

func TestObserveCountsPackets(t *testing.T) {
	t.Parallel()

	s := New()
	for i := uint8(0); i < 5; i++ {
		s.Observe(pkt(0x100, i, false), 188)
	}
	if got := s.PacketCount(); got != 5 {
		t.Fatalf("PacketCount() = %d, want 5", got)
	}
	if got := s.CCErrors(); got != 0 {
		t.Fatalf("CCErrors() = %d, want 0 for a clean continuity sequence", got)
	}
}

func TestObserveDetectsCCError(t *testing.T) {
	t.Parallel()

	s := New()
	s.Observe(pkt(0x100, 0, false), 188)
	s.Observe(pkt(0x100, 1, false), 188)
	s.Observe(pkt(0x100, 5, false), 188) // discontinuity: expected 2, got 5

	if got := s.CCErrors(); got != 1 {
		t.Fatalf("CCErrors() = %d, want 1", got)
	}
}

func TestObserveWrapsContinuityCounter(t *testing.T) {
	t.Parallel()

	s := New()
	s.Observe(pkt(0x100, 14, false), 188)
	s.Observe(pkt(0x100, 15, false), 188)
	s.Observe(pkt(0x100, 0, false), 188) // wraps 15 -> 0, not an error

	if got := s.CCErrors(); got != 0 {
		t.Fatalf("CCErrors() = %d, want 0 across a CC wrap", got)
	}
}

func TestObserveTEI(t *testing.T) {
	t.Parallel()

	s := New()
	s.Observe(pkt(0x200, 0, true), 188)

	if got := s.TEIErrors(); got != 1 {
		t.Fatalf("TEIErrors() = %d, want 1", got)
	}
}

func TestEachEnabledPID(t *testing.T) {
	t.Parallel()

	s := New()
	s.Observe(pkt(0x100, 0, false), 188)
	s.Observe(pkt(0x200, 0, false), 188)

	seen := map[uint16]bool{}
	s.EachEnabledPID(func(pid uint16, row *PerPID) {
		seen[pid] = true
	})
	if !seen[0x100] || !seen[0x200] {
		t.Fatalf("EachEnabledPID saw %v, want both 0x100 and 0x200", seen)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := New()
	s.Observe(pkt(0x100, 0, false), 188)
	s.Observe(pkt(0x100, 5, false), 188)

	s.Reset()

	if s.PacketCount() != 0 || s.CCErrors() != 0 || s.TEIErrors() != 0 {
		t.Fatalf("counters not zeroed after Reset: packets=%d cc=%d tei=%d",
			s.PacketCount(), s.CCErrors(), s.TEIErrors())
	}
	seen := false
	s.EachEnabledPID(func(pid uint16, row *PerPID) { seen = true })
	if seen {
		t.Fatal("PID rows survived Reset")
	}
}
