// Package latencyprobe estimates the time elapsed between an encoder
// stamping a PCR onto the wire and this process observing the packet
// that carries it — an encoder-to-capture latency estimate derived
// from PCR-vs-wallclock skew, built on internal/tspacket's PCR
// extraction.
//
// There is no original C implementation to port here: the design notes
// name the mechanism (an "LTN-encoder latency probe"), but the
// retained original_source/ files are limited to histogram.h and
// nic_monitor_di.c, neither of which contains this subsystem. The
// accumulator style below (lock held only across a value swap, a
// single Observe entry point) follows an
// internal/mpegts/accumulator.go idiom.
package latencyprobe

import (
	"sync"
	"time"

	"github.com/mediaflow/nicmon/internal/tspacket"
)

// pcrFrequencyHz is the 27MHz system clock PCR values are expressed in.
const pcrFrequencyHz = 27_000_000

// Probe tracks PCR-vs-wallclock skew for a single flow's PCR-bearing
// PID. The zero value is not usable; construct with New.
type Probe struct {
	mu sync.Mutex

	pcrPID    uint16
	haveFirst bool
	firstPCR  uint64
	firstAt   time.Time

	lastSkew time.Duration
	lastAt   time.Time
}

// New creates a Probe watching the given PCR-bearing PID.
func New(pcrPID uint16) *Probe {
	return &Probe{pcrPID: pcrPID}
}

// BindPID retargets the probe to watch a newly discovered PCR-bearing
// PID, clearing any previously established PCR/wallclock reference
// pair. A no-op if pid is already the watched PID.
func (p *Probe) BindPID(pid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pcrPID == pid {
		return
	}
	p.pcrPID = pid
	p.haveFirst = false
	p.firstPCR = 0
	p.firstAt = time.Time{}
	p.lastSkew = 0
	p.lastAt = time.Time{}
}

// Observe accounts for one parsed transport stream packet, arriving at
// wallclock time now. Packets on PIDs other than the probe's PCR PID,
// or without a PCR field, are ignored.
func (p *Probe) Observe(pkt *tspacket.Packet, now time.Time) {
	if !pkt.Header.HasPCR {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pkt.Header.PID != p.pcrPID {
		return
	}

	if !p.haveFirst {
		p.firstPCR = pkt.Header.PCR
		p.firstAt = now
		p.haveFirst = true
		p.lastAt = now
		return
	}

	elapsedPCR := pcrDelta(p.firstPCR, pkt.Header.PCR)
	encoderElapsed := time.Duration(float64(elapsedPCR) / pcrFrequencyHz * float64(time.Second))
	wallElapsed := now.Sub(p.firstAt)

	p.lastSkew = wallElapsed - encoderElapsed
	p.lastAt = now
}

// pcrDelta computes the forward distance from a to b across PCR's
// 33-bit base / 27MHz wraparound (2^33 * 300 ticks, about 26.5 hours).
func pcrDelta(a, b uint64) uint64 {
	const pcrMax = uint64(1) << 33 * 300
	if b >= a {
		return b - a
	}
	return pcrMax - a + b
}

// Skew returns the most recently measured difference between
// wallclock-elapsed time and PCR-implied elapsed time since the first
// observed PCR. A positive skew means wallclock time is running ahead
// of the encoder's clock — consistent with capture-side buffering
// delay; a negative skew usually indicates PCR discontinuities (e.g.
// after a splice) rather than negative latency.
func (p *Probe) Skew() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSkew
}

// Reset clears all tracked state so the next Observe starts a fresh
// PCR/wallclock reference pair.
func (p *Probe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haveFirst = false
	p.firstPCR = 0
	p.firstAt = time.Time{}
	p.lastSkew = 0
	p.lastAt = time.Time{}
}
