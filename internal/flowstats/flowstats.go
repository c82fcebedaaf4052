// Package flowstats defines the shared protocol-statistics contract
// the protocol-statistics collaborators share: PidStats, CtpStats, and
// BytestreamStats each
// exposes GetMbps, GetBps, and Reset, regardless of what payload type
// it tracks. FlowRecord holds its stats blob through this interface so
// the registry and file-output code never need a type switch.
package flowstats

// Recorder is satisfied by pidstats.Stats, ctpstats.Stats, and
// bytestreamstats.Stats.
type Recorder interface {
	// GetMbps returns the current stream bitrate in megabits/second,
	// computed over a short sliding window.
	GetMbps() float64
	// GetBps returns the current stream bitrate in bits/second.
	GetBps() uint32
	// PacketCount returns the total packets observed.
	PacketCount() uint64
	// CCErrors returns the total continuity-counter error count, or 0
	// for recorders that don't track continuity (non-TS payloads).
	CCErrors() uint64
	// Reset zeros all counters and rate-window state.
	Reset()
}
