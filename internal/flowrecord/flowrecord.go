// Package flowrecord implements the per-flow state object the
// registry allocates on first sight of a 4-tuple: header identity,
// IAT watermarks and histogram, protocol-classification, the
// optional analyzer handles, and the UI/record state-flag bitfield.
//
// Everything other than construction and the hot-path IAT/stats
// updates is mutated while the owning registry's lock is held, per
// this package's concurrency model; the IAT watermarks and state flags use
// sync/atomic so the capture thread's lock-free per-packet updates
// can't tear against the stats/UI thread's reads.
package flowrecord

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mediaflow/nicmon/internal/flowstats"
	"github.com/mediaflow/nicmon/internal/headers"
	"github.com/mediaflow/nicmon/internal/histogram"
	"github.com/mediaflow/nicmon/internal/latencyprobe"
	"github.com/mediaflow/nicmon/internal/pcaprecorder"
	"github.com/mediaflow/nicmon/internal/streammodel"
)

// PayloadType classifies the kind of media payload a flow carries.
type PayloadType int

const (
	Unknown PayloadType = iota
	UDPTS
	RTPTS
	STL
	UNK
	SMPTE2110_20Video
	SMPTE2110_30Audio
	A324CTP
)

// String renders the payload type the way it appears in summary output.
func (t PayloadType) String() string {
	switch t {
	case UDPTS:
		return "UDP_TS"
	case RTPTS:
		return "RTP_TS"
	case STL:
		return "STL"
	case UNK:
		return "UNK"
	case SMPTE2110_20Video:
		return "SMPTE2110_20_VIDEO"
	case SMPTE2110_30Audio:
		return "SMPTE2110_30_AUDIO"
	case A324CTP:
		return "A324_CTP"
	default:
		return "UNKNOWN"
	}
}

// StateFlags is the FlowRecord UI/record bitfield. state_set/state_clr/
// state_get are the sole means of mutating or reading it.
type StateFlags uint32

const (
	DSTDuplicate StateFlags = 1 << iota
	PCAPRecording
	PCAPRecordStart
	PCAPRecordStop
	Selected
	Hidden
	ShowPIDs
	ShowTR101290
	ShowIATHistogram
	ShowStreamModel
)

// iatLwmInitUs and iatHwmInitUs are the watermark sentinels this package
// names: a low watermark initialized artificially high so the first
// real observation always lowers it, and a high watermark initialized
// below any valid observation so the first real one always raises it.
const (
	iatLwmInitUs = int64(50_000_000)
	iatHwmInitUs = int64(-1)
)

// StatsSnapshot is the statsToFile snapshot used to detect CC-error
// deltas between file-summary emissions.
type StatsSnapshot struct {
	CCErrors uint64
}

// Record is a single flow's mutable state. Construct with New; do not
// build the zero value directly.
type Record struct {
	Identity headers.Snapshot
	SrcAddr  string
	DstAddr  string

	FirstSeen time.Time

	lastUpdated atomic.Int64 // UnixNano

	iatLwmUs atomic.Int64
	iatHwmUs atomic.Int64
	iatCurUs atomic.Int64

	PacketIntervals *histogram.Histogram

	PayloadType PayloadType
	Stats       flowstats.Recorder
	StatsToFile StatsSnapshot

	StreamModel  *streammodel.Model
	LatencyProbe *latencyprobe.Probe
	PCAPRecorder *pcaprecorder.Recorder

	SummaryFile  string
	DetailedFile string

	state atomic.Uint32
}

// New constructs a Record from a header snapshot, allocating the IAT
// histogram with the video preset and the stream-model/latency-probe
// analyzer handles. Analyzer allocation failure is logged and
// tolerated: the record is still usable without that feature.
func New(snapshot headers.Snapshot, now time.Time, log *slog.Logger) *Record {
	r := &Record{
		Identity:  snapshot,
		SrcAddr:   snapshot.SrcAddr(),
		DstAddr:   snapshot.DstAddr(),
		FirstSeen: now,
	}
	r.lastUpdated.Store(now.UnixNano())
	r.iatLwmUs.Store(iatLwmInitUs)
	r.iatHwmUs.Store(iatHwmInitUs)

	h, err := histogram.AllocVideoDefaults("packetIntervals")
	if err != nil {
		if log != nil {
			log.Warn("flowrecord: IAT histogram allocation failed, IAT tracking disabled",
				"dst", r.DstAddr, "error", err)
		}
	}
	r.PacketIntervals = h

	r.StreamModel = streammodel.New()
	r.LatencyProbe = latencyprobe.New(0)
	r.PCAPRecorder = pcaprecorder.New()

	return r
}

// ObserveArrival accounts for one packet's arrival at wallclock time
// now: it updates iat_cur_us and the lwm/hwm watermarks from the gap
// since the previous arrival, advances lastUpdated, and feeds the
// owned interval histogram (which tracks its own internal clock).
func (r *Record) ObserveArrival(now time.Time) {
	prev := time.Unix(0, r.lastUpdated.Swap(now.UnixNano()))

	d := now.Sub(prev)
	if d < 0 {
		d = 0
	}
	us := d.Microseconds()

	r.iatCurUs.Store(us)
	casMin(&r.iatLwmUs, us)
	casMax(&r.iatHwmUs, us)

	if r.PacketIntervals != nil {
		r.PacketIntervals.Update()
	}
}

// IATMicros returns the current (lwm, cur, hwm) inter-arrival-time
// watermarks in microseconds.
func (r *Record) IATMicros() (lwm, cur, hwm int64) {
	return r.iatLwmUs.Load(), r.iatCurUs.Load(), r.iatHwmUs.Load()
}

// LastUpdated returns the wallclock time of the most recent observed
// packet arrival.
func (r *Record) LastUpdated() time.Time {
	return time.Unix(0, r.lastUpdated.Load())
}

// StateSet atomically sets every flag in mask.
func (r *Record) StateSet(mask StateFlags) {
	for {
		cur := r.state.Load()
		next := cur | uint32(mask)
		if cur == next || r.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// StateClr atomically clears every flag in mask.
func (r *Record) StateClr(mask StateFlags) {
	for {
		cur := r.state.Load()
		next := cur &^ uint32(mask)
		if cur == next || r.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// StateGet reports whether every flag in mask is currently set.
func (r *Record) StateGet(mask StateFlags) bool {
	return r.state.Load()&uint32(mask) == uint32(mask)
}

// ResetStats resets the protocol stats blob (if attached), the IAT
// watermarks to their construction-time sentinels, and the IAT
// histogram, as performed by the registry's stats_reset bulk operation.
func (r *Record) ResetStats() {
	if r.Stats != nil {
		r.Stats.Reset()
	}
	r.iatLwmUs.Store(iatLwmInitUs)
	r.iatHwmUs.Store(iatHwmInitUs)
	r.iatCurUs.Store(0)
	if r.PacketIntervals != nil {
		r.PacketIntervals.Reset()
	}
}

// SnapshotStatsToFile records the current CC-error count into
// StatsToFile, for the next emission cycle's change-detection.
func (r *Record) SnapshotStatsToFile() {
	if r.Stats == nil {
		return
	}
	r.StatsToFile = StatsSnapshot{CCErrors: r.Stats.CCErrors()}
}

// Close destroys the record's owned resources in the order this package
// names: pcap recorder (flushing any pending file), IAT histogram,
// stream model, latency probe.
func (r *Record) Close() error {
	var err error
	if r.PCAPRecorder != nil {
		err = r.PCAPRecorder.Stop()
	}
	r.PacketIntervals = nil
	r.StreamModel = nil
	r.LatencyProbe = nil
	return err
}

func casMin(addr *atomic.Int64, v int64) {
	for {
		cur := addr.Load()
		if v >= cur {
			return
		}
		if addr.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casMax(addr *atomic.Int64, v int64) {
	for {
		cur := addr.Load()
		if v <= cur {
			return
		}
		if addr.CompareAndSwap(cur, v) {
			return
		}
	}
}
