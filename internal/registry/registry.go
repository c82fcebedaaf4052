// Package registry implements the FlowRegistry aggregator: the
// coarse-locked ordered flow list plus HashIndex that together give
// find-or-create its O(1) expected-case lookup, and the bulk
// operations (summaries, selection, hide/record toggles, stats reset)
// that the stats/UI thread drives.
//
// The coarse-lock-with-lock-free-hot-path-counters split avoids torn
// reads on the per-packet counters without serializing every packet
// through the registry lock, the same discipline applied to concurrent
// maps elsewhere in this codebase.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mediaflow/nicmon/internal/flowrecord"
	"github.com/mediaflow/nicmon/internal/hashindex"
	"github.com/mediaflow/nicmon/internal/headers"
)

// Registry is the FlowRegistry aggregator. The zero value is not
// usable; construct with New.
type Registry struct {
	mu sync.Mutex

	ordered []*flowrecord.Record
	index   *hashindex.HashIndex[*flowrecord.Record]

	cacheHit  uint64
	cacheMiss uint64

	AutomaticallyRecordStreams bool
	IfName                     string

	log *slog.Logger
}

// New creates an empty Registry.
func New(ifName string, automaticallyRecordStreams bool, log *slog.Logger) *Registry {
	return &Registry{
		index:                      hashindex.New[*flowrecord.Record](),
		IfName:                     ifName,
		AutomaticallyRecordStreams: automaticallyRecordStreams,
		log:                        log,
	}
}

// FindOrCreate returns the flow record for snapshot's 4-tuple,
// allocating one on first sight: fingerprint on (dstIP, dstPort),
// chain-scan for an exact 4-tuple match, and on miss, ordered insertion
// plus hash
// registration.
func (reg *Registry) FindOrCreate(snapshot headers.Snapshot, now time.Time) *flowrecord.Record {
	h := hashindex.CalcHash(snapshot.DstIPUint32(), snapshot.UDP.DstPort)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, candidate := range reg.index.All(h) {
		if sameFourTuple(candidate.Identity, snapshot) {
			reg.cacheHit++
			return candidate
		}
	}

	reg.cacheMiss++
	rec := flowrecord.New(snapshot, now, reg.log)
	reg.insertOrdered(rec)
	reg.index.Set(h, rec)
	if reg.AutomaticallyRecordStreams {
		rec.StateSet(flowrecord.PCAPRecordStart)
	}
	return rec
}

func sameFourTuple(a, b headers.Snapshot) bool {
	return a.UDP.SrcPort == b.UDP.SrcPort &&
		a.UDP.DstPort == b.UDP.DstPort &&
		a.IP.SrcIP.Equal(b.IP.SrcIP) &&
		a.IP.DstIP.Equal(b.IP.DstIP)
}

// orderKey is K(r) = (ntohl(dstIP) << 16) | dstPort. Header fields are
// already host-order inside this module (see internal/headers), so
// this is simply a 48-bit composite sort key.
func orderKey(r *flowrecord.Record) uint64 {
	return uint64(r.Identity.DstIPUint32())<<16 | uint64(r.Identity.UDP.DstPort)
}

// insertOrdered inserts rec into reg.ordered at the position that
// keeps the list sorted by orderKey ascending, marking both records
// DST_DUPLICATE on an exact key collision. Callers must hold reg.mu.
func (reg *Registry) insertOrdered(rec *flowrecord.Record) {
	key := orderKey(rec)
	for i, e := range reg.ordered {
		ek := orderKey(e)
		if ek >= key {
			if ek == key {
				e.StateSet(flowrecord.DSTDuplicate)
				rec.StateSet(flowrecord.DSTDuplicate)
			}
			reg.ordered = append(reg.ordered, nil)
			copy(reg.ordered[i+1:], reg.ordered[i:])
			reg.ordered[i] = rec
			return
		}
	}
	reg.ordered = append(reg.ordered, rec)
}

// CacheStats returns the hit/miss counters and the cacheHitRatio
// formula: 100.0 - (cacheMiss/cacheHit)*100.0 — numerically ill-defined
// at startup (division by zero) and able to exceed 100%, by design; do
// not "fix" this, since it changes observable behavior.
func (reg *Registry) CacheStats() (hit, miss uint64, ratio float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	hit, miss = reg.cacheHit, reg.cacheMiss
	ratio = 100.0 - (float64(miss)/float64(hit))*100.0
	return hit, miss, ratio
}

// Len returns the number of tracked flow records.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.ordered)
}

// Each calls fn for every tracked record, in ascending dst-key order,
// under the registry lock.
func (reg *Registry) Each(fn func(r *flowrecord.Record)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		fn(r)
	}
}

// StatsReset resets every record's protocol stats and IAT state.
func (reg *Registry) StatsReset() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		r.ResetStats()
	}
}

// SelectFirst clears SELECTED on all records and sets it on the first
// non-hidden record, if any.
func (reg *Registry) SelectFirst() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.clearSelectionLocked()
	for _, r := range reg.ordered {
		if !r.StateGet(flowrecord.Hidden) {
			r.StateSet(flowrecord.Selected)
			return
		}
	}
}

// SelectNext advances SELECTED to the next non-hidden record after the
// current selection, without wrapping. If the current selection is
// already the last non-hidden record, it remains selected.
func (reg *Registry) SelectNext() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	idx := reg.selectedIndexLocked()
	if idx < 0 {
		return
	}
	for i := idx + 1; i < len(reg.ordered); i++ {
		if !reg.ordered[i].StateGet(flowrecord.Hidden) {
			reg.ordered[idx].StateClr(flowrecord.Selected)
			reg.ordered[i].StateSet(flowrecord.Selected)
			return
		}
	}
}

// SelectPrev retreats SELECTED to the previous non-hidden record
// before the current selection, without wrapping.
func (reg *Registry) SelectPrev() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	idx := reg.selectedIndexLocked()
	if idx < 0 {
		return
	}
	for i := idx - 1; i >= 0; i-- {
		if !reg.ordered[i].StateGet(flowrecord.Hidden) {
			reg.ordered[idx].StateClr(flowrecord.Selected)
			reg.ordered[i].StateSet(flowrecord.Selected)
			return
		}
	}
}

// SelectAll sets SELECTED on every record.
func (reg *Registry) SelectAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		r.StateSet(flowrecord.Selected)
	}
}

// SelectNone clears SELECTED on every record.
func (reg *Registry) SelectNone() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.clearSelectionLocked()
}

func (reg *Registry) clearSelectionLocked() {
	for _, r := range reg.ordered {
		r.StateClr(flowrecord.Selected)
	}
}

func (reg *Registry) selectedIndexLocked() int {
	for i, r := range reg.ordered {
		if r.StateGet(flowrecord.Selected) {
			return i
		}
	}
	return -1
}

// SelectHide sets HIDDEN on every SELECTED record except those
// currently PCAP_RECORDING.
func (reg *Registry) SelectHide() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		if r.StateGet(flowrecord.Selected) && !r.StateGet(flowrecord.PCAPRecording) {
			r.StateSet(flowrecord.Hidden)
		}
	}
}

// UnhideAll clears HIDDEN on every record.
func (reg *Registry) UnhideAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		r.StateClr(flowrecord.Hidden)
	}
}

// SelectRecordToggle flips the pcap-recording intent of every SELECTED
// record: already-recording (or about-to-start) records are asked to
// stop; everything else is asked to start. The pcap-recorder
// collaborator transitions START->RECORDING and STOP->cleared
// asynchronously.
func (reg *Registry) SelectRecordToggle() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		if !r.StateGet(flowrecord.Selected) {
			continue
		}
		if r.StateGet(flowrecord.PCAPRecording) || r.StateGet(flowrecord.PCAPRecordStart) {
			r.StateSet(flowrecord.PCAPRecordStop)
		} else {
			r.StateSet(flowrecord.PCAPRecordStart)
		}
	}
}

// RecordAbort requests stop for every record currently recording or
// about to start recording, regardless of selection.
func (reg *Registry) RecordAbort() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		if r.StateGet(flowrecord.PCAPRecording) || r.StateGet(flowrecord.PCAPRecordStart) {
			r.StateSet(flowrecord.PCAPRecordStop)
		}
	}
}

// SelectShowPIDsToggle flips SHOW_PIDS on every SELECTED record.
func (reg *Registry) SelectShowPIDsToggle() { reg.toggleOnSelected(flowrecord.ShowPIDs) }

// SelectShowTR101290Toggle flips SHOW_TR101290 on every SELECTED record.
func (reg *Registry) SelectShowTR101290Toggle() { reg.toggleOnSelected(flowrecord.ShowTR101290) }

// SelectShowIATsToggle flips SHOW_IAT_HISTOGRAM on every SELECTED record.
func (reg *Registry) SelectShowIATsToggle() { reg.toggleOnSelected(flowrecord.ShowIATHistogram) }

// SelectShowStreamModelToggle flips SHOW_STREAMMODEL on every SELECTED record.
func (reg *Registry) SelectShowStreamModelToggle() {
	reg.toggleOnSelected(flowrecord.ShowStreamModel)
}

func (reg *Registry) toggleOnSelected(flag flowrecord.StateFlags) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		if !r.StateGet(flowrecord.Selected) {
			continue
		}
		if r.StateGet(flag) {
			r.StateClr(flag)
		} else {
			r.StateSet(flag)
		}
	}
}

// FreeAll drains the registry, closing every record's owned resources.
func (reg *Registry) FreeAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.ordered {
		r.Close()
	}
	reg.ordered = nil
	reg.index = hashindex.New[*flowrecord.Record]()
}
