// Package histogram implements a bounded millisecond-resolution bucket
// histogram geared towards video use cases, where observations span
// 0-N ms and the finest granularity is 1ms. This intentionally trades a
// large amount of RAM for fast, allocation-free bucket updates on the
// hot path.
//
// Two measurement modes are supported:
//
//	Interval mode measures elapsed time between successive calls to
//	Update, useful for frame/packet arrival timing.
//
//	Cumulative mode aggregates several short measurements (Begin/End
//	pairs) into one observation, useful for summing sub-task durations
//	within a larger period (e.g. slice compression time within a GOP).
package histogram

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Sentinel errors for allocation and observation failures, per the error
// kind table: neither case panics. Alloc returns ErrInvalidRange or
// ErrNullName; Update returns ErrOutOfRange. CumulativeFinalize counts an
// out-of-range total as a bucket miss without returning an error.
var (
	ErrInvalidRange = errors.New("histogram: invalid bucket range")
	ErrNullName     = errors.New("histogram: name is required")
	ErrOutOfRange   = errors.New("histogram: observation out of range")
)

const maxNameLen = 127

// bucket holds the count and last-update wallclock for one millisecond
// value. Count is atomic so the capture thread (writer) and a stats/UI
// thread (reader) never observe a torn 64-bit value without a lock.
type bucket struct {
	count      atomic.Uint64
	lastUpdate atomic.Int64 // UnixNano, 0 = never updated
}

// Histogram is a fixed-range, millisecond-bucket counter. The zero value
// is not usable; construct with Alloc or AllocVideoDefaults.
type Histogram struct {
	name    string
	minMs   int64
	maxMs   int64
	buckets []bucket

	bucketMissCount atomic.Uint64

	intervalLast atomic.Int64 // UnixNano

	cumulativeMs   atomic.Int64
	cumulativeLast atomic.Int64 // UnixNano

	// SuppressFirst, when true, discards the first Update() observation
	// after allocation or Reset instead of recording it as a (typically
	// spurious, time-since-construction) bucket hit. Defaults to false,
	// preserving the original tool's observable behavior; this is
	// opt-in, not the default.
	SuppressFirst bool
	firstSeen     atomic.Bool
}

// Alloc allocates a new Histogram spanning the half-open range
// [minMs, maxMs), one bucket per integer millisecond. name is truncated
// to 127 bytes.
func Alloc(name string, minMs, maxMs int64) (*Histogram, error) {
	if name == "" {
		return nil, ErrNullName
	}
	if minMs == maxMs || maxMs < minMs || maxMs == 0 {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, minMs, maxMs)
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	n := maxMs - minMs
	h := &Histogram{
		name:    name,
		minMs:   minMs,
		maxMs:   maxMs,
		buckets: make([]bucket, n),
	}
	h.intervalLast.Store(time.Now().UnixNano())
	return h, nil
}

// AllocVideoDefaults allocates a Histogram with the default video preset
// range [0, 16000), i.e. 16,000 one-millisecond buckets.
func AllocVideoDefaults(name string) (*Histogram, error) {
	return Alloc(name, 0, 16000)
}

// Name returns the histogram's (possibly truncated) name.
func (h *Histogram) Name() string { return h.name }

// Range returns the configured [minMs, maxMs) bounds.
func (h *Histogram) Range() (minMs, maxMs int64) { return h.minMs, h.maxMs }

// BucketCount returns the number of buckets, maxMs - minMs.
func (h *Histogram) BucketCount() int { return len(h.buckets) }

// BucketMissCount returns the number of observations that fell outside
// [minMs, maxMs).
func (h *Histogram) BucketMissCount() uint64 { return h.bucketMissCount.Load() }

// bucketAt returns the bucket for an in-range millisecond value. Callers
// must have already validated ms is within [minMs, maxMs).
func (h *Histogram) bucketAt(ms int64) *bucket {
	return &h.buckets[ms-h.minMs]
}

// clampNonNegative implements the histogram's normalized-subtraction rule:
// negative intervals (clock skew, or a caller racing itself) are treated
// as zero for histogram purposes rather than propagated as negative
// bucket indices.
func clampNonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// record applies the in-range/out-of-range classification shared by
// Update and CumulativeFinalize.
func (h *Histogram) record(diffMs int64, now time.Time) {
	if diffMs < h.minMs || diffMs >= h.maxMs {
		h.bucketMissCount.Add(1)
		return
	}
	b := h.bucketAt(diffMs)
	b.count.Add(1)
	b.lastUpdate.Store(now.UnixNano())
}

// Update records the elapsed time since the previous call to Update (or
// since allocation/Reset, for the first call) as a single observation.
// It returns the observed millisecond delta, or ErrOutOfRange if the
// delta fell outside the configured bucket range (bucketMissCount is
// still incremented in that case).
//
// The very first call after allocation or Reset reports the time since
// that allocation/Reset, not an observation of an external phenomenon;
// callers may discard that first return value, or set SuppressFirst to
// have it discarded automatically.
func (h *Histogram) Update() (int64, error) {
	now := time.Now()
	prev := h.intervalLast.Swap(now.UnixNano())
	d := clampNonNegative(now.Sub(time.Unix(0, prev)))
	diffMs := d.Milliseconds()

	if h.SuppressFirst && !h.firstSeen.Swap(true) {
		return diffMs, nil
	}

	if diffMs < h.minMs || diffMs >= h.maxMs {
		h.bucketMissCount.Add(1)
		return diffMs, ErrOutOfRange
	}
	h.record(diffMs, now)
	return diffMs, nil
}

// CumulativeInitialize resets the cumulative accumulator to zero. Call
// this before each new aggregate measurement window.
func (h *Histogram) CumulativeInitialize() {
	h.cumulativeMs.Store(0)
}

// CumulativeBegin marks the start of one sub-measurement within the
// current cumulative window.
func (h *Histogram) CumulativeBegin() {
	h.cumulativeLast.Store(time.Now().UnixNano())
}

// CumulativeEnd closes the sub-measurement started by CumulativeBegin,
// adds its duration (in ms) to the running cumulative total, and
// returns that duration.
func (h *Histogram) CumulativeEnd() int64 {
	now := time.Now()
	prev := h.cumulativeLast.Load()
	d := clampNonNegative(now.Sub(time.Unix(0, prev)))
	ms := d.Milliseconds()
	h.cumulativeMs.Add(ms)
	return ms
}

// CumulativeFinalize treats the accumulated cumulativeMs total as a
// single observation, applies the same in-range/out-of-range bucket
// logic as Update, and returns the total. Callers must call
// CumulativeInitialize before starting the next window.
func (h *Histogram) CumulativeFinalize() int64 {
	total := h.cumulativeMs.Load()
	h.record(total, time.Now())
	return total
}

// Reset zeros all bucket counts and last-update times, zeros
// bucketMissCount and the cumulative accumulator, and re-seeds
// intervalLast to now.
func (h *Histogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].count.Store(0)
		h.buckets[i].lastUpdate.Store(0)
	}
	h.bucketMissCount.Store(0)
	h.cumulativeMs.Store(0)
	h.intervalLast.Store(time.Now().UnixNano())
	h.firstSeen.Store(false)
}

// Sum returns the total count across all buckets (for testing invariant
// 1: sum(bucket.count) + bucketMissCount == number of observations).
func (h *Histogram) Sum() uint64 {
	var total uint64
	for i := range h.buckets {
		total += h.buckets[i].count.Load()
	}
	return total
}

// BucketValue returns the count for the bucket at the given millisecond
// value. It returns 0 if ms is outside [minMs, maxMs).
func (h *Histogram) BucketValue(ms int64) uint64 {
	if ms < h.minMs || ms >= h.maxMs {
		return 0
	}
	return h.bucketAt(ms).count.Load()
}

// Print renders one line per non-empty bucket (ms, count, last-update
// time), a miss-count summary line if nonzero, and a final summary line.
// Exact column layout is not a compatibility contract.
func (h *Histogram) Print(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Histogram '%s' (ms, count, last update time)\n", h.name); err != nil {
		return err
	}

	var distinct, measurements uint64
	for i := range h.buckets {
		cnt := h.buckets[i].count.Load()
		if cnt == 0 {
			continue
		}
		last := h.buckets[i].lastUpdate.Load()
		lt := time.Unix(0, last)
		if _, err := fmt.Fprintf(w, "-> %5d %8d  %s (%d.%06d)\n",
			h.minMs+int64(i), cnt, lt.Format(time.ANSIC), lt.Unix(), lt.Nanosecond()/1000); err != nil {
			return err
		}
		distinct++
		measurements += cnt
	}

	if miss := h.bucketMissCount.Load(); miss != 0 {
		if _, err := fmt.Fprintf(w, "%d out-of-range bucket misses\n", miss); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "%d distinct buckets with %d total measurements, range: %d -> %d ms\n",
		distinct, measurements, h.minMs, h.maxMs)
	return err
}
