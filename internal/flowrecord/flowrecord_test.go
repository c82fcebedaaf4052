package flowrecord

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/mediaflow/nicmon/internal/headers"
)

func testSnapshot() headers.Snapshot {
	return headers.Snapshot{
		IP: headers.IP{
			SrcIP: net.IPv4(10, 0, 0, 1),
			DstIP: net.IPv4(10, 0, 0, 2),
		},
		UDP: headers.UDP{SrcPort: 5000, DstPort: 4000},
		Eth: headers.Ethernet{EtherType: layers.EthernetTypeIPv4},
	}
}

func TestNewInitializesWatermarks(t *testing.T) {
	t.Parallel()

	r := New(testSnapshot(), time.Now(), nil)
	lwm, cur, hwm := r.IATMicros()
	if lwm != iatLwmInitUs {
		t.Errorf("lwm = %d, want %d", lwm, iatLwmInitUs)
	}
	if hwm != iatHwmInitUs {
		t.Errorf("hwm = %d, want %d", hwm, iatHwmInitUs)
	}
	if cur != 0 {
		t.Errorf("cur = %d, want 0", cur)
	}
	if r.SrcAddr != "10.0.0.1:5000" {
		t.Errorf("SrcAddr = %q, want 10.0.0.1:5000", r.SrcAddr)
	}
	if r.DstAddr != "10.0.0.2:4000" {
		t.Errorf("DstAddr = %q, want 10.0.0.2:4000", r.DstAddr)
	}
}

func TestObserveArrivalUpdatesWatermarksMonotonically(t *testing.T) {
	t.Parallel()

	r := New(testSnapshot(), time.Now(), nil)
	base := time.Now()

	r.ObserveArrival(base)
	r.ObserveArrival(base.Add(10 * time.Millisecond))
	r.ObserveArrival(base.Add(15 * time.Millisecond)) // 5ms gap, smaller
	r.ObserveArrival(base.Add(45 * time.Millisecond)) // 30ms gap, larger

	lwm, cur, hwm := r.IATMicros()
	if lwm > hwm {
		t.Fatalf("invariant violated: lwm=%d cur=%d hwm=%d", lwm, cur, hwm)
	}
	if lwm >= iatLwmInitUs {
		t.Errorf("lwm = %d, want it to have dropped below the sentinel %d", lwm, iatLwmInitUs)
	}
	if hwm <= 0 {
		t.Errorf("hwm = %d, want a positive observed gap", hwm)
	}
}

func TestObserveArrivalClampsNegativeGap(t *testing.T) {
	t.Parallel()

	r := New(testSnapshot(), time.Now(), nil)
	base := time.Now()

	r.ObserveArrival(base)
	r.ObserveArrival(base.Add(-5 * time.Millisecond)) // out-of-order arrival

	_, cur, _ := r.IATMicros()
	if cur != 0 {
		t.Errorf("cur = %d, want 0 for a negative gap clamped to zero", cur)
	}
}

func TestStateSetClrGet(t *testing.T) {
	t.Parallel()

	r := New(testSnapshot(), time.Now(), nil)

	if r.StateGet(Selected) {
		t.Fatal("Selected set before StateSet")
	}
	r.StateSet(Selected | Hidden)
	if !r.StateGet(Selected) || !r.StateGet(Hidden) {
		t.Fatal("StateSet did not set both flags")
	}
	r.StateClr(Hidden)
	if r.StateGet(Hidden) {
		t.Fatal("StateClr did not clear Hidden")
	}
	if !r.StateGet(Selected) {
		t.Fatal("StateClr(Hidden) unexpectedly cleared Selected")
	}
}

func TestResetStatsRestoresSentinels(t *testing.T) {
	t.Parallel()

	r := New(testSnapshot(), time.Now(), nil)
	base := time.Now()
	r.ObserveArrival(base)
	r.ObserveArrival(base.Add(20 * time.Millisecond))

	r.ResetStats()

	lwm, cur, hwm := r.IATMicros()
	if lwm != iatLwmInitUs || hwm != iatHwmInitUs || cur != 0 {
		t.Fatalf("watermarks after ResetStats = (%d,%d,%d), want (%d,0,%d)",
			lwm, cur, hwm, iatLwmInitUs, iatHwmInitUs)
	}
}

func TestPayloadTypeString(t *testing.T) {
	t.Parallel()

	cases := map[PayloadType]string{
		Unknown:           "UNKNOWN",
		UDPTS:             "UDP_TS",
		RTPTS:             "RTP_TS",
		SMPTE2110_20Video: "SMPTE2110_20_VIDEO",
		A324CTP:           "A324_CTP",
	}
	for pt, want := range cases {
		if got := pt.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(pt), got, want)
		}
	}
}

func TestCloseReleasesAnalyzerHandles(t *testing.T) {
	t.Parallel()

	r := New(testSnapshot(), time.Now(), nil)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.PacketIntervals != nil || r.StreamModel != nil || r.LatencyProbe != nil {
		t.Fatal("Close did not release analyzer handles")
	}
}
