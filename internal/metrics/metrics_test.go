package metrics

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediaflow/nicmon/internal/headers"
	"github.com/mediaflow/nicmon/internal/pidstats"
	"github.com/mediaflow/nicmon/internal/registry"
	"github.com/mediaflow/nicmon/internal/tspacket"
)

func TestCollectorDescribeEmitsAllDescs(t *testing.T) {
	t.Parallel()

	reg := registry.New("eth0", false, nil)
	c := NewCollector(reg)

	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	var count int
	for range ch {
		count++
	}
	if count != 7 {
		t.Fatalf("Describe emitted %d descs, want 7", count)
	}
}

func TestCollectorCollectEmitsPerFlowAndRegistryMetrics(t *testing.T) {
	t.Parallel()

	reg := registry.New("eth0", false, nil)
	snapshot := headers.Snapshot{
		IP:  headers.IP{SrcIP: net.IPv4(10, 0, 0, 5), DstIP: net.IPv4(10, 0, 0, 1)},
		UDP: headers.UDP{SrcPort: 6000, DstPort: 4000},
	}
	r := reg.FindOrCreate(snapshot, time.Now())
	ps := pidstats.New()
	ps.Observe(&tspacket.Packet{Header: tspacket.Header{PID: 0x100, HasPayload: true}}, 188)
	r.Stats = ps

	c := NewCollector(reg)
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	var count int
	for range ch {
		count++
	}
	// 4 per-flow metrics + 3 registry-wide metrics for a single tracked flow.
	if count != 7 {
		t.Fatalf("Collect emitted %d metrics, want 7", count)
	}
}
