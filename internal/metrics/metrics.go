// Package metrics exposes the registry's per-flow and registry-wide
// counters as Prometheus metrics via a custom Collector, following the
// Describe/Collect pull pattern the runZeroInc sockstats exporter uses
// for per-connection TCP_INFO metrics — here scoped to per-flow
// bitrate, CC/TEI error, and IAT jitter gauges, plus registry-wide
// cache hit/miss counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediaflow/nicmon/internal/flowrecord"
	"github.com/mediaflow/nicmon/internal/registry"
)

// Collector adapts a *registry.Registry to prometheus.Collector.
type Collector struct {
	reg *registry.Registry

	flowBps        *prometheus.Desc
	flowCCErrors   *prometheus.Desc
	flowTEIErrors  *prometheus.Desc
	flowIATJitter  *prometheus.Desc
	cacheHitTotal  *prometheus.Desc
	cacheMissTotal *prometheus.Desc
	cacheHitRatio  *prometheus.Desc
}

// NewCollector wraps reg for scraping under the nicmon_ namespace.
func NewCollector(reg *registry.Registry) *Collector {
	flowLabels := []string{"src", "dst"}
	return &Collector{
		reg: reg,
		flowBps: prometheus.NewDesc(
			"nicmon_flow_bps", "Current bitrate of a tracked flow, in bits/second.", flowLabels, nil),
		flowCCErrors: prometheus.NewDesc(
			"nicmon_flow_cc_errors_total", "Cumulative MPEG-TS continuity-counter errors for a tracked flow.", flowLabels, nil),
		flowTEIErrors: prometheus.NewDesc(
			"nicmon_flow_tei_errors_total", "Cumulative Transport Error Indicator count for a tracked flow.", flowLabels, nil),
		flowIATJitter: prometheus.NewDesc(
			"nicmon_flow_iat_jitter_us", "Inter-arrival-time high-watermark minus low-watermark, in microseconds.", flowLabels, nil),
		cacheHitTotal: prometheus.NewDesc(
			"nicmon_cache_hit_total", "Registry find-or-create calls that matched an existing flow.", nil, nil),
		cacheMissTotal: prometheus.NewDesc(
			"nicmon_cache_miss_total", "Registry find-or-create calls that allocated a new flow.", nil, nil),
		cacheHitRatio: prometheus.NewDesc(
			"nicmon_cache_hit_ratio", "Registry cacheHitRatio as defined by 100 - (miss/hit)*100; can be NaN or exceed 100.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.flowBps
	ch <- c.flowCCErrors
	ch <- c.flowTEIErrors
	ch <- c.flowIATJitter
	ch <- c.cacheHitTotal
	ch <- c.cacheMissTotal
	ch <- c.cacheHitRatio
}

// Collect implements prometheus.Collector, taking the registry lock
// once (via Each) to produce a consistent snapshot of every flow.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.reg.Each(func(r *flowrecord.Record) {
		labels := []string{r.SrcAddr, r.DstAddr}

		var bps, ccErrors, teiErrors float64
		if r.Stats != nil {
			bps = float64(r.Stats.GetBps())
			ccErrors = float64(r.Stats.CCErrors())
		}
		if teier, ok := r.Stats.(interface{ TEIErrors() uint64 }); ok {
			teiErrors = float64(teier.TEIErrors())
		}

		ch <- prometheus.MustNewConstMetric(c.flowBps, prometheus.GaugeValue, bps, labels...)
		ch <- prometheus.MustNewConstMetric(c.flowCCErrors, prometheus.CounterValue, ccErrors, labels...)
		ch <- prometheus.MustNewConstMetric(c.flowTEIErrors, prometheus.CounterValue, teiErrors, labels...)

		lwm, _, hwm := r.IATMicros()
		jitter := float64(0)
		if hwm >= 0 {
			jitter = float64(hwm - lwm)
		}
		ch <- prometheus.MustNewConstMetric(c.flowIATJitter, prometheus.GaugeValue, jitter, labels...)
	})

	hit, miss, ratio := c.reg.CacheStats()
	ch <- prometheus.MustNewConstMetric(c.cacheHitTotal, prometheus.CounterValue, float64(hit))
	ch <- prometheus.MustNewConstMetric(c.cacheMissTotal, prometheus.CounterValue, float64(miss))
	ch <- prometheus.MustNewConstMetric(c.cacheHitRatio, prometheus.GaugeValue, ratio)
}
