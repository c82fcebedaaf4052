package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mediaflow/nicmon/internal/bytestreamstats"
	"github.com/mediaflow/nicmon/internal/capture"
	"github.com/mediaflow/nicmon/internal/ctpstats"
	"github.com/mediaflow/nicmon/internal/fileoutput"
	"github.com/mediaflow/nicmon/internal/flowrecord"
	"github.com/mediaflow/nicmon/internal/flowstats"
	"github.com/mediaflow/nicmon/internal/metrics"
	"github.com/mediaflow/nicmon/internal/pidstats"
	"github.com/mediaflow/nicmon/internal/registry"
	"github.com/mediaflow/nicmon/internal/tspacket"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ifname := envOr("IFNAME", "eth0")
	listenAddr := envOr("LISTEN_ADDR", ":4000")
	filePrefix := envOr("FILE_PREFIX", "")
	detailedFilePrefix := envOr("DETAILED_FILE_PREFIX", "")
	pcapPrefix := envOr("PCAP_PREFIX", "/tmp/nicmon-")
	metricsAddr := envOr("METRICS_ADDR", ":9201")
	consoleSummary := envOr("CONSOLE_SUMMARY", "true") == "true"
	autoRecord := envOr("AUTO_RECORD", "false") == "true"
	summaryInterval := envDurationOr("SUMMARY_INTERVAL", 5*time.Second)

	slog.Info("nicmon starting",
		"version", version,
		"ifname", ifname,
		"listen", listenAddr,
		"metrics", metricsAddr,
		"auto_record", autoRecord,
		"console_summary", consoleSummary,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := registry.New(ifname, autoRecord, slog.Default())

	capturer, err := capture.NewUDPCapturer(listenAddr, 0)
	if err != nil {
		slog.Error("failed to start capturer", "error", err)
		os.Exit(1)
	}

	a := &app{
		reg:                reg,
		ifname:             ifname,
		filePrefix:         filePrefix,
		detailedFilePrefix: detailedFilePrefix,
		pcapPrefix:         pcapPrefix,
		consoleSummary:     consoleSummary,
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(reg))
	metricsSrv := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return capturer.Run(ctx, a.handleFrame)
	})

	g.Go(func() error {
		slog.Info("metrics server listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(summaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.emitSummaries()
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("nicmon error", "error", err)
	}

	capturer.Close()
	reg.FreeAll()
	slog.Info("nicmon stopped")
}

type app struct {
	reg                *registry.Registry
	ifname             string
	filePrefix         string
	detailedFilePrefix string
	pcapPrefix         string
	consoleSummary     bool
}

// handleFrame is the capture hot path: find-or-create takes the
// registry lock once, then every subsequent update (stats, histogram,
// analyzers) runs lock-free against the returned record.
func (a *app) handleFrame(f capture.Frame) {
	now := time.Now()
	r := a.reg.FindOrCreate(f.Snapshot, now)
	if r == nil {
		return // allocation failed; drop the packet
	}

	r.ObserveArrival(now)
	a.classifyAndObserve(r, f.Payload, now)
}

// classifyAndObserve attaches the appropriate protocol stats
// collaborator on first sight of a flow's payload shape, then feeds it
// the datagram.
func (a *app) classifyAndObserve(r *flowrecord.Record, payload []byte, now time.Time) {
	if r.Stats == nil {
		r.PayloadType, r.Stats = classify(payload)
	}

	switch st := r.Stats.(type) {
	case *pidstats.Stats:
		ts := payload
		if r.PayloadType == flowrecord.RTPTS && len(ts) > 12 {
			ts = ts[12:] // skip the fixed RTP header, as classify does
		}
		for off := 0; off+tspacket.PacketSize <= len(ts); off += tspacket.PacketSize {
			pkt, err := tspacket.Parse(ts[off : off+tspacket.PacketSize])
			if err != nil {
				continue
			}
			st.Observe(pkt, tspacket.PacketSize)
			if r.StreamModel != nil {
				r.StreamModel.Feed(pkt)
				if vpid := r.StreamModel.VideoPID(); vpid != 0 && r.LatencyProbe != nil {
					r.LatencyProbe.BindPID(vpid)
				}
			}
			if r.LatencyProbe != nil {
				r.LatencyProbe.Observe(pkt, now)
			}
		}
	case *ctpstats.Stats:
		st.Observe(len(payload))
	case *bytestreamstats.Stats:
		st.Observe(len(payload))
	}

	a.driveRecorder(r, now)

	if r.PCAPRecorder != nil && r.StateGet(flowrecord.PCAPRecording) {
		if err := r.PCAPRecorder.Write(r.Identity, payload, now); err != nil {
			slog.Warn("pcap write failed", "dst", r.DstAddr, "error", err)
		}
	}
}

// driveRecorder performs the pcap-recorder collaborator's asynchronous
// PCAP_RECORD_START → PCAP_RECORDING and PCAP_RECORD_STOP → cleared
// transitions the registry's select_record_toggle only requests.
func (a *app) driveRecorder(r *flowrecord.Record, now time.Time) {
	if r.PCAPRecorder == nil {
		return
	}
	if r.StateGet(flowrecord.PCAPRecordStart) {
		path := a.pcapPrefix + r.DstAddr + "-" + now.Format("20060102-150405") + ".pcap"
		if err := r.PCAPRecorder.Start(path); err != nil {
			slog.Warn("pcap start failed", "dst", r.DstAddr, "error", err)
		} else {
			r.StateSet(flowrecord.PCAPRecording)
		}
		r.StateClr(flowrecord.PCAPRecordStart)
	}
	if r.StateGet(flowrecord.PCAPRecordStop) {
		if err := r.PCAPRecorder.Stop(); err != nil {
			slog.Warn("pcap stop failed", "dst", r.DstAddr, "error", err)
		}
		r.StateClr(flowrecord.PCAPRecordStop | flowrecord.PCAPRecording)
	}
}

// classify determines a flow's payload type from its first datagram,
// as the registry's find_or_create caller is expected to do before
// handing payloads to a protocol analyzer (each payload type has its own
// stats collaborator contract).
func classify(payload []byte) (flowrecord.PayloadType, flowstats.Recorder) {
	if isMPEGTS(payload) {
		return flowrecord.UDPTS, pidstats.New()
	}
	if len(payload) > 12 && payload[0]&0xC0 == 0x80 && payload[1]&0x7F == 33 && isMPEGTS(payload[12:]) {
		return flowrecord.RTPTS, pidstats.New()
	}
	return flowrecord.UNK, bytestreamstats.New()
}

func isMPEGTS(payload []byte) bool {
	return len(payload) >= tspacket.PacketSize &&
		len(payload)%tspacket.PacketSize == 0 &&
		payload[0] == 0x47
}

// emitSummaries runs the registry's console_summary/file_summary/
// detailed_file_summary bulk operations: the console variant is a
// read-only display with no statsToFile snapshot, while the file
// variants snapshot CC-error counts afterward for the next cycle's
// change detection.
func (a *app) emitSummaries() {
	now := time.Now()
	a.reg.Each(func(r *flowrecord.Record) {
		if a.consoleSummary {
			fmt.Fprint(os.Stdout, fileoutput.ConsoleSummary(r))
		}
		if a.filePrefix != "" {
			path := a.filePrefix + r.DstAddr
			line := fileoutput.SummaryLine(a.ifname, r, now, 0, 0)
			if err := fileoutput.AppendLine(path, line); err != nil {
				slog.Warn("failed to write summary file", "path", path, "error", err)
			}
		}
		if a.detailedFilePrefix != "" {
			path := a.detailedFilePrefix + r.DstAddr
			line := fileoutput.SummaryLine(a.ifname, r, now, 0, 0) + fileoutput.DetailedBody(r)
			if err := fileoutput.AppendLine(path, line); err != nil {
				slog.Warn("failed to write detailed file", "path", path, "error", err)
			}
		}
		r.SnapshotStatsToFile()
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
