// Package fileoutput renders and appends the per-flow summary and
// detailed-summary lines the registry's file-emission cycle writes to
// disk, matching the CSV-ish line format and sudo-ownership-transfer
// behavior of the original discovered_item_file_summary/
// discovered_item_detailed_file_summary.
package fileoutput

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mediaflow/nicmon/internal/flowrecord"
	"github.com/mediaflow/nicmon/internal/pidstats"
)

const timestampLayout = "20060102-150405"

// SummaryLine renders one CSV-ish summary line for r, in the format:
//
//	time=YYYYMMDD-HHMMSS,nic=<ifname>,bps=<u32>,mbps=<f64.2>,tspacketcount=<u64>,ccerrors=<u64>[!],src=<a.b.c.d:port>,dst=<a.b.c.d:port>,dropped=<ps_drop>/<ps_ifdrop>
//
// The "!" suffix on ccerrors appears when the CC-error count changed
// since r's last StatsToFile snapshot. psDrop/psIfDrop are the
// capture collaborator's drop counters (0 when the active capturer
// doesn't expose them, e.g. the UDP-socket capturer).
func SummaryLine(ifname string, r *flowrecord.Record, now time.Time, psDrop, psIfDrop uint32) string {
	var bps uint32
	var mbps float64
	var packetCount, ccErrors uint64
	if r.Stats != nil {
		bps = r.Stats.GetBps()
		mbps = r.Stats.GetMbps()
		packetCount = r.Stats.PacketCount()
		ccErrors = r.Stats.CCErrors()
	}

	changed := ""
	if ccErrors != r.StatsToFile.CCErrors {
		changed = "!"
	}

	return fmt.Sprintf(
		"time=%s,nic=%s,bps=%d,mbps=%.2f,tspacketcount=%d,ccerrors=%d%s,src=%s,dst=%s,dropped=%d/%d\n",
		now.Format(timestampLayout), ifname, bps, mbps, packetCount, ccErrors, changed,
		r.SrcAddr, r.DstAddr, psDrop, psIfDrop,
	)
}

// DetailedBody renders the per-flow mbps/stream header, the per-PID
// table, and the IAT histogram appended to the "detailed" file variant
// and emitted verbatim by the console variant — both reuse the same
// rendering discovered_item_fd_summary provides in the original tool.
// The PID table is empty unless r.Stats is a *pidstats.Stats (only
// UDP_TS/RTP_TS flows carry one).
func DetailedBody(r *flowrecord.Record) string {
	var mbps float64
	if r.Stats != nil {
		mbps = r.Stats.GetMbps()
	}

	out := fmt.Sprintf("   PID   PID     PacketCount     CCErrors    TEIErrors @ %6.2f : %s -> %s (%s)\n",
		mbps, r.SrcAddr, r.DstAddr, r.PayloadType)
	out += "<---------------------------  ----------- ------------ ---Mb/ps------------------------------------------------>\n"

	if ps, ok := r.Stats.(*pidstats.Stats); ok {
		ps.EachEnabledPID(func(pid uint16, row *pidstats.PerPID) {
			out += fmt.Sprintf("0x%04x (%4d) %14d %12d %12d\n",
				pid, pid, row.PacketCount.Load(), row.CCErrors.Load(), row.TEIErrors.Load())
		})
	}

	if r.PacketIntervals != nil {
		var b fileBuffer
		if err := r.PacketIntervals.Print(&b); err == nil {
			out += b.String()
		}
	}
	out += "\n"

	return out
}

// ConsoleSummary renders the console_summary bulk operation's output
// for r: the same mbps/stream header, PID table, and IAT histogram as
// DetailedBody, with no CSV summary line and no statsToFile snapshot —
// console_summary is a read-only display operation, distinct from the
// file variants that also update r.StatsToFile.
func ConsoleSummary(r *flowrecord.Record) string {
	return DetailedBody(r)
}

// fileBuffer is a minimal io.Writer sink, avoiding a bytes.Buffer
// import for what is otherwise a one-line need.
type fileBuffer struct {
	data []byte
}

func (b *fileBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *fileBuffer) String() string { return string(b.data) }

// AppendLine opens path for create|append|read-write with mode 0644
// (creating parent-relative files as needed by the caller), transfers
// ownership to SUDO_UID/SUDO_GID when running as root via sudo, writes
// line, and closes the file. Open or write failures are returned for
// the caller to log under a FileOpenFailed policy; a chown failure is
// printed to stderr, is not returned, and does not prevent the write.
func AppendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("fileoutput: open %s: %w", path, err)
	}
	defer f.Close()

	chownToSudoOwner(f, path)

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("fileoutput: write %s: %w", path, err)
	}
	return nil
}

// chownToSudoOwner transfers ownership of f to SUDO_UID/SUDO_GID when
// the process is running as root via sudo. Failures are non-fatal: the
// file is still usable under its original ownership.
func chownToSudoOwner(f *os.File, path string) {
	if os.Getuid() != 0 {
		return
	}
	sudoUID, uidOK := os.LookupEnv("SUDO_UID")
	sudoGID, gidOK := os.LookupEnv("SUDO_GID")
	if !uidOK || !gidOK {
		return
	}

	uid, err := strconv.Atoi(sudoUID)
	if err != nil {
		return
	}
	gid, err := strconv.Atoi(sudoGID)
	if err != nil {
		return
	}

	if err := f.Chown(uid, gid); err != nil {
		fmt.Fprintf(os.Stderr, "fileoutput: chown %s to uid %d gid %d: %v, ignoring\n", path, uid, gid, err)
	}
}
