// Package streammodel reassembles PAT/PMT/PES data from a per-flow
// sequence of transport stream packets and tracks whether the video
// elementary stream is carrying active CEA-608/708 closed captions.
//
// It is a push-based adaptation of a pull-based (io.Reader-driven)
// demuxer: capture delivers packets one at a time off the wire, so Feed
// accepts a single tspacket.Packet instead of reading from a stream.
// The caption-activity detection scans Annex-B NAL units for SEI
// payloads, feeding github.com/zsiec/ccx's SEI extractor.
package streammodel

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/ccx"

	"github.com/mediaflow/nicmon/internal/tspacket"
)

const pidPAT = 0x0000

// Stream type codes from the PMT, as assigned by ISO/IEC 13818-1.
const (
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
)

// captionActiveFor is how long a detected caption frame keeps
// CaptionsActive true in the absence of further caption activity.
const captionActiveFor = 10 * time.Second

// nalTypeSEI is the H.264 NAL unit type carrying supplemental
// enhancement information, where CEA-608/708 caption data rides.
const nalTypeSEI = 6

// ProgramInfo summarizes one program discovered via PAT/PMT.
type ProgramInfo struct {
	ProgramNumber uint16
	PMTPID        uint16
	VideoPID      uint16
	VideoCodec    string
	AudioPIDs     []uint16
}

// Model reassembles PSI/PES data for a single flow and tracks caption
// activity. The zero value is not usable; construct with New.
type Model struct {
	mu sync.Mutex

	programMap *programMap
	pool       *packetPool

	programs map[uint16]*ProgramInfo // by ProgramNumber
	videoPID uint16                  // PID of the first video ES discovered, 0 if none

	lastCaption time.Time
}

// New creates an empty Model, ready to receive packets via Feed.
func New() *Model {
	pm := newProgramMap()
	return &Model{
		programMap: pm,
		pool:       newPacketPool(pm),
		programs:   make(map[uint16]*ProgramInfo),
	}
}

// Feed accounts for one transport stream packet, updating PAT/PMT/PES
// state and caption-activity tracking as sections and frames complete.
func (m *Model) Feed(pkt *tspacket.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flushed := m.pool.add(pkt)
	if flushed == nil {
		return
	}
	m.process(flushed)
}

func (m *Model) process(packets []*packet) {
	if len(packets) == 0 {
		return
	}
	firstPID := packets[0].pid

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.payload...)
	}
	if len(payload) == 0 {
		return
	}

	if isPSIPayload(firstPID, m.programMap) {
		m.processPSI(payload, firstPID)
		return
	}

	if isPESPayload(payload) {
		m.processPES(payload, firstPID)
	}
}

func (m *Model) processPSI(payload []byte, pid uint16) {
	sections, err := parsePSI(payload)
	if err != nil {
		return
	}
	for _, s := range sections {
		switch s.tableID {
		case tableIDPAT:
			pat, err := parsePATSection(s.data)
			if err != nil {
				continue
			}
			for _, prog := range pat.programs {
				m.programMap.addPMTPID(prog.pmtPID)
				if _, ok := m.programs[prog.programNumber]; !ok {
					m.programs[prog.programNumber] = &ProgramInfo{
						ProgramNumber: prog.programNumber,
						PMTPID:        prog.pmtPID,
					}
				}
			}
		case tableIDPMT:
			pmt, err := parsePMTSection(s.data)
			if err != nil {
				continue
			}
			m.applyPMT(pid, pmt)
		}
	}
}

func (m *Model) applyPMT(pmtPID uint16, pmt *pmtData) {
	var info *ProgramInfo
	for _, p := range m.programs {
		if p.PMTPID == pmtPID {
			info = p
			break
		}
	}
	if info == nil {
		info = &ProgramInfo{PMTPID: pmtPID}
		m.programs[pmtPID] = info
	}

	info.AudioPIDs = info.AudioPIDs[:0]
	for _, es := range pmt.elementaryStreams {
		switch es.streamType {
		case streamTypeH264:
			info.VideoPID = es.elementaryPID
			info.VideoCodec = "h264"
			if m.videoPID == 0 {
				m.videoPID = es.elementaryPID
			}
		case streamTypeH265:
			info.VideoPID = es.elementaryPID
			info.VideoCodec = "h265"
			if m.videoPID == 0 {
				m.videoPID = es.elementaryPID
			}
		default:
			info.AudioPIDs = append(info.AudioPIDs, es.elementaryPID)
		}
	}
}

func (m *Model) processPES(payload []byte, pid uint16) {
	if pid != m.videoPID || m.videoPID == 0 {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		return
	}
	m.scanForCaptions(pes.data)
}

// scanForCaptions walks the Annex-B NAL units in an H.264 access unit
// looking for SEI messages carrying CEA-608/708 caption payloads.
func (m *Model) scanForCaptions(data []byte) {
	for _, nalu := range parseAnnexB(data) {
		if nalu.naluType != nalTypeSEI {
			continue
		}
		cd := ccx.ExtractCaptions(nalu.data)
		if cd == nil {
			continue
		}
		if len(cd.CC608Pairs) > 0 {
			m.lastCaption = timeNow()
		}
	}
}

// timeNow is a seam so tests can avoid depending on wall-clock flakiness.
var timeNow = time.Now

// CaptionsActive reports whether a CEA-608/708 caption payload was
// observed within the last captionActiveFor window.
func (m *Model) CaptionsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCaption.IsZero() {
		return false
	}
	return timeNow().Sub(m.lastCaption) < captionActiveFor
}

// VideoPID returns the PID of the first video elementary stream
// discovered via PMT, or 0 if none has been seen yet.
func (m *Model) VideoPID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoPID
}

// Programs returns a snapshot of all discovered programs, ordered by
// program number.
func (m *Model) Programs() []ProgramInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProgramInfo, 0, len(m.programs))
	for _, p := range m.programs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProgramNumber < out[j].ProgramNumber })
	return out
}

// --- minimal PAT/PMT/PES/PSI parsing ---

type programMap struct {
	m map[uint16]bool
}

func newProgramMap() *programMap { return &programMap{m: make(map[uint16]bool)} }

func (pm *programMap) addPMTPID(pid uint16)   { pm.m[pid] = true }
func (pm *programMap) isPMTPID(pid uint16) bool { return pm.m[pid] }

func isPSIPayload(pid uint16, pm *programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

type packet struct {
	pid     uint16
	payload []byte
	startsUnit bool
	cc      uint8
	discontinuity bool
	transportError bool
	hasPayload bool
}

type packetAccumulator struct {
	pid        uint16
	packets    []*packet
	programMap *programMap
}

func newPacketAccumulator(pid uint16, pm *programMap) *packetAccumulator {
	return &packetAccumulator{pid: pid, programMap: pm}
}

func (pa *packetAccumulator) add(p *packet) []*packet {
	if p.transportError {
		pa.packets = nil
		return nil
	}
	if !p.hasPayload {
		return nil
	}

	if len(pa.packets) > 0 && !p.discontinuity {
		prev := pa.packets[len(pa.packets)-1].cc
		expected := (prev + 1) & 0x0F
		if p.cc != expected {
			if p.cc == prev {
				return nil
			}
			pa.packets = nil
		}
	}

	var flushed []*packet
	if p.startsUnit && len(pa.packets) > 0 {
		flushed = pa.packets
		pa.packets = nil
	}
	pa.packets = append(pa.packets, p)

	if flushed == nil && pa.isPSI() && isPSIComplete(pa.packets) {
		flushed = pa.packets
		pa.packets = nil
	}
	return flushed
}

func (pa *packetAccumulator) isPSI() bool {
	return pa.pid == pidPAT || pa.programMap.isPMTPID(pa.pid)
}

func isPSIComplete(packets []*packet) bool {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.payload...)
	}
	if len(payload) < 1 {
		return false
	}
	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

type packetPool struct {
	accs       map[uint16]*packetAccumulator
	programMap *programMap
}

func newPacketPool(pm *programMap) *packetPool {
	return &packetPool{accs: make(map[uint16]*packetAccumulator), programMap: pm}
}

func (pp *packetPool) add(p *tspacket.Packet) []*packet {
	pid := p.Header.PID
	acc, ok := pp.accs[pid]
	if !ok {
		acc = newPacketAccumulator(pid, pp.programMap)
		pp.accs[pid] = acc
	}
	return acc.add(&packet{
		pid:            pid,
		payload:        p.Payload,
		startsUnit:     p.Header.PayloadUnitStartIndicator,
		cc:             p.Header.ContinuityCounter,
		discontinuity:  p.Header.DiscontinuityIndicator,
		transportError: p.Header.TransportErrorIndicator,
		hasPayload:     p.Header.HasPayload,
	})
}

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

type psiSection struct {
	tableID byte
	data    []byte
}

func parsePSI(payload []byte) ([]psiSection, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("streammodel: PSI payload too short")
	}
	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return nil, fmt.Errorf("streammodel: PSI pointer field out of range")
	}

	var sections []psiSection
	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break
		}
		if offset+3 > len(payload) {
			break
		}
		if payload[offset+1]&0x80 == 0 {
			break
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		sections = append(sections, psiSection{tableID: tableID, data: payload[offset:sectionEnd]})
		offset = sectionEnd
	}
	return sections, nil
}

type patProgram struct {
	programNumber uint16
	pmtPID        uint16
}

type patData struct {
	programs []patProgram
}

func parsePATSection(data []byte) (*patData, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("streammodel: PAT too short")
	}
	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	entryStart := 8
	entryEnd := 3 + sectionLength - 4
	if entryEnd > len(data)-4 {
		entryEnd = len(data) - 4
	}

	pat := &patData{}
	for i := entryStart; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if programNumber == 0 {
			continue
		}
		pat.programs = append(pat.programs, patProgram{programNumber: programNumber, pmtPID: pmtPID})
	}
	return pat, nil
}

type pmtElementaryStream struct {
	elementaryPID uint16
	streamType    uint8
}

type pmtData struct {
	elementaryStreams []pmtElementaryStream
}

func parsePMTSection(data []byte) (*pmtData, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("streammodel: PMT too short")
	}
	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := 3 + sectionLength

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	pmt := &pmtData{}
	for offset+5 <= sectionEnd-4 {
		streamType := data[offset]
		elementaryPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		pmt.elementaryStreams = append(pmt.elementaryStreams, pmtElementaryStream{
			elementaryPID: elementaryPID,
			streamType:    streamType,
		})
		offset += 5 + esInfoLength
	}
	return pmt, nil
}

func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

type pesData struct {
	data []byte
}

func parsePES(payload []byte) (*pesData, error) {
	if len(payload) < 6 || !isPESPayload(payload) {
		return nil, fmt.Errorf("streammodel: invalid PES start code")
	}
	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])

	hasOptionalHeader := streamID != 0xBE && streamID != 0xBF &&
		streamID != 0xF0 && streamID != 0xF1 &&
		streamID != 0xF2 && streamID != 0xF8 && streamID != 0xFF

	if !hasOptionalHeader {
		if packetLength > 0 && 6+packetLength <= len(payload) {
			return &pesData{data: payload[6 : 6+packetLength]}, nil
		}
		return &pesData{data: payload[6:]}, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("streammodel: PES optional header too short")
	}
	headerDataLength := int(payload[8])
	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		dataStart = len(payload)
	}

	if packetLength > 0 {
		totalPES := 6 + packetLength
		if totalPES <= len(payload) {
			return &pesData{data: payload[dataStart:totalPES]}, nil
		}
		return &pesData{data: payload[dataStart:]}, nil
	}
	return &pesData{data: payload[dataStart:]}, nil
}

// --- Annex-B NAL unit scanning ---

type nalUnit struct {
	naluType byte
	data     []byte
}

// parseAnnexB splits an H.264 Annex-B byte stream into NAL units,
// recognizing both 3-byte (0x000001) and 4-byte (0x00000001) start
// codes.
func parseAnnexB(data []byte) []nalUnit {
	var units []nalUnit
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct{ scStart, dataStart int }
	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nalData := data[pos.dataStart:end]
		if len(nalData) < 1 {
			continue
		}
		units = append(units, nalUnit{naluType: nalData[0] & 0x1F, data: nalData})
	}
	return units
}
