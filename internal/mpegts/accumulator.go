package mpegts

import "sort"

const pidPAT = 0x0000

// programMap tracks which PIDs carry PMT sections.
type programMap struct {
	m map[uint16]uint16 // PMT PID -> program number
}

func newProgramMap() *programMap {
	return &programMap{m: make(map[uint16]uint16)}
}

func (pm *programMap) addPMTPID(pid, program uint16) {
	pm.m[pid] = program
}

func (pm *programMap) isPMTPID(pid uint16) bool {
	_, ok := pm.m[pid]
	return ok
}

func (pm *programMap) isPSI(pid uint16) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

// packetAccumulator buffers the packets of one PID until a unit is
// complete: the next payload unit start for PES, a full section for PSI.
type packetAccumulator struct {
	pid        uint16
	packets    []*Packet
	programMap *programMap
}

func newPacketAccumulator(pid uint16, pm *programMap) *packetAccumulator {
	return &packetAccumulator{pid: pid, programMap: pm}
}

func (pa *packetAccumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		pa.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	// A signaled discontinuity makes any CC jump legal.
	if len(pa.packets) > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[len(pa.packets)-1].Header.ContinuityCounter
		if p.Header.ContinuityCounter != (prev+1)&0x0F {
			if p.Header.ContinuityCounter == prev {
				return nil // duplicate
			}
			pa.packets = nil
		}
	}

	// A unit never starts mid-payload: continuation packets with nothing
	// buffered are dropped.
	if len(pa.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return nil
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		flushed = pa.packets
		pa.packets = nil
	}
	pa.packets = append(pa.packets, p)

	if flushed == nil && pa.programMap.isPSI(pa.pid) && isPSIComplete(pa.packets) {
		flushed = pa.packets
		pa.packets = nil
	}
	return flushed
}

func (pa *packetAccumulator) flush() []*Packet {
	if len(pa.packets) == 0 {
		return nil
	}
	flushed := pa.packets
	pa.packets = nil
	return flushed
}

// isPSIComplete checks whether the accumulated payloads hold complete
// sections.
func isPSIComplete(packets []*Packet) bool {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) < 1 {
		return false
	}

	offset := 1 + int(payload[0])
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
			return true // padding
		}
		needed := 3 + (int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2]))
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

// packetPool manages per-PID accumulators.
type packetPool struct {
	accs       map[uint16]*packetAccumulator
	programMap *programMap
}

func newPacketPool(pm *programMap) *packetPool {
	return &packetPool{
		accs:       make(map[uint16]*packetAccumulator),
		programMap: pm,
	}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	pid := p.Header.PID
	acc, ok := pp.accs[pid]
	if !ok {
		acc = newPacketAccumulator(pid, pp.programMap)
		pp.accs[pid] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator, PAT first so PMT PIDs are known before
// their sections are parsed.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]int, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[uint16(pid)].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}

// reset drops every partial unit.
func (pp *packetPool) reset() {
	clear(pp.accs)
}
