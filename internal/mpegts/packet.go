package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47

	// m2tsPacketSize is a transport packet behind a 4-byte arrival timestamp.
	m2tsPacketSize = 192
)

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 {
			parseAdaptationField(&p.Header, buf[offset+1:min(offset+1+afLen, packetSize)])
		}
		offset += 1 + afLen
		if offset > packetSize {
			offset = packetSize
		}
	}

	if p.Header.HasPayload && offset < packetSize {
		p.Payload = make([]byte, packetSize-offset)
		copy(p.Payload, buf[offset:])
	}
	return p, nil
}

// parseAdaptationField reads the flags byte and the PCR that follows it.
func parseAdaptationField(h *PacketHeader, af []byte) {
	if len(af) == 0 {
		return
	}
	flags := af[0]
	h.DiscontinuityIndicator = flags&0x80 != 0
	h.RandomAccessIndicator = flags&0x40 != 0
	if flags&0x10 != 0 && len(af) >= 7 {
		base := int64(af[1])<<25 | int64(af[2])<<17 | int64(af[3])<<9 | int64(af[4])<<1 | int64(af[5])>>7
		ext := int64(af[5]&0x01)<<8 | int64(af[6])
		h.HasPCR = true
		h.PCR = base*300 + ext
	}
}
