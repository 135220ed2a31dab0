package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func parsePSI(payload []byte, firstPacket *Packet) ([]*Data, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*Data
	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing
		}
		if offset+3 > len(payload) {
			break
		}
		// Zero padding has section_syntax_indicator clear.
		if payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &Data{FirstPacket: firstPacket, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &Data{FirstPacket: firstPacket, PMT: pmt})
		}
		offset = sectionEnd
	}
	return results, nil
}

func parsePATSection(data []byte) (*PAT, error) {
	if len(data) < 12 { // 8 header bytes + CRC
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if err := checkSectionCRC(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	pat := &PAT{TransportStreamID: uint16(data[3])<<8 | uint16(data[4])}
	for i := 8; i+4 <= len(data)-4; i += 4 {
		number := uint16(data[i])<<8 | uint16(data[i+1])
		pid := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if number == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, PATProgram{ProgramNumber: number, PMTPID: pid})
	}
	return pat, nil
}

func parsePMTSection(data []byte) (*PMT, error) {
	if len(data) < 16 { // 12 header bytes + CRC
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if err := checkSectionCRC(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	// [3-4] program_number, [5] version, [8-9] PCR_PID,
	// [10-11] program_info_length, then program descriptors, the
	// elementary stream loop and the CRC.
	pmt := &PMT{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		Version:       data[5] >> 1 & 0x1F,
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	end := len(data) - 4
	offset := 12 + (int(data[10]&0x0F)<<8 | int(data[11]))

	for offset+5 <= end {
		es := ElementaryStream{
			StreamType: data[offset],
			PID:        uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		}
		infoLen := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		descEnd := min(offset+5+infoLen, end)
		parseDescriptors(&es, data[offset+5:descEnd])
		pmt.Streams = append(pmt.Streams, es)
		offset += 5 + infoLen
	}
	return pmt, nil
}

// parseDescriptors fills the stream fields the demuxer cares about from an
// ES_info descriptor loop.
func parseDescriptors(es *ElementaryStream, loop []byte) {
	for len(loop) >= 2 {
		tag, n := loop[0], int(loop[1])
		if 2+n > len(loop) {
			return
		}
		body := loop[2 : 2+n]
		switch tag {
		case descriptorLanguage:
			if n >= 3 {
				es.Language = string(body[:3])
			}
		case descriptorSubtitling:
			es.Subtitles = true
			if n >= 3 && es.Language == "" {
				es.Language = string(body[:3])
			}
		case descriptorAC3:
			es.AC3 = true
		case descriptorRegistration:
			if n >= 4 && string(body[:4]) == "AC-3" {
				es.AC3 = true
			}
		}
		loop = loop[2+n:]
	}
}

// crcTable drives the MPEG-2 section CRC: polynomial 0x04C11DB7, MSB first,
// no reflection.
var crcTable = func() (tab [256]uint32) {
	for i := range tab {
		c := uint32(i) << 24
		for range 8 {
			top := c & 0x80000000
			c <<= 1
			if top != 0 {
				c ^= 0x04C11DB7
			}
		}
		tab[i] = c
	}
	return tab
}()

func sectionCRC(data []byte) uint32 {
	c := ^uint32(0)
	for _, b := range data {
		c = c<<8 ^ crcTable[b^byte(c>>24)]
	}
	return c
}

// checkSectionCRC validates a section ending in its CRC: running the CRC
// over the whole section, trailer included, leaves zero.
func checkSectionCRC(data []byte) error {
	switch {
	case len(data) < 4:
		return fmt.Errorf("mpegts: section of %d bytes has no CRC", len(data))
	case sectionCRC(data) != 0:
		return fmt.Errorf("mpegts: section CRC mismatch")
	}
	return nil
}
