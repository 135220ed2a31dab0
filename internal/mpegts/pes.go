package mpegts

import "fmt"

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether streamID carries the optional PES
// header: everything except padding, private_stream_2, ECM, EMM, program
// stream directory, DSMCC and H.222.1 type E.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PES, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	pes := &PES{StreamID: payload[3], PTS: -1, DTS: -1}
	packetLength := int(payload[4])<<8 | int(payload[5])
	end := len(payload)
	if packetLength > 0 && 6+packetLength <= len(payload) {
		end = 6 + packetLength
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}
	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// payload[7]: PTS_DTS_indicator(2) ESCR ES_rate DSM_trick copy CRC ext
	// payload[8]: PES_header_data_length
	indicator := payload[7] >> 6 & 0x03
	start := min(9+int(payload[8]), end)

	switch indicator {
	case 2:
		if len(payload) >= 14 {
			pes.PTS = parseTimestamp(payload[9:14])
		}
	case 3:
		if len(payload) >= 19 {
			pes.PTS = parseTimestamp(payload[9:14])
			pes.DTS = parseTimestamp(payload[14:19])
		}
	}
	pes.Data = payload[start:end]
	return pes, nil
}

// parseTimestamp extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parseTimestamp(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}
