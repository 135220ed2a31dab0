package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

// NALUnit is one NAL unit without its start code or length prefix.
type NALUnit struct {
	Type byte
	Data []byte
}

// splitAnnexB scans data for 3- and 4-byte start codes and returns the NAL
// units between them. minNAL is the NAL header size of the codec.
func splitAnnexB(data []byte, minNAL int, typeOf func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type span struct{ sc, start int }
	var spans []span
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				spans = append(spans, span{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				spans = append(spans, span{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, s := range spans {
		end := n
		if idx+1 < len(spans) {
			end = spans[idx+1].sc
		}
		if end-s.start < minNAL {
			continue
		}
		nal := data[s.start:end]
		units = append(units, NALUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}

// splitLengthPrefixed splits AVCC/HVCC framed data with prefix-byte lengths.
func splitLengthPrefixed(data []byte, prefix, minNAL int, typeOf func([]byte) byte) []NALUnit {
	var units []NALUnit
	for pos := 0; pos+prefix <= len(data); {
		size := 0
		for i := 0; i < prefix; i++ {
			size = size<<8 | int(data[pos+i])
		}
		pos += prefix
		if size <= 0 || pos+size > len(data) {
			break
		}
		nal := data[pos : pos+size]
		pos += size
		if len(nal) < minNAL {
			continue
		}
		units = append(units, NALUnit{Type: typeOf(nal), Data: nal})
	}
	return units
}

func h264Type(nal []byte) byte { return nal[0] & 0x1F }
func hevcType(nal []byte) byte { return (nal[0] >> 1) & 0x3F }

// bitstream captures the codec-specific NAL rules used by the access unit
// decoder.
type bitstream struct {
	minNAL      int
	typeOf      func([]byte) byte
	isSPS       func(byte) bool
	isKeyframe  func(byte) bool
	isSEI       func(byte) bool
	isVCL       func(byte) bool
	isDroppable func(NALUnit) bool
	parseSPS    func([]byte) (spsInfo, error)
}

type spsInfo struct {
	width, height int
	fps           float64
	pixelFormat   string
	reorder       int
}

var h264Bitstream = bitstream{
	minNAL:     1,
	typeOf:     h264Type,
	isSPS:      func(t byte) bool { return h264.NALUType(t) == h264.NALUTypeSPS },
	isKeyframe: func(t byte) bool { return h264.NALUType(t) == h264.NALUTypeIDR },
	isSEI:      func(t byte) bool { return h264.NALUType(t) == h264.NALUTypeSEI },
	isVCL:      func(t byte) bool { return t >= 1 && t <= 5 },
	// nal_ref_idc of zero marks a picture no other picture references.
	isDroppable: func(n NALUnit) bool { return n.Type >= 1 && n.Type <= 5 && n.Data[0]&0x60 == 0 },
	parseSPS: func(nal []byte) (spsInfo, error) {
		var sps h264.SPS
		if err := sps.Unmarshal(nal); err != nil {
			return spsInfo{}, err
		}
		info := spsInfo{
			width:       sps.Width(),
			height:      sps.Height(),
			fps:         sps.FPS(),
			pixelFormat: pixelFormat(sps.ChromaFormatIdc, sps.BitDepthLumaMinus8, sps.ProfileIdc),
			reorder:     2,
		}
		if sps.VUI != nil && sps.VUI.BitstreamRestriction != nil {
			info.reorder = int(sps.VUI.BitstreamRestriction.MaxNumReorderFrames)
		}
		return info, nil
	},
}

var hevcBitstream = bitstream{
	minNAL: 2,
	typeOf: hevcType,
	isSPS:  func(t byte) bool { return h265.NALUType(t) == h265.NALUType_SPS_NUT },
	isKeyframe: func(t byte) bool {
		return h265.NALUType(t) >= h265.NALUType_BLA_W_LP && h265.NALUType(t) <= h265.NALUType_CRA_NUT
	},
	isSEI: func(t byte) bool {
		return h265.NALUType(t) == h265.NALUType_PREFIX_SEI_NUT || h265.NALUType(t) == h265.NALUType_SUFFIX_SEI_NUT
	},
	isVCL: func(t byte) bool { return t <= 31 },
	// Sub-layer non-reference pictures have even types below 16.
	isDroppable: func(n NALUnit) bool { return n.Type < 16 && n.Type%2 == 0 },
	parseSPS: func(nal []byte) (spsInfo, error) {
		var sps h265.SPS
		if err := sps.Unmarshal(nal); err != nil {
			return spsInfo{}, err
		}
		info := spsInfo{
			width:       sps.Width(),
			height:      sps.Height(),
			fps:         sps.FPS(),
			pixelFormat: pixelFormat(sps.ChromaFormatIdc, sps.BitDepthLumaMinus8, 100),
			reorder:     2,
		}
		if n := len(sps.MaxNumReorderPics); n > 0 {
			info.reorder = int(sps.MaxNumReorderPics[n-1])
		}
		return info, nil
	},
}

func (b bitstream) split(data []byte, lengthSize int) []NALUnit {
	if lengthSize > 0 {
		return splitLengthPrefixed(data, lengthSize, b.minNAL, b.typeOf)
	}
	return splitAnnexB(data, b.minNAL, b.typeOf)
}

// pixelFormat maps chroma_format_idc and luma bit depth to a pixel format
// name. Profiles below High carry no chroma info and are always 4:2:0.
func pixelFormat(chroma, depthMinus8 uint32, profile uint8) string {
	if profile < 100 {
		return "yuv420p"
	}
	var base string
	switch chroma {
	case 0:
		base = "gray"
	case 2:
		base = "yuv422p"
	case 3:
		base = "yuv444p"
	default:
		base = "yuv420p"
	}
	if depthMinus8 > 0 {
		return fmt.Sprintf("%s%dle", base, depthMinus8+8)
	}
	return base
}

// SEIUnits returns the SEI NAL units of an Annex B H.264 or H.265 access
// unit. Other codecs yield nothing.
func SEIUnits(codec string, data []byte) [][]byte {
	var bs bitstream
	switch codec {
	case H264:
		bs = h264Bitstream
	case HEVC:
		bs = hevcBitstream
	default:
		return nil
	}
	var out [][]byte
	for _, nal := range bs.split(data, 0) {
		if bs.isSEI(nal.Type) {
			out = append(out, nal.Data)
		}
	}
	return out
}

// IsKeyframe reports whether an Annex B access unit holds a random access
// picture.
func IsKeyframe(codec string, data []byte) bool {
	var bs bitstream
	switch codec {
	case H264:
		bs = h264Bitstream
	case HEVC:
		bs = hevcBitstream
	default:
		return false
	}
	for _, nal := range bs.split(data, 0) {
		if bs.isKeyframe(nal.Type) {
			return true
		}
	}
	return false
}
