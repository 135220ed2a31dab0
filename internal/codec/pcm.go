package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/reel/internal/media"
)

type pcmLayout struct {
	codec  string
	width  int
	output media.SampleFormat
	expand func(src []byte, dst []byte)
}

var pcmLayouts = []pcmLayout{
	{codec: PCMU8, width: 1, output: media.SampleFmtU8},
	{codec: PCMS16LE, width: 2, output: media.SampleFmtS16},
	{codec: PCMS16BE, width: 2, output: media.SampleFmtS16, expand: swap16},
	{codec: PCMS24LE, width: 3, output: media.SampleFmtS32, expand: expand24},
	{codec: PCMS32LE, width: 4, output: media.SampleFmtS32},
	{codec: PCMF32LE, width: 4, output: media.SampleFmtF32},
	{codec: PCMF64LE, width: 8, output: media.SampleFmtF64},
	{codec: PCMALaw, width: 1, output: media.SampleFmtS16, expand: expandALaw},
	{codec: PCMMuLaw, width: 1, output: media.SampleFmtS16, expand: expandMuLaw},
}

func pcmImplementations() []Implementation {
	impls := make([]Implementation, 0, len(pcmLayouts))
	for _, l := range pcmLayouts {
		impls = append(impls, Implementation{
			Name:  l.codec,
			Codec: l.codec,
			Class: Software,
			Open: func(p Params) (Decoder, error) {
				return newPCMDecoder(l, p)
			},
		})
	}
	return impls
}

func newPCMDecoder(l pcmLayout, p Params) (Decoder, error) {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return nil, fmt.Errorf("%w: %s needs sample rate and channels", ErrInvalidData, l.codec)
	}
	traits := media.AudioTraits{
		SampleRate:    p.SampleRate,
		SampleFormat:  l.output,
		Channels:      p.Channels,
		ChannelFormat: media.ChannelsPacked,
	}
	inFrame := l.width * p.Channels
	outFrame := traits.BytesPerFrame()

	return &packetDecoder{
		name: l.codec,
		decode: func(pkt *media.Packet) ([]*Frame, error) {
			data := pkt.Data()
			n := len(data) / inFrame
			if n == 0 {
				return nil, nil
			}
			out := make([]byte, n*outFrame)
			if l.expand != nil {
				l.expand(data[:n*inFrame], out)
			} else {
				copy(out, data[:n*inFrame])
			}
			f := &Frame{
				Kind:       media.KindAudio,
				PTS:        packetPTS(pkt),
				Audio:      traits,
				Samples:    [][]byte{out},
				NumSamples: n,
			}
			if p.TimeBase.Valid() {
				f.Duration = int64(n) * p.TimeBase.Den / (p.TimeBase.Num * int64(p.SampleRate))
			}
			return []*Frame{f}, nil
		},
	}, nil
}

func swap16(src, dst []byte) {
	for i := 0; i+1 < len(src); i += 2 {
		dst[i], dst[i+1] = src[i+1], src[i]
	}
}

func expand24(src, dst []byte) {
	for i, j := 0, 0; i+2 < len(src); i, j = i+3, j+4 {
		v := uint32(src[i])<<8 | uint32(src[i+1])<<16 | uint32(src[i+2])<<24
		binary.LittleEndian.PutUint32(dst[j:], v)
	}
}

func expandALaw(src, dst []byte) {
	for i, b := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(alawToLinear(b)))
	}
}

func expandMuLaw(src, dst []byte) {
	for i, b := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(mulawToLinear(b)))
	}
}

// alawToLinear implements the ITU-T G.711 A-law expansion.
func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int32(a&0x0f) << 4
	seg := int32(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// mulawToLinear implements the ITU-T G.711 mu-law expansion.
func mulawToLinear(u byte) int16 {
	u = ^u
	t := (int32(u&0x0f) << 3) + 0x84
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(0x84 - t)
	}
	return int16(t - 0x84)
}
