// Package audio implements the PCM processing used by audio tracks: sample
// format conversion, channel remixing, resampling and tempo change.
package audio

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/zsiec/reel/internal/media"
)

// ErrUnsupportedFormat is returned for sample formats with no codec.
var ErrUnsupportedFormat = errors.New("audio: unsupported sample format")

// decodeSamples converts little-endian samples of format f to floats in
// [-1, 1]. dst must hold len(src)/f.BytesPerSample() values.
func decodeSamples(f media.SampleFormat, src []byte, dst []float64) {
	switch f {
	case media.SampleFmtU8:
		for i, b := range src {
			dst[i] = (float64(b) - 128) / 128
		}
	case media.SampleFmtS16:
		for i := range dst {
			dst[i] = float64(int16(binary.LittleEndian.Uint16(src[2*i:]))) / 32768
		}
	case media.SampleFmtS32:
		for i := range dst {
			dst[i] = float64(int32(binary.LittleEndian.Uint32(src[4*i:]))) / 2147483648
		}
	case media.SampleFmtF32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:])))
		}
	case media.SampleFmtF64:
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[8*i:]))
		}
	}
}

// encodeSamples writes floats as little-endian samples of format f,
// clipping integer formats.
func encodeSamples(f media.SampleFormat, src []float64, dst []byte) {
	switch f {
	case media.SampleFmtU8:
		for i, v := range src {
			dst[i] = uint8(clip(math.Round(v*128+128), 0, 255))
		}
	case media.SampleFmtS16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(clip(math.Round(v*32768), -32768, 32767))))
		}
	case media.SampleFmtS32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[4*i:], uint32(int32(clip(math.Round(v*2147483648), -2147483648, 2147483647))))
		}
	case media.SampleFmtF32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(float32(v)))
		}
	case media.SampleFmtF64:
		for i, v := range src {
			binary.LittleEndian.PutUint64(dst[8*i:], math.Float64bits(v))
		}
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func supported(f media.SampleFormat) bool {
	return f.BytesPerSample() > 0
}

// deinterleave converts samples laid out per traits into one float slice per
// channel.
func deinterleave(t media.AudioTraits, planes [][]byte, n int) [][]float64 {
	out := make([][]float64, t.Channels)
	bps := t.SampleFormat.BytesPerSample()
	if t.ChannelFormat == media.ChannelsPlanar {
		for ch := range out {
			out[ch] = make([]float64, n)
			if ch < len(planes) {
				decodeSamples(t.SampleFormat, planes[ch][:n*bps], out[ch])
			}
		}
		return out
	}
	flat := make([]float64, n*t.Channels)
	if len(planes) > 0 {
		decodeSamples(t.SampleFormat, planes[0][:n*t.Channels*bps], flat)
	}
	for ch := range out {
		out[ch] = make([]float64, n)
		for i := 0; i < n; i++ {
			out[ch][i] = flat[i*t.Channels+ch]
		}
	}
	return out
}

// interleave is the inverse of deinterleave.
func interleave(t media.AudioTraits, chans [][]float64, n int) [][]byte {
	bps := t.SampleFormat.BytesPerSample()
	if t.ChannelFormat == media.ChannelsPlanar {
		planes := make([][]byte, t.Channels)
		for ch := range planes {
			planes[ch] = make([]byte, n*bps)
			encodeSamples(t.SampleFormat, chans[ch][:n], planes[ch])
		}
		return planes
	}
	flat := make([]float64, n*t.Channels)
	for ch := 0; ch < t.Channels; ch++ {
		for i := 0; i < n; i++ {
			flat[i*t.Channels+ch] = chans[ch][i]
		}
	}
	plane := make([]byte, n*t.Channels*bps)
	encodeSamples(t.SampleFormat, flat, plane)
	return [][]byte{plane}
}
