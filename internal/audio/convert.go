package audio

import (
	"fmt"
	"math"

	"github.com/zsiec/reel/internal/media"
)

// Converter turns audio in one layout into another: sample format,
// channel count, sample rate and packed/planar arrangement. It keeps
// interpolation state between calls so consecutive blocks resample
// seamlessly.
type Converter struct {
	in, out media.AudioTraits

	step float64 // input samples per output sample
	pos  float64 // next output position relative to the current block
	last []float64
}

// NewConverter returns a converter from in to out. Both layouts must be
// fully specified.
func NewConverter(in, out media.AudioTraits) (*Converter, error) {
	if !in.Valid() || !out.Valid() {
		return nil, fmt.Errorf("audio: incomplete traits %v -> %v", in, out)
	}
	if !supported(in.SampleFormat) || !supported(out.SampleFormat) {
		return nil, ErrUnsupportedFormat
	}
	return &Converter{
		in:   in,
		out:  out,
		step: float64(in.SampleRate) / float64(out.SampleRate),
	}, nil
}

// In returns the input layout.
func (c *Converter) In() media.AudioTraits { return c.in }

// Out returns the output layout.
func (c *Converter) Out() media.AudioTraits { return c.out }

// Convert processes n input samples per channel and returns the converted
// planes and the number of output samples per channel.
func (c *Converter) Convert(planes [][]byte, n int) ([][]byte, int) {
	if n <= 0 {
		return nil, 0
	}
	chans := remix(deinterleave(c.in, planes, n), c.out.Channels)
	if c.in.SampleRate != c.out.SampleRate {
		chans = c.resample(chans, n)
	}
	outN := 0
	if len(chans) > 0 {
		outN = len(chans[0])
	}
	return interleave(c.out, chans, outN), outN
}

// Reset drops interpolation state, used after a seek.
func (c *Converter) Reset() {
	c.pos = 0
	c.last = nil
}

// resample linearly interpolates each channel. Position -1 refers to the
// last sample of the previous block.
func (c *Converter) resample(chans [][]float64, n int) [][]float64 {
	at := func(ch []float64, prev float64, i int) float64 {
		if i < 0 {
			return prev
		}
		return ch[i]
	}
	start := c.pos
	if c.last == nil {
		start = math.Max(start, 0)
	}
	count := 0
	if limit := float64(n - 1); start <= limit {
		count = int(math.Floor((limit-start)/c.step)) + 1
	}

	out := make([][]float64, len(chans))
	for ch := range chans {
		prev := 0.0
		if c.last != nil {
			prev = c.last[ch]
		}
		out[ch] = make([]float64, count)
		for k := 0; k < count; k++ {
			p := start + float64(k)*c.step
			i := int(math.Floor(p))
			frac := p - float64(i)
			a := at(chans[ch], prev, i)
			b := a
			if i+1 < n {
				b = chans[ch][i+1]
			}
			out[ch][k] = a + (b-a)*frac
		}
	}

	c.pos = start + float64(count)*c.step - float64(n)
	if c.last == nil {
		c.last = make([]float64, len(chans))
	}
	for ch := range chans {
		c.last[ch] = chans[ch][n-1]
	}
	return out
}

// Standard 5.1 order: FL FR FC LFE BL BR.
const downmixCenter = 0.7071067811865476

// remix maps chans onto want output channels. Mono output averages every
// input channel, mono input is duplicated, surround input folds to stereo
// with the usual center and surround weights, and anything else maps
// channel i to input channel i modulo the input count.
func remix(chans [][]float64, want int) [][]float64 {
	have := len(chans)
	if have == want || have == 0 {
		return chans
	}
	n := len(chans[0])
	out := make([][]float64, want)
	switch {
	case want == 1:
		out[0] = make([]float64, n)
		for _, ch := range chans {
			for i, v := range ch {
				out[0][i] += v / float64(have)
			}
		}
	case have == 1:
		for ch := range out {
			out[ch] = append([]float64(nil), chans[0]...)
		}
	case want == 2 && have >= 3:
		norm := 1 + downmixCenter
		if have >= 6 {
			norm += downmixCenter
		}
		l := make([]float64, n)
		r := make([]float64, n)
		for i := 0; i < n; i++ {
			c := chans[2][i] * downmixCenter
			l[i] = chans[0][i] + c
			r[i] = chans[1][i] + c
			if have >= 6 {
				l[i] += chans[4][i] * downmixCenter
				r[i] += chans[5][i] * downmixCenter
			}
			l[i] /= norm
			r[i] /= norm
		}
		out[0], out[1] = l, r
	default:
		for ch := range out {
			out[ch] = append([]float64(nil), chans[ch%have]...)
		}
	}
	return out
}
