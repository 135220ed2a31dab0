package audio

import (
	"fmt"
	"math"

	"github.com/zsiec/reel/internal/media"
)

// Tempo limits accepted by TempoFilter.SetTempo.
const (
	MinTempo = 0.5
	MaxTempo = 2.0
)

// TempoFilter changes playback speed without changing pitch. It works on
// interleaved samples of a single fixed sample format.
type TempoFilter interface {
	// SetTempo sets the speed factor; values above 1 play faster.
	SetTempo(tempo float64) error
	Tempo() float64
	// Apply consumes packed samples and returns the stretched samples that
	// are ready so far.
	Apply(src []byte) []byte
	// Flush returns buffered output and resets the filter.
	Flush() []byte
	Reset()
}

// NewTempoFilter returns the stretch filter for the sample format of t.
// Planar layouts are not accepted; tracks stretch before splitting planes.
func NewTempoFilter(t media.AudioTraits) (TempoFilter, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("audio: tempo filter needs complete traits, got %v", t)
	}
	if t.ChannelFormat != media.ChannelsPacked {
		return nil, fmt.Errorf("audio: tempo filter needs packed samples")
	}
	switch t.SampleFormat {
	case media.SampleFmtU8, media.SampleFmtS16, media.SampleFmtS32, media.SampleFmtF32, media.SampleFmtF64:
		return newWSOLA(t), nil
	}
	return nil, ErrUnsupportedFormat
}

// wsola is a waveform-similarity overlap-add stretcher. Windows of
// windowLen frames are taken from the input every hopIn frames, nudged by
// up to seekLen frames toward the best match of the natural continuation
// of the previous window, and overlap-added every hopOut frames.
type wsola struct {
	format   media.SampleFormat
	channels int
	tempo    float64

	windowLen int
	hopOut    int
	seekLen   int
	window    []float64

	in      []float64 // interleaved input not yet consumed
	nominal float64   // nominal start of the next window within in
	prev    int       // actual start of the previous window within in
	tail    []float64 // second half of the previous windowed segment
	started bool
}

func newWSOLA(t media.AudioTraits) *wsola {
	// 30 ms windows at 50% overlap, 7.5 ms search radius.
	win := max(t.SampleRate*30/1000, 16) &^ 1
	w := &wsola{
		format:    t.SampleFormat,
		channels:  t.Channels,
		tempo:     1,
		windowLen: win,
		hopOut:    win / 2,
		seekLen:   win / 4,
		window:    make([]float64, win),
	}
	for i := range w.window {
		w.window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(win))
	}
	return w
}

func (w *wsola) SetTempo(tempo float64) error {
	if tempo < MinTempo || tempo > MaxTempo || math.IsNaN(tempo) {
		return fmt.Errorf("audio: tempo %.3f outside [%.1f, %.1f]", tempo, MinTempo, MaxTempo)
	}
	w.tempo = tempo
	return nil
}

func (w *wsola) Tempo() float64 { return w.tempo }

func (w *wsola) Reset() {
	w.in = w.in[:0]
	w.nominal = 0
	w.prev = 0
	w.tail = nil
	w.started = false
}

func (w *wsola) frames() int { return len(w.in) / w.channels }

func (w *wsola) Apply(src []byte) []byte {
	bps := w.format.BytesPerSample()
	n := len(src) / bps
	start := len(w.in)
	w.in = append(w.in, make([]float64, n)...)
	decodeSamples(w.format, src[:n*bps], w.in[start:])

	var out []float64
	hopIn := float64(w.hopOut) * w.tempo
	for {
		nom := int(w.nominal)
		if nom+w.windowLen+w.seekLen > w.frames() {
			break
		}
		best := nom
		if w.started {
			best = w.bestOffset(nom)
		}
		out = append(out, w.overlapAdd(best)...)
		w.prev = best
		w.started = true
		w.nominal += hopIn
		w.compact()
	}
	return w.encode(out)
}

// bestOffset searches around nom for the window start whose leading half
// correlates best with the continuation of the previous window.
func (w *wsola) bestOffset(nom int) int {
	target := (w.prev + w.hopOut) * w.channels
	lo := max(nom-w.seekLen, 0)
	hi := min(nom+w.seekLen, w.frames()-w.windowLen)
	best, bestScore := nom, math.Inf(-1)
	span := w.hopOut * w.channels
	for cand := lo; cand <= hi; cand++ {
		base := cand * w.channels
		var dot, energy float64
		for i := 0; i < span; i += w.channels {
			v := w.in[base+i]
			dot += v * w.in[target+i]
			energy += v * v
		}
		score := dot / math.Sqrt(energy+1e-12)
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

// overlapAdd windows the segment starting at frame start, emits its first
// half mixed with the previous tail and keeps the second half.
func (w *wsola) overlapAdd(start int) []float64 {
	ch := w.channels
	seg := make([]float64, w.windowLen*ch)
	base := start * ch
	for i := 0; i < w.windowLen; i++ {
		for c := 0; c < ch; c++ {
			seg[i*ch+c] = w.in[base+i*ch+c] * w.window[i]
		}
	}
	half := w.hopOut * ch
	emit := seg[:half]
	if w.tail != nil {
		for i := range emit {
			emit[i] += w.tail[i]
		}
	}
	w.tail = seg[half:]
	return emit
}

// compact drops input that no future window or match target can reach.
func (w *wsola) compact() {
	drop := min(int(w.nominal)-w.seekLen, w.prev+w.hopOut)
	if drop <= 0 {
		return
	}
	w.in = append(w.in[:0], w.in[drop*w.channels:]...)
	w.nominal -= float64(drop)
	w.prev -= drop
}

func (w *wsola) Flush() []byte {
	out := w.tail
	w.Reset()
	return w.encode(out)
}

func (w *wsola) encode(samples []float64) []byte {
	if len(samples) == 0 {
		return nil
	}
	buf := make([]byte, len(samples)*w.format.BytesPerSample())
	encodeSamples(w.format, samples, buf)
	return buf
}
