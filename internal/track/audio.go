package track

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// maxAudioJump is the gap between consecutive audio timestamps, in
// seconds, that is logged as a stream anomaly.
const maxAudioJump = 0.67

type audioHandler struct {
	t      *Track
	frames *queue.Queue[*media.AudioFrame]

	mu       sync.Mutex
	override media.AudioTraits
	current  media.AudioTraits

	// Worker state.
	native         media.AudioTraits
	output         media.AudioTraits
	conv           *audio.Converter
	convFailed     bool
	hasPrev        bool
	prev           media.Time
	prevSamples    int
	samplesDecoded int64
	start          media.Time

	tempoMu sync.Mutex
	tempo   float64
	filter  audio.TempoFilter
}

func newAudioHandler(t *Track) *audioHandler {
	return &audioHandler{
		t:      t,
		frames: queue.New[*media.AudioFrame](media.AudioQueueSize),
		tempo:  1,
	}
}

func (h *audioHandler) startup() {
	p := h.t.Params()
	h.native = media.AudioTraits{SampleRate: p.SampleRate, SampleFormat: p.SampleFormat, Channels: p.Channels}
	h.mu.Lock()
	override := h.override
	h.mu.Unlock()

	h.output = media.AudioTraits{}
	if h.native.Valid() {
		h.output = override.Merge(h.native)
	} else if override.Valid() {
		h.output = override
	}
	h.nativeTraitsChanged()

	h.start = media.NewTime(0, 1)
	if info := h.t.Info(); info.Start.Valid() {
		h.start = info.Start
	}
	h.resetTiming()
}

func (h *audioHandler) resetTiming() {
	h.hasPrev = false
	h.prev = media.Time{}
	h.prevSamples = 0
	h.samplesDecoded = 0
}

// nativeTraitsChanged rebuilds the converter and the tempo filter for the
// current native and output traits.
func (h *audioHandler) nativeTraitsChanged() {
	h.conv = nil
	h.convFailed = false
	if h.native.Valid() && h.output.Valid() && h.native != h.output {
		conv, err := audio.NewConverter(h.native, h.output)
		if err != nil {
			h.t.log.Warn("audio conversion unavailable", "native", h.native.String(), "output", h.output.String(), "error", err)
			h.convFailed = true
		}
		h.conv = conv
	}

	h.mu.Lock()
	h.current = h.output
	h.mu.Unlock()

	h.tempoMu.Lock()
	defer h.tempoMu.Unlock()
	h.filter = nil
	if !h.output.Valid() || h.output.ChannelFormat == media.ChannelsPlanar && h.output.Channels != 1 {
		return
	}
	ft := h.output
	ft.ChannelFormat = media.ChannelsPacked
	f, err := audio.NewTempoFilter(ft)
	if err != nil {
		h.t.log.Debug("tempo filter unavailable", "traits", ft.String(), "error", err)
		return
	}
	if err := f.SetTempo(h.tempo); err != nil {
		h.tempo = 1
	}
	h.filter = f
}

func (h *audioHandler) convert(f *codec.Frame) ([][]byte, int) {
	if h.conv != nil {
		return h.conv.Convert(f.Samples, f.NumSamples)
	}
	if h.convFailed {
		h.t.dropped.Add(1)
		return nil, 0
	}
	return f.Samples, f.NumSamples
}

func (h *audioHandler) handle(ctx context.Context, pkt *media.Packet, frames []*codec.Frame) error {
	tb := h.t.Params().TimeBase

	var chunks [][][]byte
	total := 0
	for _, f := range frames {
		if f.Kind != media.KindAudio || f.NumSamples == 0 {
			continue
		}
		if h.hasPrev && f.PTS != media.NoPTS {
			if next, ok := media.FromTicks(f.PTS, tb); ok && next.Less(h.prev) {
				h.t.log.Debug("non-monotonic audio timestamps", "prev", h.prev.String(), "next", next.String())
				h.hasPrev = false
			}
		}
		if f.Audio.Valid() && f.Audio != h.native {
			h.native = f.Audio
			if !h.output.Valid() {
				h.mu.Lock()
				h.output = h.override.Merge(h.native)
				h.mu.Unlock()
			}
			h.nativeTraitsChanged()
		}
		planes, n := h.convert(f)
		if n == 0 {
			continue
		}
		chunks = append(chunks, planes)
		total += n
	}
	if total == 0 {
		return nil
	}
	h.samplesDecoded += int64(total)

	ts, ok := h.frameTime(pkt, tb, total)
	hdr := h.t.header(ts)
	hdr.MonotonicityWarning = !ok

	dur := media.NewTime(int64(total), uint64(h.output.SampleRate))
	if !h.t.accept(ts, dur) {
		return nil
	}

	af := &media.AudioFrame{
		FrameHeader: hdr,
		Traits:      h.output,
		Samples:     concatPlanes(chunks),
		NumSamples:  total,
		Tempo:       1,
	}

	h.tempoMu.Lock()
	if h.filter != nil && h.tempo != 1 {
		out := h.filter.Apply(af.Samples[0])
		af.Samples = [][]byte{out}
		af.NumSamples = len(out) / h.output.BytesPerFrame()
		af.Tempo = h.tempo
	}
	h.tempoMu.Unlock()

	if af.NumSamples == 0 {
		return nil
	}
	return h.frames.Push(ctx, af)
}

// frameTime picks the first timestamp candidate later than the previous
// frame: packet PTS, packet DTS, decoded sample count from the stream
// start, previous frame plus its samples, previous frame plus one tick.
func (h *audioHandler) frameTime(pkt *media.Packet, tb media.Rational, samples int) (media.Time, bool) {
	later := func(c media.Time) bool {
		return c.Valid() && (!h.hasPrev || h.prev.Less(c))
	}

	var candidates []media.Time
	if pkt != nil {
		if c, ok := media.FromTicks(pkt.PTS, tb); ok {
			candidates = append(candidates, c)
		}
		if c, ok := media.FromTicks(pkt.DTS, tb); ok {
			candidates = append(candidates, c)
		}
	}
	rate := uint64(h.output.SampleRate)
	candidates = append(candidates, media.NewTime(h.samplesDecoded-int64(samples), rate).Add(h.start))
	if h.hasPrev {
		candidates = append(candidates,
			h.prev.Add(media.NewTime(int64(h.prevSamples), rate)),
			h.prev.AddTicks(1))
	}

	for _, c := range candidates {
		if !later(c) {
			continue
		}
		if h.hasPrev {
			if dt := c.Sub(h.prev).Sec(); dt > maxAudioJump {
				h.t.log.Debug("large audio timestamp jump", "seconds", dt, "at", c.String())
			}
		}
		h.hasPrev = true
		h.prev = c
		h.prevSamples = samples
		return c, true
	}
	if h.hasPrev {
		return h.prev, false
	}
	return media.NewTime(0, rate), false
}

func (h *audioHandler) reset(ctx context.Context, seek media.Time) error {
	if h.conv != nil {
		h.conv.Reset()
	}
	h.tempoMu.Lock()
	if h.filter != nil {
		h.filter.Reset()
	}
	h.tempoMu.Unlock()

	h.resetTiming()
	h.start = seek

	hdr := h.t.header(seek)
	hdr.NewSequence = true
	return h.frames.Push(ctx, &media.AudioFrame{FrameHeader: hdr, Traits: h.output, Tempo: 1})
}

func (h *audioHandler) clearFrames() { h.frames.Clear() }
func (h *audioHandler) closeFrames() { h.frames.Close() }
func (h *audioHandler) openFrames()  { h.frames.Open() }

func (h *audioHandler) setTempo(tempo float64) error {
	h.tempoMu.Lock()
	defer h.tempoMu.Unlock()
	if h.filter != nil {
		if err := h.filter.SetTempo(tempo); err != nil {
			return err
		}
		if tempo == 1 {
			h.filter.Reset()
		}
	} else if tempo < audio.MinTempo || tempo > audio.MaxTempo {
		return errors.New("track: tempo out of range")
	}
	h.tempo = tempo
	return nil
}

// concatPlanes joins chunks plane by plane.
func concatPlanes(chunks [][][]byte) [][]byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	out := make([][]byte, len(chunks[0]))
	for p := range out {
		size := 0
		for _, c := range chunks {
			size += len(c[p])
		}
		buf := make([]byte, 0, size)
		for _, c := range chunks {
			buf = append(buf, c[p]...)
		}
		out[p] = buf
	}
	return out
}

// SetTempo sets the playback speed of an audio track. It takes effect on
// the next decoded frame.
func (t *Track) SetTempo(tempo float64) error {
	h, ok := t.h.(*audioHandler)
	if !ok {
		return ErrWrongKind
	}
	return h.setTempo(tempo)
}

// Tempo returns the current playback speed of an audio track.
func (t *Track) Tempo() float64 {
	h, ok := t.h.(*audioHandler)
	if !ok {
		return 1
	}
	h.tempoMu.Lock()
	defer h.tempoMu.Unlock()
	return h.tempo
}

// SetAudioTraitsOverride requests an output layout. Zero fields keep the
// native value. A running worker is restarted to apply it.
func (t *Track) SetAudioTraitsOverride(o media.AudioTraits) error {
	h, ok := t.h.(*audioHandler)
	if !ok {
		return ErrWrongKind
	}
	h.mu.Lock()
	same := h.override == o
	h.mu.Unlock()
	if same {
		return nil
	}
	t.restart(func() {
		h.mu.Lock()
		h.override = o
		h.mu.Unlock()
	})
	return nil
}

// AudioTraits returns the negotiated output layout of an audio track. It
// is the zero value until the layout is known.
func (t *Track) AudioTraits() media.AudioTraits {
	h, ok := t.h.(*audioHandler)
	if !ok {
		return media.AudioTraits{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// ReadAudio blocks until the next audio frame inside the playback interval
// is available. New-sequence markers are always returned.
func (t *Track) ReadAudio(ctx context.Context) (*media.AudioFrame, error) {
	h, ok := t.h.(*audioHandler)
	if !ok {
		return nil, ErrWrongKind
	}
	for {
		f, err := h.frames.Pop(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil, ErrStopped
		}
		if err != nil {
			return nil, err
		}
		if f.NewSequence {
			return f, nil
		}
		in, out, enabled := t.PlaybackInterval()
		end := f.Time.Add(f.Duration())
		if (!enabled || f.Time.Less(out)) && in.Less(end) {
			return f, nil
		}
	}
}
