package track

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

const defaultFrameRate = 25.0

type videoHandler struct {
	t      *Track
	frames *queue.Queue[*media.VideoFrame]

	mu          sync.Mutex
	override    media.VideoTraits
	deinterlace bool
	current     media.VideoTraits

	// Worker state.
	native  media.VideoTraits
	hasPrev bool
	prev    media.Time
	prevDur media.Time
}

func newVideoHandler(t *Track) *videoHandler {
	return &videoHandler{
		t:      t,
		frames: queue.New[*media.VideoFrame](media.VideoQueueSize),
	}
}

func (h *videoHandler) startup() {
	p := h.t.Params()
	h.native = media.VideoTraits{Width: p.Width, Height: p.Height, PixelFormat: p.PixelFormat, FrameRate: p.FrameRate}
	h.publish()
	h.hasPrev = false
}

// output returns the native traits with the pixel format override applied.
func (h *videoHandler) output() media.VideoTraits {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.native
	if h.override.PixelFormat != "" {
		out.PixelFormat = h.override.PixelFormat
	}
	return out
}

func (h *videoHandler) publish() {
	out := h.output()
	h.mu.Lock()
	h.current = out
	h.mu.Unlock()
}

// frameDuration returns the frame's own duration, else one frame period
// at the stream rate.
func (h *videoHandler) frameDuration(f *codec.Frame, tb media.Rational) media.Time {
	if f.Duration > 0 {
		if d, ok := media.FromTicks(f.Duration, tb); ok {
			return d
		}
	}
	fps := h.native.FrameRate
	if fps <= 0 {
		fps = defaultFrameRate
	}
	return media.Seconds(1 / fps)
}

func (h *videoHandler) handle(ctx context.Context, pkt *media.Packet, frames []*codec.Frame) error {
	tb := h.t.Params().TimeBase
	for _, f := range frames {
		if f.Kind != media.KindVideo {
			continue
		}
		if f.Video != h.native && f.Video.Width > 0 {
			h.native = f.Video
			h.publish()
		}
		out := h.output()
		h.mu.Lock()
		want := h.override.PixelFormat
		h.mu.Unlock()
		// Pixel conversion is not available: pictures that do not match a
		// requested pixel format never reach the queue.
		if want != "" && f.Video.PixelFormat != want {
			h.t.dropped.Add(1)
			continue
		}

		dur := h.frameDuration(f, tb)
		ts, ok := h.frameTime(f, pkt, tb)
		if !h.t.accept(ts, dur) {
			continue
		}

		hdr := h.t.header(ts)
		hdr.MonotonicityWarning = !ok
		h.mu.Lock()
		deinterlace := h.deinterlace
		h.mu.Unlock()

		vf := &media.VideoFrame{
			FrameHeader: hdr,
			Traits:      out,
			Planes:      f.Planes,
			Keyframe:    f.Keyframe,
			Deinterlace: deinterlace,
			Duration:    dur,
		}
		if err := h.frames.Push(ctx, vf); err != nil {
			return err
		}
	}
	return nil
}

// frameTime picks the first strictly increasing candidate among the
// decoder's best-effort PTS, the packet DTS, the previous frame plus its
// duration and the previous frame plus one tick. A stream with no usable
// timestamps starts at zero.
func (h *videoHandler) frameTime(f *codec.Frame, pkt *media.Packet, tb media.Rational) (media.Time, bool) {
	var candidates []media.Time
	if c, ok := media.FromTicks(f.PTS, tb); ok {
		candidates = append(candidates, c)
	}
	if pkt != nil {
		if c, ok := media.FromTicks(pkt.DTS, tb); ok {
			candidates = append(candidates, c)
		}
	}
	if h.hasPrev {
		candidates = append(candidates, h.prev.Add(h.prevDur), h.prev.AddTicks(1))
	} else {
		candidates = append(candidates, media.NewTime(0, media.DefaultTimeBase))
	}
	for _, c := range candidates {
		if h.hasPrev && !h.prev.Less(c) {
			continue
		}
		h.hasPrev = true
		h.prev = c
		h.prevDur = h.frameDuration(f, tb)
		return c, true
	}
	return h.prev, false
}

func (h *videoHandler) reset(ctx context.Context, seek media.Time) error {
	h.hasPrev = false
	hdr := h.t.header(seek)
	hdr.NewSequence = true
	return h.frames.Push(ctx, &media.VideoFrame{FrameHeader: hdr, Traits: h.output()})
}

func (h *videoHandler) clearFrames() { h.frames.Clear() }
func (h *videoHandler) closeFrames() { h.frames.Close() }
func (h *videoHandler) openFrames()  { h.frames.Open() }

// SetVideoTraitsOverride requests an output pixel format. Other fields are
// taken from the stream. A running worker is restarted to apply it.
func (t *Track) SetVideoTraitsOverride(o media.VideoTraits) error {
	h, ok := t.h.(*videoHandler)
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

// VideoTraits returns the output traits of a video track.
func (t *Track) VideoTraits() media.VideoTraits {
	h, ok := t.h.(*videoHandler)
	if !ok {
		return media.VideoTraits{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// SetDeinterlacing marks subsequent video frames for deinterlacing by the
// renderer.
func (t *Track) SetDeinterlacing(on bool) error {
	h, ok := t.h.(*videoHandler)
	if !ok {
		return ErrWrongKind
	}
	h.mu.Lock()
	h.deinterlace = on
	h.mu.Unlock()
	return nil
}

// ReadVideo blocks until the next video frame is available.
func (t *Track) ReadVideo(ctx context.Context) (*media.VideoFrame, error) {
	h, ok := t.h.(*videoHandler)
	if !ok {
		return nil, ErrWrongKind
	}
	f, err := h.frames.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, ErrStopped
	}
	return f, err
}

// TryReadVideo returns the next video frame if one is queued.
func (t *Track) TryReadVideo() (*media.VideoFrame, bool) {
	h, ok := t.h.(*videoHandler)
	if !ok {
		return nil, false
	}
	return h.frames.TryPop()
}
