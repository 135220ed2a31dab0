package track

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// maxSubtitleDuration caps subtitles whose end time the stream never gave.
const maxSubtitleDuration = 5.0

type subtitleHandler struct {
	t      *Track
	frames *queue.Queue[*media.SubtitleFrame]

	mu     sync.Mutex
	active Subtitles
}

func newSubtitleHandler(t *Track) *subtitleHandler {
	return &subtitleHandler{
		t:      t,
		frames: queue.New[*media.SubtitleFrame](media.SubtitleQueueSize),
	}
}

func (h *subtitleHandler) startup() {}

func (h *subtitleHandler) handle(ctx context.Context, _ *media.Packet, frames []*codec.Frame) error {
	tb := h.t.Params().TimeBase
	for _, f := range frames {
		if f.Kind != media.KindSubtitle || f.Text == "" {
			continue
		}
		start, ok := media.FromTicks(f.PTS, tb)
		if !ok {
			h.t.dropped.Add(1)
			continue
		}
		end, _ := media.FromTicks(f.End, tb)
		sf := &media.SubtitleFrame{
			FrameHeader: h.t.header(start),
			End:         end,
			Text:        f.Text,
			Channel:     f.Channel,
		}
		if err := h.frames.Push(ctx, sf); err != nil {
			return err
		}
	}
	return nil
}

func (h *subtitleHandler) reset(ctx context.Context, seek media.Time) error {
	h.mu.Lock()
	h.active = nil
	h.mu.Unlock()
	hdr := h.t.header(seek)
	hdr.NewSequence = true
	return h.frames.Push(ctx, &media.SubtitleFrame{FrameHeader: hdr})
}

func (h *subtitleHandler) clearFrames() {
	h.frames.Clear()
	h.mu.Lock()
	h.active = nil
	h.mu.Unlock()
}

func (h *subtitleHandler) closeFrames() { h.frames.Close() }
func (h *subtitleHandler) openFrames()  { h.frames.Open() }

// ReadSubtitle blocks until the next subtitle event is available.
func (t *Track) ReadSubtitle(ctx context.Context) (*media.SubtitleFrame, error) {
	h, ok := t.h.(*subtitleHandler)
	if !ok {
		return nil, ErrWrongKind
	}
	f, err := h.frames.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, ErrStopped
	}
	return f, err
}

// SubtitlesAt moves queued events into the active list, fixes up unknown
// end times, expunges events that ended before v0 and returns the events
// overlapping [v0, v1), in seconds.
func (t *Track) SubtitlesAt(v0, v1 float64) ([]media.SubtitleFrame, error) {
	h, ok := t.h.(*subtitleHandler)
	if !ok {
		return nil, ErrWrongKind
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var next *media.SubtitleFrame
	for {
		f, ok := h.frames.Peek()
		if !ok {
			break
		}
		if !f.NewSequence && v1 < f.Time.Sec() {
			next = f
			break
		}
		h.frames.TryPop()
		if f.NewSequence {
			h.active = nil
			continue
		}
		h.active.Add(*f)
	}

	h.active.FixupEndTimes(v1, next)
	h.active.Expunge(v0)
	return h.active.Get(v0, v1), nil
}

// Subtitles is the list of subtitle events a renderer may need to show.
type Subtitles []media.SubtitleFrame

// Add appends an event.
func (s *Subtitles) Add(f media.SubtitleFrame) { *s = append(*s, f) }

// fixupEndTime gives prev an end time when the stream left it open: the
// start of next, at most five seconds later, or five seconds once the
// playhead v1 is more than five seconds past the start.
func fixupEndTime(v1 float64, prev *media.SubtitleFrame, next *media.SubtitleFrame) {
	if prev.End.Valid() {
		return
	}
	s0 := prev.Time.Sec()
	if next != nil && next.Time.Valid() && s0 < next.Time.Sec() {
		prev.End = prev.Time.AddSeconds(min(maxSubtitleDuration, next.Time.Sec()-s0))
	} else if v1-s0 > maxSubtitleDuration {
		prev.End = prev.Time.AddSeconds(maxSubtitleDuration)
	}
}

// FixupEndTimes closes open-ended events using their successor; the last
// event is closed against next, which may be nil.
func (s Subtitles) FixupEndTimes(v1 float64, next *media.SubtitleFrame) {
	for i := range s {
		var n *media.SubtitleFrame
		if i+1 < len(s) {
			n = &s[i+1]
		} else {
			n = next
		}
		fixupEndTime(v1, &s[i], n)
	}
}

// Expunge drops events that ended at or before v0.
func (s *Subtitles) Expunge(v0 float64) {
	kept := (*s)[:0]
	for _, f := range *s {
		if f.End.Valid() && f.End.Sec() <= v0 {
			continue
		}
		kept = append(kept, f)
	}
	*s = kept
}

// Get returns the events overlapping [v0, v1). Events with no end time
// yet are treated as still showing.
func (s Subtitles) Get(v0, v1 float64) []media.SubtitleFrame {
	var out []media.SubtitleFrame
	for _, f := range s {
		s0 := f.Time.Sec()
		s1 := v1 + 1
		if f.End.Valid() {
			s1 = f.End.Sec()
		}
		if s0 < v1 && v0 < s1 {
			out = append(out, f)
		}
	}
	return out
}
