package demux

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/timeline"
)

// DefaultAnalyzeTolerance is the gap, in seconds, AnalyzeTimeline still
// treats as contiguous.
const DefaultAnalyzeTolerance = 0.016

// maxIdleRounds bounds how often AnalyzeTimeline retries a source that
// neither yields packets nor gives up.
const maxIdleRounds = 1000

// StreamInfo describes one analyzed track.
type StreamInfo struct {
	TrackID int
	Program int
	Kind    media.Kind
	Codec   string
	Lang    string
}

// Summary is the result of draining a source through AnalyzeTimeline:
// a timeline per program and a frame rate estimate per video track.
type Summary struct {
	Streams   map[string]StreamInfo
	Programs  map[int]media.ProgramInfo
	Timelines map[int]*timeline.Timeline
	FPS       map[string]*timeline.FramerateEstimator
	Packets   int
}

// TrackKey formats a track id the way summaries key it, e.g. "v:000".
func TrackKey(kind media.Kind, id int) string {
	return fmt.Sprintf("%s:%03d", kind.Prefix(), id)
}

// AnalyzeTimeline drains src and records every packet's decode and
// presentation span on the timeline of its program. A tolerance <= 0
// means DefaultAnalyzeTolerance. A source error ends the analysis early
// and is returned with the partial summary.
func AnalyzeTimeline(ctx context.Context, src Interface, tolerance float64) (*Summary, error) {
	if tolerance <= 0 {
		tolerance = DefaultAnalyzeTolerance
	}
	s := &Summary{
		Streams:   make(map[string]StreamInfo),
		Programs:  make(map[int]media.ProgramInfo),
		Timelines: make(map[int]*timeline.Timeline),
		FPS:       make(map[string]*timeline.FramerateEstimator),
	}
	kinds := s.collectStreams(src)

	var failed error
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		if err := src.Populate(ctx); err != nil {
			if ctx.Err() != nil {
				return s, err
			}
			if failed == nil {
				failed = err
			}
		}
		pkt, ok := Get(src)
		if !ok {
			if src.GaveUp() {
				break
			}
			if idle++; idle > maxIdleRounds {
				break
			}
			continue
		}
		idle = 0

		kind, known := kinds[pkt.TrackID]
		if !known {
			kinds = s.collectStreams(src)
			kind = kinds[pkt.TrackID]
		}
		s.add(pkt, kind, tolerance)
		pkt.Release()
	}
	return s, failed
}

func (s *Summary) collectStreams(src Interface) map[int]media.Kind {
	kinds := make(map[int]media.Kind)
	tracks := trackInfo(src)
	for _, p := range src.Programs() {
		if _, ok := s.Programs[p.ID]; !ok {
			s.Programs[p.ID] = p
		}
		for kind, ids := range map[media.Kind][]int{
			media.KindVideo:    p.Video,
			media.KindAudio:    p.Audio,
			media.KindSubtitle: p.Subtitle,
		} {
			for _, id := range ids {
				kinds[id] = kind
				info := StreamInfo{TrackID: id, Program: p.ID, Kind: kind}
				if t, ok := tracks[id]; ok {
					info.Codec, info.Lang = t.Codec, t.Lang
				}
				s.Streams[TrackKey(kind, id)] = info
			}
		}
	}
	return kinds
}

// trackInfo gathers codec and language by global track id from the
// demuxers behind src.
func trackInfo(src Interface) map[int]StreamInfo {
	out := make(map[int]StreamInfo)
	var walk func(Interface)
	walk = func(src Interface) {
		switch v := src.(type) {
		case *Buffer:
			d := v.Demuxer()
			for _, st := range d.Streams() {
				out[st.Index+d.TrackOffset()] = StreamInfo{Codec: st.Codec, Lang: st.Lang}
			}
		case *Parallel:
			for _, c := range v.Children() {
				walk(c)
			}
		}
	}
	walk(src)
	return out
}

func (s *Summary) add(pkt *media.Packet, kind media.Kind, tolerance float64) {
	dts, okD := pkt.DTSTime()
	pts, okP := pkt.PTSTime()
	switch {
	case !okD && !okP:
		return
	case !okD:
		dts = pts
	case !okP:
		pts = dts
	}
	s.Packets++

	tl := s.Timelines[pkt.Program]
	if tl == nil {
		tl = timeline.New()
		s.Timelines[pkt.Program] = tl
	}
	key := TrackKey(kind, pkt.TrackID)
	tl.AddFrame(key, pkt.Keyframe(), dts, pts, pkt.DurationTime(), tolerance)

	if kind == media.KindVideo {
		est := s.FPS[key]
		if est == nil {
			est = timeline.NewFramerateEstimator()
			s.FPS[key] = est
		}
		est.Push(dts)
	}
}

func (s *Summary) String() string {
	var b strings.Builder
	ids := make([]int, 0, len(s.Timelines))
	for id := range s.Timelines {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "program %d", id)
		if name := s.Programs[id].Name; name != "" {
			fmt.Fprintf(&b, " %q", name)
		}
		fmt.Fprintf(&b, ": %s", s.Timelines[id])
	}

	keys := make([]string, 0, len(s.Streams))
	for k := range s.Streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		st := s.Streams[k]
		fmt.Fprintf(&b, "%s: program %d, %s", k, st.Program, st.Codec)
		if st.Lang != "" {
			fmt.Fprintf(&b, " [%s]", st.Lang)
		}
		if est := s.FPS[k]; est != nil {
			fmt.Fprintf(&b, ", %.3f fps", est.BestGuess())
		}
		b.WriteByte('\n')
	}
	return b.String()
}
