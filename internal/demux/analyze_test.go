package demux

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

func TestAnalyzeTimelineSidecar(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wav := openMem(t, "main.wav", wavFile(8000, 1, 8000), true)
	srt, err := OpenSource(ctx, newMemSource("main.srt", []byte(testSRT), true), Options{Index: 1, TrackOffset: AuxTrackOffset})
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	t.Cleanup(func() { srt.Close() })

	src := NewParallel(NewBuffer(wav, 0), NewBuffer(srt, 0))
	s, err := AnalyzeTimeline(ctx, src, 0)
	if err != nil {
		t.Fatalf("AnalyzeTimeline: %v", err)
	}

	// 8 WAV packets of up to 1024 frames and 3 cues.
	if s.Packets != 11 {
		t.Errorf("packets: got %d, want 11", s.Packets)
	}
	audio, ok := s.Streams["a:000"]
	if !ok || audio.Codec != codec.PCMS16LE || audio.Kind != media.KindAudio {
		t.Errorf("a:000: got %+v", audio)
	}
	sub, ok := s.Streams["s:100"]
	if !ok || sub.Codec != codec.SubRip || sub.TrackID != 100 {
		t.Errorf("s:100: got %+v", sub)
	}

	tl := s.Timelines[0]
	if tl == nil {
		t.Fatal("no timeline for program 0")
	}
	if n := len(tl.Track("a:000").DTSSpans); n != 1 {
		t.Errorf("audio spans: got %d, want 1", n)
	}
	if n := len(tl.Track("s:100").DTSSpans); n != 3 {
		t.Errorf("subtitle spans: got %d, want 3", n)
	}
	if got := tl.BBox().T1.Sec(); got != 6 {
		t.Errorf("timeline end: got %v, want 6", got)
	}

	out := s.String()
	for _, want := range []string{"a:000: program 0, pcm_s16le", "s:100", "program 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q:\n%s", want, out)
		}
	}
}

func TestAnalyzeTimelineFramerate(t *testing.T) {
	t.Parallel()
	d := openMem(t, "in.ts", buildTS(30, 10, nil), true)
	s, err := AnalyzeTimeline(context.Background(), NewBuffer(d, 0), timelineTolerance)
	if err != nil {
		t.Fatalf("AnalyzeTimeline: %v", err)
	}
	est := s.FPS["v:000"]
	if est == nil {
		t.Fatal("no frame rate estimate for v:000")
	}
	if got, want := est.BestGuess(), 90000.0/tsStep; math.Abs(got-want) > 0.01 {
		t.Errorf("fps: got %v, want %v", got, want)
	}
	if _, ok := s.FPS["a:001"]; ok {
		t.Error("audio track has a frame rate estimate")
	}
	if k := tlKeyframes(s, "v:000"); k != 3 {
		t.Errorf("keyframes: got %d, want 3", k)
	}
	if s.Streams["a:001"].Lang != "eng" {
		t.Errorf("audio language: got %q, want eng", s.Streams["a:001"].Lang)
	}
}

const timelineTolerance = 0.02

func tlKeyframes(s *Summary, key string) int {
	for _, tl := range s.Timelines {
		if tr := tl.Track(key); tr != nil {
			return len(tr.Keyframes)
		}
	}
	return -1
}

func TestTrackKey(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		kind media.Kind
		id   int
		want string
	}{
		{media.KindVideo, 0, "v:000"},
		{media.KindAudio, 101, "a:101"},
		{media.KindSubtitle, 2000, "s:2000"},
	} {
		if got := TrackKey(tc.kind, tc.id); got != tc.want {
			t.Errorf("TrackKey(%v, %d): got %q, want %q", tc.kind, tc.id, got, tc.want)
		}
	}
}
