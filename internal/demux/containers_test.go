package demux

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

func TestSniff(t *testing.T) {
	t.Parallel()
	adts := append(adtsFrame([]byte{1, 2}), adtsFrame([]byte{3, 4})...)
	id3 := append([]byte{'I', 'D', '3', 4, 0, 0, 0, 0, 0, 2, 0xAA, 0xBB}, adts...)
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"ts", buildTS(2, 1, nil), "mpegts"},
		{"mp4", []byte("\x00\x00\x00\x18ftypisom"), "mp4"},
		{"wav", wavFile(8000, 1, 10), "wav"},
		{"adts", adts, "adts"},
		{"id3 adts", id3, "adts"},
		{"srt", []byte(testSRT), "subrip"},
		{"srt bom crlf", []byte("\xEF\xBB\xBF1\r\n00:00:00,000 --> 00:00:01,000\r\nhi\r\n"), "subrip"},
		{"garbage", []byte("hello world, this is not media"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := sniff(tt.data); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenUnknownFormat(t *testing.T) {
	t.Parallel()
	_, err := OpenSource(context.Background(), newMemSource("x.bin", []byte("not media at all"), true), Options{})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("got %v, want ErrUnknownFormat", err)
	}
}

func TestWAV(t *testing.T) {
	t.Parallel()
	d := openMem(t, "a.wav", wavFile(48000, 2, 3000), true)
	s := d.Streams()[0]
	if s.Codec != codec.PCMS16LE || s.Params.SampleRate != 48000 || s.Params.Channels != 2 {
		t.Fatalf("stream: got %+v", s)
	}
	if want := media.NewTime(3000, 48000); !d.Duration().Equal(want) {
		t.Errorf("duration: got %v, want %v", d.Duration(), want)
	}
	pkts := drain(t, d)
	if len(pkts) != 3 {
		t.Fatalf("packets: got %d, want 3", len(pkts))
	}
	if pkts[2].PTS != 2048 || pkts[2].Duration != 952 || len(pkts[2].Data()) != 952*4 {
		t.Errorf("last packet: got pts %d dur %d len %d", pkts[2].PTS, pkts[2].Duration, len(pkts[2].Data()))
	}

	if err := d.SeekTo(context.Background(), 0, media.NewTime(1, 32), -1); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	p, err := d.Demux(context.Background())
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if p.PTS != 1500 {
		t.Errorf("after seek: got pts %d, want 1500", p.PTS)
	}
	if want := byte(1500 * 4); p.Data()[0] != want {
		t.Errorf("after seek: got first byte %d, want %d", p.Data()[0], want)
	}
}

func TestWAVUnsupportedFormat(t *testing.T) {
	t.Parallel()
	data := wavFile(8000, 1, 4)
	// Rewrite the format tag to MPEG layer 3.
	i := bytes.Index(data, []byte("fmt ")) + 8
	data[i], data[i+1] = 0x55, 0x00
	_, err := OpenSource(context.Background(), newMemSource("a.wav", data, true), Options{})
	if !errors.Is(err, codec.ErrUnsupportedCodec) {
		t.Errorf("got %v, want ErrUnsupportedCodec", err)
	}
}

func TestADTS(t *testing.T) {
	t.Parallel()
	var data []byte
	for i := range 10 {
		data = append(data, adtsFrame([]byte{byte(i), 0xAA, 0xBB})...)
	}
	d := openMem(t, "a.aac", data, true)
	s := d.Streams()[0]
	if s.Codec != codec.AAC || s.Params.SampleRate != 48000 || s.Params.Channels != 2 {
		t.Fatalf("stream: got %+v", s)
	}
	if want := media.NewTime(10*1024, 48000); !d.Duration().Equal(want) {
		t.Errorf("duration: got %v, want %v", d.Duration(), want)
	}
	pkts := drain(t, d)
	if len(pkts) != 10 {
		t.Fatalf("packets: got %d, want 10", len(pkts))
	}
	if pkts[3].PTS != 3*1024 || pkts[3].Data()[0] != 3 {
		t.Errorf("packet 3: got pts %d first byte %d", pkts[3].PTS, pkts[3].Data()[0])
	}

	if err := d.SeekTo(context.Background(), SeekBackward, media.NewTime(6*1024+10, 48000), 0); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	p, err := d.Demux(context.Background())
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if p.PTS != 6*1024 || p.Data()[0] != 6 {
		t.Errorf("after seek: got pts %d first byte %d, want frame 6", p.PTS, p.Data()[0])
	}
}

func TestADTSResync(t *testing.T) {
	t.Parallel()
	data := adtsFrame([]byte{1, 1})
	data = append(data, 0x00, 0x13, 0x37)
	data = append(data, adtsFrame([]byte{2, 2})...)
	d := openMem(t, "live.aac", data, false)
	pkts := drain(t, d)
	if len(pkts) != 2 || pkts[1].Data()[0] != 2 {
		t.Errorf("got %d packets, want 2 around the garbage", len(pkts))
	}
}

func TestParseSubRipTiming(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line       string
		start, end int64
		ok         bool
	}{
		{"00:00:01,600 --> 00:00:04,200", 1600, 4200, true},
		{"01:02:03.004 --> 01:02:04.000 X1:1 X2:2", 3723004, 3724000, true},
		{"00:00:05,000 --> 00:00:04,000", 0, 0, false},
		{"00:00:01 --> 00:00:02", 0, 0, false},
		{"hello", 0, 0, false},
	}
	for _, tt := range tests {
		start, end, ok := parseSubRipTiming(tt.line)
		if ok != tt.ok || start != tt.start || end != tt.end {
			t.Errorf("%q: got %d, %d, %v, want %d, %d, %v", tt.line, start, end, ok, tt.start, tt.end, tt.ok)
		}
	}
}

func TestSubRip(t *testing.T) {
	t.Parallel()
	d := openMem(t, "a.srt", []byte(testSRT), true)
	s := d.Streams()[0]
	if s.Kind != media.KindSubtitle || s.Codec != codec.SubRip {
		t.Fatalf("stream: got %+v", s)
	}
	pkts := drain(t, d)
	if len(pkts) != 3 {
		t.Fatalf("cues: got %d, want 3", len(pkts))
	}
	if got := string(pkts[1].Data()); got != "Two\nlines" {
		t.Errorf("cue 2 text: got %q", got)
	}
	if pkts[1].PTS != 3000 || pkts[1].Duration != 1000 {
		t.Errorf("cue 2 timing: got %d+%d", pkts[1].PTS, pkts[1].Duration)
	}

	// 3.5s falls inside cue 2, which is still showing.
	if err := d.SeekTo(context.Background(), 0, media.NewTime(3500, 1000), -1); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	p, err := d.Demux(context.Background())
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if p.PTS != 3000 {
		t.Errorf("after seek: got pts %d, want 3000", p.PTS)
	}
}
