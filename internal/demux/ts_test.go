package demux

import (
	"context"
	"errors"
	"testing"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

const tsStep = 3840

// buildTS writes one program with an H.264 stream on PID 0x100 and an
// AAC stream on PID 0x101. Every unit carries one video access unit and
// two ADTS frames; a keyframe starts every gop units.
func buildTS(units, gop int, sei []byte) []byte {
	b := newTSBuilder()
	b.pat([2]uint16{1, 0x1000})
	b.pmt(0x1000, 1, 0x100,
		pmtEntry{pid: 0x100, streamType: 0x1B},
		pmtEntry{pid: 0x101, streamType: 0x0F, lang: "eng"})
	audio := append(adtsFrame([]byte{1, 2, 3, 4}), adtsFrame([]byte{5, 6, 7, 8})...)
	for i := range units {
		dts := int64(90000 + i*tsStep)
		key := i%gop == 0
		au := h264P
		if key {
			au = h264IDR
		}
		if sei != nil {
			au = append(append([]byte(nil), sei...), au...)
		}
		b.pes(0x100, 0xE0, key, dts+tsStep, dts, au)
		b.pes(0x101, 0xC0, false, dts, -1, audio)
	}
	return b.bytes()
}

// captionSEI returns an Annex B SEI NAL carrying one CEA-608 pair.
func captionSEI() []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x41, 0xFF, 0xFC, 0xC8, 0xE5, 0xFF}
	nal := []byte{0, 0, 0, 1, 0x06, 0x04, byte(len(payload))}
	nal = append(nal, payload...)
	return append(nal, 0x80)
}

func TestTSOpenAndDemux(t *testing.T) {
	t.Parallel()
	d := openMem(t, "in.ts", buildTS(10, 5, nil), true)

	if got := d.Format(); got != "mpegts" {
		t.Fatalf("format: got %q, want mpegts", got)
	}
	streams := d.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams: got %d, want 2", len(streams))
	}
	if s := streams[0]; s.Kind != media.KindVideo || s.Codec != codec.H264 || s.Program != 1 {
		t.Errorf("stream 0: got %+v", s)
	}
	a := streams[1]
	if a.Kind != media.KindAudio || a.Codec != codec.AAC || a.Lang != "eng" {
		t.Errorf("stream 1: got %+v", a)
	}
	if a.Params.SampleRate != 48000 || a.Params.Channels != 2 {
		t.Errorf("audio params: got %d Hz %d ch, want 48000 Hz 2 ch", a.Params.SampleRate, a.Params.Channels)
	}
	if !a.Start.Valid() || a.Start.Sec() != 1 {
		t.Errorf("audio start: got %v, want 1s", a.Start)
	}

	progs := d.Programs()
	if len(progs) != 1 || progs[0].ID != 1 || len(progs[0].Video) != 1 || len(progs[0].Audio) != 1 {
		t.Fatalf("programs: got %+v", progs)
	}
	if want := media.NewTime(9*tsStep, 90000); !d.Duration().Equal(want) {
		t.Errorf("duration: got %v, want %v", d.Duration(), want)
	}

	var video, audio []*media.Packet
	for _, p := range drain(t, d) {
		if p.TimeBase != tsTimeBase {
			t.Fatalf("time base: got %v", p.TimeBase)
		}
		switch p.StreamIndex {
		case 0:
			video = append(video, p)
		case 1:
			audio = append(audio, p)
		}
	}
	if len(video) != 10 || len(audio) != 20 {
		t.Fatalf("packets: got %d video %d audio, want 10 and 20", len(video), len(audio))
	}
	for i, p := range video {
		if want := i%5 == 0; p.Keyframe() != want {
			t.Errorf("video %d keyframe: got %v, want %v", i, p.Keyframe(), want)
		}
		if p.DTS != int64(90000+i*tsStep) || p.PTS != p.DTS+tsStep {
			t.Errorf("video %d: got dts %d pts %d", i, p.DTS, p.PTS)
		}
	}
	if audio[1].PTS-audio[0].PTS != 1920 || audio[0].Duration != 1920 {
		t.Errorf("adts split: got pts %d, %d dur %d", audio[0].PTS, audio[1].PTS, audio[0].Duration)
	}
	if got := len(audio[0].Data()); got != 4 {
		t.Errorf("aac access unit: got %d bytes, want 4", got)
	}
	if video[0].TrackID != 0 || audio[0].TrackID != 1 || audio[0].Program != 1 {
		t.Errorf("ids: got video %d audio %d program %d", video[0].TrackID, audio[0].TrackID, audio[0].Program)
	}
}

func TestTSUnseekable(t *testing.T) {
	t.Parallel()
	d := openMem(t, "live", buildTS(6, 3, nil), false)
	if got := len(drain(t, d)); got != 18 {
		t.Errorf("packets: got %d, want 18", got)
	}
	err := d.SeekTo(context.Background(), SeekBackward, media.NewTime(1, 1), -1)
	if !errors.Is(err, ErrNotSeekable) {
		t.Errorf("seek: got %v, want ErrNotSeekable", err)
	}
	if d.Duration().Valid() {
		t.Errorf("duration of live input: got %v, want invalid", d.Duration())
	}
}

func firstVideo(t *testing.T, d *Demuxer) *media.Packet {
	t.Helper()
	for range 1000 {
		p, err := d.Demux(context.Background())
		if err != nil {
			t.Fatalf("Demux: %v", err)
		}
		if p.StreamIndex == 0 {
			return p
		}
	}
	t.Fatal("no video packet")
	return nil
}

func TestTSSeek(t *testing.T) {
	t.Parallel()
	d := openMem(t, "seek.ts", buildTS(100, 25, nil), true)
	ctx := context.Background()

	target := media.NewTime(90000+60*tsStep, 90000)
	if err := d.SeekTo(ctx, SeekBackward, target, -1); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	p := firstVideo(t, d)
	if want := int64(90000 + 50*tsStep); p.DTS != want || !p.Keyframe() {
		t.Errorf("after backward seek: got dts %d key %v, want dts %d key", p.DTS, p.Keyframe(), want)
	}

	if err := d.SeekTo(ctx, 0, target, -1); err != nil {
		t.Fatalf("SeekTo forward: %v", err)
	}
	p = firstVideo(t, d)
	if want := int64(90000 + 75*tsStep); p.DTS != want || !p.Keyframe() {
		t.Errorf("after forward seek: got dts %d, want %d", p.DTS, want)
	}

	if err := d.SeekTo(ctx, SeekBackward, media.NewTime(0, 1), -1); err != nil {
		t.Fatalf("SeekTo start: %v", err)
	}
	if p = firstVideo(t, d); p.DTS != 90000 {
		t.Errorf("after seek to start: got dts %d, want 90000", p.DTS)
	}
}

func TestTSCaptions(t *testing.T) {
	t.Parallel()
	d := openMem(t, "cc.ts", buildTS(4, 2, captionSEI()), true)

	streams := d.Streams()
	if len(streams) != 3 {
		t.Fatalf("streams: got %d, want 3", len(streams))
	}
	cc := streams[2]
	if cc.Kind != media.KindSubtitle || cc.Codec != codec.EIA608 || cc.Program != 1 {
		t.Errorf("caption stream: got %+v", cc)
	}
	if len(d.SubtitleTracks()) != 1 {
		t.Errorf("subtitle tracks: got %d, want 1", len(d.SubtitleTracks()))
	}
	n := 0
	for _, p := range drain(t, d) {
		if p.StreamIndex == 2 {
			n++
			if p.Data()[0] != 0x06 {
				t.Errorf("caption payload: got NAL header %#x, want SEI", p.Data()[0])
			}
		}
	}
	if n != 4 {
		t.Errorf("caption packets: got %d, want 4", n)
	}
}

func TestTSUnwrap(t *testing.T) {
	t.Parallel()
	c := &tsContainer{}
	if got := c.unwrap(tsWrap - 9000); got != tsWrap-9000 {
		t.Fatalf("first: got %d", got)
	}
	if got := c.unwrap(1000); got != tsWrap+1000 {
		t.Errorf("wrapped: got %d, want %d", got, int64(tsWrap+1000))
	}
	if got := c.unwrap(tsWrap - 5000); got != tsWrap-5000 {
		t.Errorf("unwrapped: got %d", got)
	}
}
