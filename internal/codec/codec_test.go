package codec

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/reel/internal/media"
)

// sps352x288 is a High profile H.264 SPS for 352x288 at 15 fps.
var sps352x288 = []byte{
	0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
	0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
	0x00, 0x03, 0x00, 0x3d, 0x08,
}

type nopDecoder struct{ name string }

func (d *nopDecoder) Name() string                   { return d.name }
func (d *nopDecoder) SendPacket(*media.Packet) error { return nil }
func (d *nopDecoder) ReceiveFrame() (*Frame, error)  { return nil, ErrAgain }
func (d *nopDecoder) Flush()                         {}
func (d *nopDecoder) Close() error                   { return nil }

func fakeImpl(name string, class Class, openErr error) Implementation {
	return Implementation{
		Name:  name,
		Codec: "fake",
		Class: class,
		Open: func(Params) (Decoder, error) {
			if openErr != nil {
				return nil, openErr
			}
			return &nopDecoder{name: name}, nil
		},
	}
}

func candidateNames(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Decoder.Name()
	}
	return out
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNegotiatorOrdering(t *testing.T) {
	t.Parallel()
	lib := NewLibrary(
		fakeImpl("fake_sw", Software, nil),
		fakeImpl("fake_exp", Experimental, nil),
		fakeImpl("fake_cuvid", Hardware, nil),
		fakeImpl("fake_vda", Hardware, nil),
		fakeImpl("fake_broken", Software, errors.New("no device")),
	)
	p := Params{Codec: "fake", PixelFormat: "yuv420p"}

	hwFirst, err := NewNegotiator(lib, false, nil).Candidates(p)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if got, want := candidateNames(hwFirst), []string{"fake_cuvid", "fake_sw", "fake_exp"}; !equalNames(got, want) {
		t.Errorf("hardware first: got %v, want %v", got, want)
	}

	swFirst, _ := NewNegotiator(lib, true, nil).Candidates(p)
	if got, want := candidateNames(swFirst), []string{"fake_sw", "fake_cuvid", "fake_exp"}; !equalNames(got, want) {
		t.Errorf("software first: got %v, want %v", got, want)
	}

	rec, _ := NewNegotiator(lib, false, nil).Recommend(p, "fake_exp")
	if got, want := candidateNames(rec), []string{"fake_exp", "fake_cuvid", "fake_sw"}; !equalNames(got, want) {
		t.Errorf("recommended: got %v, want %v", got, want)
	}
}

func TestNegotiatorSkipsCuvidForHighBitDepth(t *testing.T) {
	t.Parallel()
	lib := NewLibrary(fakeImpl("fake_cuvid", Hardware, nil), fakeImpl("fake_sw", Software, nil))
	cands, err := NewNegotiator(lib, false, nil).Candidates(Params{Codec: "fake", PixelFormat: "yuv420p10le"})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if got := candidateNames(cands); !equalNames(got, []string{"fake_sw"}) {
		t.Errorf("got %v, want [fake_sw]", got)
	}
}

func TestHardwareSuitableCuvid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    Params
		want bool
	}{
		{"mjpeg_cuvid", Params{Codec: "mjpeg", PixelFormat: "yuvj422p"}, true},
		{"mjpeg_cuvid", Params{Codec: "mjpeg", PixelFormat: "yuvj444p"}, true},
		{"h264_cuvid", Params{Codec: "h264", PixelFormat: "yuv422p"}, false},
		{"h264_cuvid", Params{Codec: "h264", PixelFormat: "yuv420p"}, true},
		{"h264_cuvid", Params{Codec: "h264"}, true},
		{"h264_vda", Params{Codec: "h264", PixelFormat: "yuv420p"}, false},
	}
	for _, tt := range tests {
		if got := hardwareSuitable(tt.name, tt.p); got != tt.want {
			t.Errorf("%s %s/%s: got %v, want %v", tt.name, tt.p.Codec, tt.p.PixelFormat, got, tt.want)
		}
	}
}

func TestNegotiatorUnsupported(t *testing.T) {
	t.Parallel()
	_, err := NewNegotiator(nil, false, nil).Candidates(Params{Codec: "no-such-codec"})
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("got %v, want ErrUnsupportedCodec", err)
	}
}

func TestDefaultLibraryHasBuiltins(t *testing.T) {
	t.Parallel()
	for _, c := range []string{H264, HEVC, PCMS16LE, PCMALaw, SubRip, EIA608} {
		if len(Default().Lookup(c)) == 0 {
			t.Errorf("no implementation for %s", c)
		}
	}
	if Default() != Default() {
		t.Error("Default should return the same library")
	}
}

func receiveAll(t *testing.T, d Decoder) []*Frame {
	t.Helper()
	var out []*Frame
	for {
		f, err := d.ReceiveFrame()
		if errors.Is(err, ErrAgain) || errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReceiveFrame: %v", err)
		}
		out = append(out, f)
	}
}

func pcmPacket(data []byte, pts int64) *media.Packet {
	return &media.Packet{
		Payload:  media.WrapPayload(data),
		PTS:      pts,
		DTS:      pts,
		TimeBase: media.Rational{Num: 1, Den: 8000},
	}
}

func TestPCMDecoderSendReceive(t *testing.T) {
	t.Parallel()
	dec, err := TryOpen(Default().Lookup(PCMS16BE)[0], Params{
		Codec: PCMS16BE, SampleRate: 8000, Channels: 1, TimeBase: media.Rational{Num: 1, Den: 8000},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := dec.SendPacket(pcmPacket([]byte{0x01, 0x02, 0xff, 0xfe, 0x00}, 100)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := dec.SendPacket(pcmPacket([]byte{0, 0}, 102)); !errors.Is(err, ErrAgain) {
		t.Errorf("send with pending output: got %v, want ErrAgain", err)
	}

	frames := receiveAll(t, dec)
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	f := frames[0]
	if f.NumSamples != 2 {
		t.Errorf("samples: got %d, want 2", f.NumSamples)
	}
	if got := int16(binary.LittleEndian.Uint16(f.Samples[0])); got != 0x0102 {
		t.Errorf("first sample: got %#x, want 0x102", got)
	}
	if f.Duration != 2 || f.PTS != 100 {
		t.Errorf("timing: got pts %d dur %d, want 100/2", f.PTS, f.Duration)
	}

	if err := dec.SendPacket(nil); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := dec.ReceiveFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("after drain: got %v, want io.EOF", err)
	}
	if err := dec.SendPacket(pcmPacket([]byte{0, 0}, 104)); !errors.Is(err, io.EOF) {
		t.Errorf("send after drain: got %v, want io.EOF", err)
	}
	dec.Flush()
	if err := dec.SendPacket(pcmPacket([]byte{0, 0}, 104)); err != nil {
		t.Errorf("send after flush: %v", err)
	}
}

func TestG711Expansion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fn   func(byte) int16
		in   byte
		want int16
	}{
		{"alaw 0xd5", alawToLinear, 0xd5, 8},
		{"alaw 0x55", alawToLinear, 0x55, -8},
		{"alaw 0xaa", alawToLinear, 0xaa, 32256},
		{"mulaw 0xff", mulawToLinear, 0xff, 0},
		{"mulaw 0x7f", mulawToLinear, 0x7f, 0},
		{"mulaw 0x80", mulawToLinear, 0x80, 32124},
		{"mulaw 0x00", mulawToLinear, 0x00, -32124},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.in); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func videoPacket(data []byte, pts int64) *media.Packet {
	return &media.Packet{Payload: media.WrapPayload(data), PTS: pts, DTS: media.NoPTS, TimeBase: media.Rational{Num: 1, Den: 90000}}
}

func TestAccessUnitDecoderReordersByPTS(t *testing.T) {
	t.Parallel()
	dec, err := TryOpen(Default().Lookup(H264)[0], Params{Codec: H264})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// A leading non-IDR picture cannot be decoded and yields nothing.
	if err := dec.SendPacket(videoPacket(annexB([]byte{0x41, 0x9a}), 0)); err != nil {
		t.Fatalf("send: %v", err)
	}

	packets := []*media.Packet{
		videoPacket(annexB(sps352x288, []byte{0x65, 0x88, 0x84}), 0),
		videoPacket(annexB([]byte{0x41, 0x9a, 0x02}), 3),
		videoPacket(annexB([]byte{0x01, 0x9e, 0x03}), 1),
		videoPacket(annexB([]byte{0x01, 0x9e, 0x04}), 2),
	}
	var got []*Frame
	for _, pkt := range packets {
		if err := dec.SendPacket(pkt); err != nil {
			t.Fatalf("send pts %d: %v", pkt.PTS, err)
		}
		got = append(got, receiveAll(t, dec)...)
	}
	if err := dec.SendPacket(nil); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got = append(got, receiveAll(t, dec)...)

	if len(got) != 4 {
		t.Fatalf("frames: got %d, want 4", len(got))
	}
	for i, f := range got {
		if f.PTS != int64(i) {
			t.Errorf("frame %d: got pts %d, want %d", i, f.PTS, i)
		}
	}
	if !got[0].Keyframe {
		t.Error("first frame should be a keyframe")
	}
	v := got[0].Video
	if v.Width != 352 || v.Height != 288 || v.PixelFormat != "yuv420p" {
		t.Errorf("traits: got %v, want 352x288 yuv420p", v)
	}
}

func TestAccessUnitDecoderSkipsNonReference(t *testing.T) {
	t.Parallel()
	dec, _ := TryOpen(Default().Lookup(H264)[0], Params{
		Codec:     H264,
		Extradata: [][]byte{sps352x288},
		Options:   Options{SkipNonReference: true},
	})
	_ = dec.SendPacket(videoPacket(annexB([]byte{0x65, 0x88}), 0))
	_ = dec.SendPacket(videoPacket(annexB([]byte{0x01, 0x9e}), 1))
	_ = dec.SendPacket(nil)
	frames := receiveAll(t, dec)
	if len(frames) != 1 {
		t.Errorf("frames: got %d, want 1", len(frames))
	}
}

func TestTextDecoder(t *testing.T) {
	t.Parallel()
	dec, _ := TryOpen(Default().Lookup(SubRip)[0], Params{Codec: SubRip})
	pkt := &media.Packet{
		Payload:  media.WrapPayload([]byte("Hello\r\nworld\r\n")),
		PTS:      1000,
		Duration: 500,
		TimeBase: media.Rational{Num: 1, Den: 1000},
	}
	if err := dec.SendPacket(pkt); err != nil {
		t.Fatalf("send: %v", err)
	}
	frames := receiveAll(t, dec)
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	if frames[0].Text != "Hello\nworld" || frames[0].End != 1500 {
		t.Errorf("got %q end %d, want %q end 1500", frames[0].Text, frames[0].End, "Hello\nworld")
	}
}

func TestSEIUnits(t *testing.T) {
	t.Parallel()
	au := annexB([]byte{0x09, 0xf0}, []byte{0x06, 0x04, 0x01, 0xff}, []byte{0x65, 0x88})
	sei := SEIUnits(H264, au)
	if len(sei) != 1 || sei[0][0] != 0x06 {
		t.Errorf("SEI units: got %v", sei)
	}
	if !IsKeyframe(H264, au) {
		t.Error("IDR access unit should be a keyframe")
	}
	if IsKeyframe(HEVC, nil) {
		t.Error("empty access unit is not a keyframe")
	}
}
