package demux

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
	// AAC-LC, 8 kHz, stereo.
	testASC = []byte{0x15, 0x90}
)

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func full(version byte, flags uint32) []byte { return u32(uint32(version)<<24 | flags) }

func box(typ string, parts ...[]byte) []byte {
	payload := bytes.Join(parts, nil)
	out := u32(uint32(8 + len(payload)))
	out = append(out, typ...)
	return append(out, payload...)
}

func zeros(n int) []byte { return make([]byte, n) }

var identity = bytes.Join([][]byte{
	u32(0x00010000), u32(0), u32(0),
	u32(0), u32(0x00010000), u32(0),
	u32(0), u32(0), u32(0x40000000),
}, nil)

type mp4TestTrack struct {
	id        uint32
	handler   string
	timescale uint32
	duration  uint32
	entry     []byte
	media     []byte // vmhd or smhd
	stts      [][2]uint32
	stss      []uint32
	ctts      [][2]uint32
	perChunk  uint32
	sizes     []uint32
	uniform   uint32
	count     uint32
	chunks    []uint32
	width     uint16
	height    uint16
}

func (tr mp4TestTrack) trak() []byte {
	vol := uint16(0)
	if tr.handler == "soun" {
		vol = 0x0100
	}
	tkhd := box("tkhd", full(0, 3), u32(0), u32(0), u32(tr.id), u32(0), u32(tr.duration),
		zeros(8), u16(0), u16(0), u16(vol), u16(0), identity,
		u32(uint32(tr.width)<<16), u32(uint32(tr.height)<<16))

	mdhd := box("mdhd", full(0, 0), u32(0), u32(0), u32(tr.timescale), u32(tr.duration), u16(0x55C4), u16(0))
	hdlr := box("hdlr", full(0, 0), u32(0), []byte(tr.handler), zeros(12), []byte("handler\x00"))
	dinf := box("dinf", box("dref", full(0, 0), u32(1), box("url ", full(0, 1))))

	var stbl [][]byte
	stbl = append(stbl, box("stsd", full(0, 0), u32(1), tr.entry))
	stts := [][]byte{full(0, 0), u32(uint32(len(tr.stts)))}
	for _, e := range tr.stts {
		stts = append(stts, u32(e[0]), u32(e[1]))
	}
	stbl = append(stbl, box("stts", stts...))
	if tr.stss != nil {
		stss := [][]byte{full(0, 0), u32(uint32(len(tr.stss)))}
		for _, n := range tr.stss {
			stss = append(stss, u32(n))
		}
		stbl = append(stbl, box("stss", stss...))
	}
	if tr.ctts != nil {
		ctts := [][]byte{full(0, 0), u32(uint32(len(tr.ctts)))}
		for _, e := range tr.ctts {
			ctts = append(ctts, u32(e[0]), u32(e[1]))
		}
		stbl = append(stbl, box("ctts", ctts...))
	}
	stbl = append(stbl, box("stsc", full(0, 0), u32(1), u32(1), u32(tr.perChunk), u32(1)))
	stsz := [][]byte{full(0, 0), u32(tr.uniform), u32(tr.count)}
	if tr.uniform == 0 {
		for _, s := range tr.sizes {
			stsz = append(stsz, u32(s))
		}
	}
	stbl = append(stbl, box("stsz", stsz...))
	stco := [][]byte{full(0, 0), u32(uint32(len(tr.chunks)))}
	for _, c := range tr.chunks {
		stco = append(stco, u32(c))
	}
	stbl = append(stbl, box("stco", stco...))

	minf := box("minf", tr.media, dinf, box("stbl", stbl...))
	return box("trak", tkhd, box("mdia", mdhd, hdlr, minf))
}

func sample(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

// buildMP4 writes a progressive file with a 4-sample H.264 track at
// 25 fps (samples 1 and 3 are sync samples, every composition offset is
// one frame) and a 2-sample 8 kHz stereo AAC track. The mdat interleaves
// chunks: V1 V2 | A1 | V3 V4 | A2.
func buildMP4() []byte {
	avcC := box("avcC", []byte{1, 0x64, 0, 0x0c, 0xFF, 0xE1}, u16(uint16(len(testSPS))), testSPS,
		[]byte{1}, u16(uint16(len(testPPS))), testPPS, []byte{0xFD, 0xF8, 0xF8, 0})
	avc1 := box("avc1", zeros(6), u16(1), zeros(16), u16(352), u16(288),
		u32(0x00480000), u32(0x00480000), u32(0), u16(1), zeros(32), u16(0x18), u16(0xFFFF), avcC)
	esds := box("esds", full(0, 0),
		[]byte{0x03, 25, 0x00, 0x01, 0x00},
		[]byte{0x04, 17, 0x40, 0x15, 0, 0, 0}, u32(0), u32(0),
		[]byte{0x05, 2}, testASC,
		[]byte{0x06, 1, 0x02})
	mp4a := box("mp4a", zeros(6), u16(1), u16(0), u16(0), u32(0), u16(2), u16(16), u16(0), u16(0), u32(8000<<16), esds)

	mdat := bytes.Join([][]byte{
		sample(10, 0xA1), sample(11, 0xA2),
		sample(1280, 0xB1),
		sample(12, 0xA3), sample(13, 0xA4),
		sample(1280, 0xB2),
	}, nil)

	moov := func(base uint32) []byte {
		video := mp4TestTrack{
			id: 1, handler: "vide", timescale: 1000, duration: 160, entry: avc1,
			media:    box("vmhd", full(0, 1), zeros(8)),
			stts:     [][2]uint32{{4, 40}},
			stss:     []uint32{1, 3},
			ctts:     [][2]uint32{{4, 40}},
			perChunk: 2, sizes: []uint32{10, 11, 12, 13}, count: 4,
			chunks: []uint32{base, base + 21 + 1280},
			width:  352, height: 288,
		}
		audio := mp4TestTrack{
			id: 2, handler: "soun", timescale: 8000, duration: 640, entry: mp4a,
			media:    box("smhd", full(0, 0), zeros(4)),
			stts:     [][2]uint32{{2, 320}},
			perChunk: 1, uniform: 1280, count: 2,
			chunks: []uint32{base + 21, base + 21 + 1280 + 25},
		}
		mvhd := box("mvhd", full(0, 0), u32(0), u32(0), u32(1000), u32(160), u32(0x00010000), u16(0x0100),
			zeros(10), identity, zeros(24), u32(3))
		return box("moov", mvhd, video.trak(), audio.trak())
	}

	ftyp := box("ftyp", []byte("isom"), u32(0x200), []byte("isomavc1"))
	base := uint32(len(ftyp) + len(moov(0)) + 8)
	return bytes.Join([][]byte{ftyp, moov(base), box("mdat", mdat)}, nil)
}

func TestMP4OpenAndDemux(t *testing.T) {
	t.Parallel()
	d := openMem(t, "a.mp4", buildMP4(), true)
	if d.Format() != "mp4" {
		t.Fatalf("format: got %q, want mp4", d.Format())
	}
	streams := d.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams: got %d, want 2", len(streams))
	}
	v, a := streams[0], streams[1]
	if v.Codec != codec.H264 || v.Params.Width != 352 || v.Params.Height != 288 || v.Params.NALLengthSize != 4 {
		t.Errorf("video: got %+v", v)
	}
	if len(v.Params.Extradata) != 2 || !bytes.Equal(v.Params.Extradata[0], testSPS) {
		t.Errorf("video extradata: got %d units", len(v.Params.Extradata))
	}
	if a.Codec != codec.AAC || a.Params.SampleRate != 8000 || a.Params.Channels != 2 {
		t.Errorf("audio: got %+v", a)
	}
	if len(a.Params.Extradata) != 1 || !bytes.Equal(a.Params.Extradata[0], testASC) {
		t.Errorf("audio extradata: got %x", a.Params.Extradata)
	}
	if v.Lang != "und" {
		t.Errorf("language: got %q, want und", v.Lang)
	}
	if want := media.NewTime(160, 1000); !d.Duration().Equal(want) {
		t.Errorf("duration: got %v, want %v", d.Duration(), want)
	}

	pkts := drain(t, d)
	want := []struct {
		stream int
		first  byte
		dts    int64
		key    bool
	}{
		{0, 0xA1, 0, true},
		{1, 0xB1, 0, true},
		{0, 0xA2, 40, false},
		{1, 0xB2, 320, true},
		{0, 0xA3, 80, true},
		{0, 0xA4, 120, false},
	}
	if len(pkts) != len(want) {
		t.Fatalf("packets: got %d, want %d", len(pkts), len(want))
	}
	for i, w := range want {
		p := pkts[i]
		if p.StreamIndex != w.stream || p.Data()[0] != w.first || p.DTS != w.dts || p.Keyframe() != w.key {
			t.Errorf("packet %d: got stream %d byte %#x dts %d key %v, want %+v",
				i, p.StreamIndex, p.Data()[0], p.DTS, p.Keyframe(), w)
		}
	}
	if pkts[0].PTS != 40 {
		t.Errorf("composition offset: got pts %d, want 40", pkts[0].PTS)
	}
}

func TestMP4Seek(t *testing.T) {
	t.Parallel()
	d := openMem(t, "a.mp4", buildMP4(), true)
	ctx := context.Background()

	if err := d.SeekTo(ctx, SeekBackward, media.NewTime(100, 1000), 0); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	pkts := drain(t, d)
	if len(pkts) != 2 || pkts[0].Data()[0] != 0xA3 {
		t.Fatalf("after seek to 100ms: got %d packets", len(pkts))
	}

	if err := d.SeekTo(ctx, SeekBackward, media.NewTime(50, 1000), -1); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	pkts = drain(t, d)
	if len(pkts) != 6 || pkts[0].Data()[0] != 0xA1 || pkts[1].Data()[0] != 0xB1 {
		t.Errorf("after seek to 50ms: got %d packets", len(pkts))
	}

	if err := d.SeekTo(ctx, SeekAny, media.NewTime(50, 1000), -1); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	p, err := d.Demux(ctx)
	if err != nil {
		t.Fatalf("Demux: %v", err)
	}
	if p.Data()[0] != 0xA2 {
		t.Errorf("after any-frame seek: got %#x, want 0xa2", p.Data()[0])
	}
}

func TestMP4RequiresSeekable(t *testing.T) {
	t.Parallel()
	_, err := OpenSource(context.Background(), newMemSource("a.mp4", buildMP4(), false), Options{})
	if err == nil {
		t.Fatal("opening an unseekable mp4 succeeded")
	}
}
