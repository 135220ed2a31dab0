package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

// mp4NALLength is the length prefix size mp4ff reads and writes for
// avcC and hvcC streams.
const mp4NALLength = 4

type mp4Sample struct {
	offset int64
	size   uint32
	dts    int64
	pts    int64
	dur    uint32
	key    bool
}

type mp4Track struct {
	stream  int
	kind    media.Kind
	tb      media.Rational
	samples []mp4Sample
	next    int
}

func (t *mp4Track) nextTime() (media.Time, int64, bool) {
	if t.next >= len(t.samples) {
		return media.Time{}, 0, false
	}
	s := t.samples[t.next]
	tm, _ := media.FromTicks(s.dts, t.tb)
	return tm, s.offset, true
}

// mp4Container reads progressive MP4 and QuickTime files from their
// sample tables. Fragmented files are not indexed.
type mp4Container struct {
	ci     containerInfo
	src    Source
	log    *slog.Logger
	tracks []*mp4Track
}

func openMP4(ctx context.Context, src Source, log *slog.Logger) (container, error) {
	if !src.Seekable() {
		return nil, fmt.Errorf("mp4: %w", ErrNotSeekable)
	}
	f, err := mp4.DecodeFile(src, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return nil, fmt.Errorf("mp4: %w", err)
	}
	if f.Moov == nil {
		return nil, errors.New("mp4: no moov box")
	}
	c := &mp4Container{src: src, log: log}
	for _, trak := range f.Moov.Traks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.addTrak(trak); err != nil {
			log.Warn("skipping track", "track_id", trak.Tkhd.TrackID, "error", err)
		}
	}
	if len(c.tracks) == 0 {
		return nil, errors.New("mp4: no supported tracks")
	}
	if mvhd := f.Moov.Mvhd; mvhd != nil && mvhd.Timescale > 0 {
		c.ci.update(func(md *metadata) {
			md.duration = media.NewTime(int64(mvhd.Duration), uint64(mvhd.Timescale))
		})
	}
	return c, nil
}

func (c *mp4Container) format() string        { return "mp4" }
func (c *mp4Container) info() *containerInfo { return &c.ci }

func (c *mp4Container) addTrak(trak *mp4.TrakBox) error {
	mdia := trak.Mdia
	if mdia == nil || mdia.Mdhd == nil || mdia.Hdlr == nil || mdia.Minf == nil || mdia.Minf.Stbl == nil {
		return errors.New("incomplete track")
	}
	stbl := mdia.Minf.Stbl
	if stbl.Stsd == nil || len(stbl.Stsd.Children) == 0 {
		return errors.New("no sample description")
	}
	if mdia.Mdhd.Timescale == 0 {
		return errors.New("zero timescale")
	}
	tb := media.Rational{Num: 1, Den: int64(mdia.Mdhd.Timescale)}

	params, err := mp4Params(mdia.Hdlr.HandlerType, stbl.Stsd.Children[0])
	if err != nil {
		return err
	}
	params.TimeBase = tb

	samples, err := mp4Samples(stbl)
	if err != nil {
		return err
	}
	st := Stream{
		Program:  0,
		Kind:     params.Kind,
		Codec:    params.Codec,
		Lang:     mdia.Mdhd.GetLanguage(),
		Params:   params,
		Duration: media.NewTime(int64(mdia.Mdhd.Duration), uint64(mdia.Mdhd.Timescale)),
	}
	if len(samples) > 0 {
		st.Start, _ = media.FromTicks(samples[0].pts, tb)
	}
	t := &mp4Track{kind: params.Kind, tb: tb, samples: samples}
	t.stream = c.ci.addStream(st)
	c.tracks = append(c.tracks, t)
	c.log.Info("found track", "track_id", trak.Tkhd.TrackID, "kind", params.Kind.String(), "codec", params.Codec, "samples", len(samples))
	return nil
}

// mp4Params maps a sample entry to codec parameters.
func mp4Params(handler string, entry mp4.Box) (codec.Params, error) {
	switch e := entry.(type) {
	case *mp4.VisualSampleEntryBox:
		p := codec.Params{Kind: media.KindVideo, Width: int(e.Width), Height: int(e.Height), NALLengthSize: mp4NALLength}
		switch e.Type() {
		case "avc1", "avc3":
			p.Codec = codec.H264
			if e.AvcC != nil {
				p.Extradata = append(p.Extradata, e.AvcC.SPSnalus...)
				p.Extradata = append(p.Extradata, e.AvcC.PPSnalus...)
			}
		case "hvc1", "hev1":
			p.Codec = codec.HEVC
			if e.HvcC != nil {
				for _, arr := range e.HvcC.NaluArrays {
					p.Extradata = append(p.Extradata, arr.Nalus...)
				}
			}
		default:
			return p, fmt.Errorf("%w: %s", codec.ErrUnsupportedCodec, e.Type())
		}
		return p, nil

	case *mp4.AudioSampleEntryBox:
		p := codec.Params{Kind: media.KindAudio, SampleRate: int(e.SampleRate), Channels: int(e.ChannelCount)}
		switch e.Type() {
		case "mp4a":
			p.Codec = codec.AAC
			if e.Esds != nil && e.Esds.DecConfigDescriptor != nil && e.Esds.DecConfigDescriptor.DecSpecificInfo != nil {
				asc := e.Esds.DecConfigDescriptor.DecSpecificInfo.DecConfig
				var conf mpeg4audio.Config
				if err := conf.Unmarshal(asc); err == nil {
					p.SampleRate = conf.SampleRate
					p.Channels = conf.ChannelCount
				}
				p.Extradata = [][]byte{asc}
			}
		case "sowt":
			p.Codec = codec.PCMS16LE
			if e.SampleSize == 24 {
				p.Codec = codec.PCMS24LE
			}
		case "twos":
			p.Codec = codec.PCMS16BE
		case "alaw", "pcma":
			p.Codec = codec.PCMALaw
		case "ulaw", "pcmu":
			p.Codec = codec.PCMMuLaw
		default:
			return p, fmt.Errorf("%w: %s", codec.ErrUnsupportedCodec, e.Type())
		}
		return p, nil
	}

	if entry.Type() == "tx3g" && (handler == "sbtl" || handler == "text" || handler == "subt") {
		return codec.Params{Kind: media.KindSubtitle, Codec: codec.MovText}, nil
	}
	return codec.Params{}, fmt.Errorf("%w: %s/%s", codec.ErrUnsupportedCodec, handler, entry.Type())
}

// mp4Samples flattens the sample tables into one entry per sample in
// decode order.
func mp4Samples(stbl *mp4.StblBox) ([]mp4Sample, error) {
	if stbl.Stts == nil || stbl.Stsz == nil || stbl.Stsc == nil || (stbl.Stco == nil && stbl.Co64 == nil) {
		return nil, errors.New("incomplete sample table")
	}
	n := int(stbl.Stsz.SampleNumber)
	samples := make([]mp4Sample, 0, n)

	prevChunk := -1
	var next int64
	for nr := 1; nr <= n; nr++ {
		chunk, _, err := stbl.Stsc.ChunkNrFromSampleNr(nr)
		if err != nil {
			return nil, err
		}
		if chunk != prevChunk {
			var off uint64
			if stbl.Co64 != nil {
				off, err = stbl.Co64.GetOffset(chunk)
			} else {
				off, err = stbl.Stco.GetOffset(chunk)
			}
			if err != nil {
				return nil, err
			}
			next = int64(off)
			prevChunk = chunk
		}

		size := stbl.Stsz.GetSampleSize(nr)
		dts, dur := stbl.Stts.GetDecodeTime(uint32(nr))
		s := mp4Sample{
			offset: next,
			size:   size,
			dts:    int64(dts),
			pts:    int64(dts),
			dur:    dur,
			key:    stbl.Stss == nil || stbl.Stss.IsSyncSample(uint32(nr)),
		}
		if stbl.Ctts != nil {
			s.pts += int64(stbl.Ctts.GetCompositionTimeOffset(uint32(nr)))
		}
		samples = append(samples, s)
		next += int64(size)
	}
	return samples, nil
}

// readPacket returns the pending sample with the smallest decode time;
// ties go to the one stored first in the file.
func (c *mp4Container) readPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var best *mp4Track
	var bestTime media.Time
	var bestOff int64
	for _, t := range c.tracks {
		tm, off, ok := t.nextTime()
		if !ok {
			continue
		}
		if best == nil {
			best, bestTime, bestOff = t, tm, off
			continue
		}
		if cmp := tm.Cmp(bestTime); cmp < 0 || cmp == 0 && off < bestOff {
			best, bestTime, bestOff = t, tm, off
		}
	}
	if best == nil {
		return nil, io.EOF
	}

	s := best.samples[best.next]
	best.next++
	buf := make([]byte, s.size)
	if err := readAt(c.src, buf, s.offset); err != nil {
		return nil, fmt.Errorf("mp4: read sample at %d: %w", s.offset, err)
	}
	p := &media.Packet{
		Payload:     media.WrapPayload(buf),
		StreamIndex: best.stream,
		DTS:         s.dts,
		PTS:         s.pts,
		Duration:    int64(s.dur),
		TimeBase:    best.tb,
		Pos:         s.offset,
	}
	if s.key {
		p.Flags |= media.FlagKeyframe
	}
	return p, nil
}

func (c *mp4Container) seek(ctx context.Context, flags SeekFlags, t media.Time, stream int) error {
	if flags&SeekByte != 0 {
		for _, tr := range c.tracks {
			tr.next = sort.Search(len(tr.samples), func(i int) bool { return tr.samples[i].offset >= t.Time })
		}
		return nil
	}

	anchor := c.anchor(stream)
	target := t.Ticks(anchor.tb)
	i := sort.Search(len(anchor.samples), func(i int) bool { return anchor.samples[i].dts > target }) - 1
	i = max(i, 0)
	if flags&SeekAny == 0 {
		i = syncSample(anchor.samples, i, flags&SeekBackward != 0, target)
	}
	anchor.next = i
	if i >= len(anchor.samples) {
		for _, tr := range c.tracks {
			tr.next = len(tr.samples)
		}
		return nil
	}

	landed, _ := media.FromTicks(anchor.samples[i].dts, anchor.tb)
	for _, tr := range c.tracks {
		if tr == anchor {
			continue
		}
		at := landed.Ticks(tr.tb)
		j := sort.Search(len(tr.samples), func(i int) bool { return tr.samples[i].dts >= at })
		if tr.kind == media.KindVideo && flags&SeekAny == 0 {
			j = syncSample(tr.samples, min(j, len(tr.samples)-1), true, at)
		}
		tr.next = j
	}
	return nil
}

// syncSample moves i to a sync sample: back to the last one at or before i,
// or forward to the first whose decode time reaches target.
func syncSample(samples []mp4Sample, i int, backward bool, target int64) int {
	if backward {
		for ; i > 0; i-- {
			if samples[i].key {
				return i
			}
		}
		return 0
	}
	for ; i < len(samples); i++ {
		if samples[i].key && samples[i].dts >= target {
			return i
		}
	}
	return len(samples)
}

func (c *mp4Container) anchor(stream int) *mp4Track {
	for _, t := range c.tracks {
		if t.stream == stream {
			return t
		}
	}
	for _, t := range c.tracks {
		if t.kind == media.KindVideo {
			return t
		}
	}
	return c.tracks[0]
}
