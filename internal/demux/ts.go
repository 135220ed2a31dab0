package demux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/zsiec/ccx"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
)

const (
	// tsProbeBytes bounds how far open reads looking for every program's
	// PMT and the first unit of each stream.
	tsProbeBytes = 4 << 20

	// tsSeekWindow bounds how far a seek probe scans for a timestamp.
	tsSeekWindow = 2 << 20

	// tsTailBytes is scanned from the end of a seekable file for its
	// last timestamp.
	tsTailBytes = 1 << 20

	tsWrap = 1 << 33

	codecDVBSubtitle = "dvb_subtitle"
)

var tsTimeBase = media.Rational{Num: 1, Den: mpegts.Clock}

type tsStream struct {
	index    int
	pid      uint16
	program  int
	kind     media.Kind
	codec    string
	lang     string
	captions int // derived eia_608 stream, -1 until captions are seen
}

type tsContainer struct {
	ci  containerInfo
	src Source
	log *slog.Logger
	dmx *mpegts.Demuxer

	streams map[uint16]*tsStream
	pending []*media.Packet

	// first is the first 33-bit timestamp read; later timestamps smaller
	// than it by more than half the range have wrapped.
	first    int64
	hasFirst bool

	// needKey holds streams whose packets are dropped until a keyframe
	// after a seek; keyAfter additionally requires its PTS to reach the
	// seek target.
	needKey  map[int]bool
	keyAfter int64
}

func openTS(ctx context.Context, src Source, log *slog.Logger) (container, error) {
	c := &tsContainer{
		src:      src,
		log:      log,
		streams:  make(map[uint16]*tsStream),
		needKey:  make(map[int]bool),
		keyAfter: media.NoPTS,
	}
	head := make([]byte, 3*192)
	n, _ := io.ReadFull(src, head)
	size, ok := mpegts.Probe(head[:n])
	if !ok {
		size = 188
	}
	var r io.Reader = src
	if src.Seekable() {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	} else {
		r = io.MultiReader(bytes.NewReader(head[:n]), src)
	}
	c.dmx = mpegts.NewDemuxer(context.Background(), r, mpegts.WithPacketSize(size))

	if err := c.discover(ctx); err != nil {
		return nil, err
	}
	if src.Seekable() && src.Size() > 0 {
		c.scanDuration()
	}
	return c, nil
}

func (c *tsContainer) format() string        { return "mpegts" }
func (c *tsContainer) info() *containerInfo { return &c.ci }

// discover reads until every announced program has a PMT and every stream
// has produced a packet, keeping the packets for readPacket.
func (c *tsContainer) discover(ctx context.Context) error {
	announced := map[uint16]bool{}
	mapped := map[uint16]bool{}
	for c.dmx.Position() < tsProbeBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := c.dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if data.PAT != nil {
			for _, p := range data.PAT.Programs {
				if p.ProgramNumber != 0 {
					announced[p.ProgramNumber] = true
				}
			}
		}
		if data.PMT != nil {
			mapped[data.PMT.ProgramNumber] = true
		}
		c.handle(data)

		if len(announced) > 0 && len(mapped) >= len(announced) && c.allStreamsSeen() {
			break
		}
	}
	if c.ci.numStreams() == 0 {
		return errors.New("no supported elementary streams")
	}

	start := map[int]media.Time{}
	for _, p := range c.pending {
		if _, ok := start[p.StreamIndex]; ok {
			continue
		}
		if t, ok := p.SortTime(); ok {
			start[p.StreamIndex] = t
		}
	}
	c.ci.update(func(md *metadata) {
		for i := range md.streams {
			if t, ok := start[i]; ok {
				md.streams[i].Start = t
			}
		}
	})
	return nil
}

func (c *tsContainer) allStreamsSeen() bool {
	seen := map[int]bool{}
	for _, p := range c.pending {
		seen[p.StreamIndex] = true
	}
	for _, s := range c.streams {
		if !seen[s.index] {
			return false
		}
	}
	return true
}

// scanDuration reads the tail of the file for its last timestamp.
func (c *tsContainer) scanDuration() {
	resume := c.dmx.Position()
	size := c.src.Size()
	pkt := int64(c.dmx.PacketSize())
	pos := max(0, size-tsTailBytes) / pkt * pkt
	last := int64(media.NoPTS)
	c.scanFrom(pos, tsTailBytes, func(_ *tsStream, pes *mpegts.PES, _ *mpegts.Packet) bool {
		if pes.HasPTS() {
			last = max(last, c.unwrap(pes.PTS))
		}
		return false
	})
	if _, err := c.src.Seek(resume, io.SeekStart); err != nil {
		c.log.Warn("resume after duration scan", "error", err)
	}
	if last == media.NoPTS || !c.hasFirst {
		return
	}
	c.ci.update(func(md *metadata) {
		md.duration = media.NewTime(last-c.first, mpegts.Clock)
	})
}

// scanFrom runs a separate demuxer over at most limit bytes from pos and
// calls fn for each PES of a known stream until fn returns true.
func (c *tsContainer) scanFrom(pos, limit int64, fn func(*tsStream, *mpegts.PES, *mpegts.Packet) bool) {
	if _, err := c.src.Seek(pos, io.SeekStart); err != nil {
		return
	}
	dmx := mpegts.NewDemuxer(context.Background(), io.LimitReader(c.src, limit),
		mpegts.WithPacketSize(c.dmx.PacketSize()), mpegts.WithPosition(pos))
	for {
		data, err := dmx.NextData()
		if err != nil {
			return
		}
		if data.PES == nil {
			continue
		}
		s := c.streams[data.FirstPacket.Header.PID]
		if s == nil {
			continue
		}
		if fn(s, data.PES, data.FirstPacket) {
			return
		}
	}
}

func (c *tsContainer) rewind(pos int64) error {
	if _, err := c.src.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	c.dmx.Reset(c.src, pos)
	c.pending = nil
	return nil
}

func (c *tsContainer) readPacket(ctx context.Context) (*media.Packet, error) {
	for {
		if len(c.pending) > 0 {
			p := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			if c.dropAfterSeek(p) {
				p.Release()
				continue
			}
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := c.dmx.NextData()
		if err != nil {
			return nil, err
		}
		c.handle(data)
	}
}

func (c *tsContainer) dropAfterSeek(p *media.Packet) bool {
	if !c.needKey[p.StreamIndex] {
		return false
	}
	if !p.Keyframe() {
		return true
	}
	if c.keyAfter != media.NoPTS && p.PTS != media.NoPTS && p.PTS < c.keyAfter {
		return true
	}
	delete(c.needKey, p.StreamIndex)
	return false
}

func (c *tsContainer) handle(data *mpegts.Data) {
	switch {
	case data.PMT != nil:
		c.handlePMT(data.PMT)
	case data.PES != nil:
		if s := c.streams[data.FirstPacket.Header.PID]; s != nil {
			c.handlePES(s, data.PES, data.FirstPacket.Pos)
		}
	}
}

func (c *tsContainer) handlePMT(pmt *mpegts.PMT) {
	for _, es := range pmt.Streams {
		if _, ok := c.streams[es.PID]; ok {
			continue
		}
		kind, name, ok := tsCodec(es)
		if !ok {
			c.log.Debug("skipping elementary stream", "pid", es.PID, "stream_type", es.StreamType)
			continue
		}
		s := &tsStream{
			pid:      es.PID,
			program:  int(pmt.ProgramNumber),
			kind:     kind,
			codec:    name,
			lang:     es.Language,
			captions: -1,
		}
		s.index = c.ci.addStream(Stream{
			Program: s.program,
			Kind:    kind,
			Codec:   name,
			Lang:    es.Language,
			Params:  codec.Params{Codec: name, Kind: kind, TimeBase: tsTimeBase},
		})
		c.streams[es.PID] = s
		c.log.Info("found stream", "pid", es.PID, "program", s.program, "kind", kind.String(), "codec", name)
	}
}

// tsCodec maps a PMT entry to a stream kind and codec.
func tsCodec(es mpegts.ElementaryStream) (media.Kind, string, bool) {
	switch es.StreamType {
	case mpegts.StreamTypeH264:
		return media.KindVideo, codec.H264, true
	case mpegts.StreamTypeH265:
		return media.KindVideo, codec.HEVC, true
	case mpegts.StreamTypeAAC:
		return media.KindAudio, codec.AAC, true
	case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
		return media.KindAudio, codec.MP2, true
	case mpegts.StreamTypeAC3:
		return media.KindAudio, codec.AC3, true
	case mpegts.StreamTypePrivatePES:
		if es.AC3 {
			return media.KindAudio, codec.AC3, true
		}
		if es.Subtitles {
			return media.KindSubtitle, codecDVBSubtitle, true
		}
	}
	return media.KindUnknown, "", false
}

// unwrap extends a 33-bit timestamp past a single wrap relative to the
// first timestamp of the stream.
func (c *tsContainer) unwrap(ts int64) int64 {
	if !c.hasFirst {
		c.first, c.hasFirst = ts, true
		return ts
	}
	if ts < c.first-tsWrap/2 {
		return ts + tsWrap
	}
	return ts
}

func (c *tsContainer) handlePES(s *tsStream, pes *mpegts.PES, pos int64) {
	if len(pes.Data) == 0 {
		return
	}
	pts, dts := int64(media.NoPTS), int64(media.NoPTS)
	if pes.HasPTS() {
		pts = c.unwrap(pes.PTS)
	}
	if pes.HasDTS() {
		dts = c.unwrap(pes.DTS)
	} else {
		dts = pts
	}

	switch {
	case s.codec == codec.AAC:
		c.emitADTS(s, pes.Data, pts, pos)
	case s.kind == media.KindVideo:
		c.emit(s.index, pes.Data, pts, dts, 0, pos, c.isKey(s, pes))
		c.extractCaptions(s, pes.Data, pts, dts, pos)
	default:
		c.emit(s.index, pes.Data, pts, dts, 0, pos, s.kind == media.KindAudio)
	}
}

func (c *tsContainer) emit(stream int, data []byte, pts, dts, dur, pos int64, key bool) *media.Packet {
	p := &media.Packet{
		Payload:     media.NewPayload(data),
		StreamIndex: stream,
		PTS:         pts,
		DTS:         dts,
		Duration:    dur,
		TimeBase:    tsTimeBase,
		Pos:         pos,
	}
	if key {
		p.Flags |= media.FlagKeyframe
	}
	c.pending = append(c.pending, p)
	return p
}

// emitADTS splits a PES of ADTS frames into one packet per access unit,
// spacing timestamps by 1024 samples.
func (c *tsContainer) emitADTS(s *tsStream, data []byte, pts, pos int64) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(data); err != nil || len(pkts) == 0 {
		p := c.emit(s.index, data, pts, pts, 0, pos, true)
		p.Flags |= media.FlagCorrupt
		return
	}
	first := pkts[0]
	c.ci.update(func(md *metadata) {
		p := &md.streams[s.index].Params
		if p.SampleRate == 0 {
			p.SampleRate = first.SampleRate
			p.Channels = first.ChannelCount
		}
	})
	for i, au := range pkts {
		if au.SampleRate <= 0 {
			continue
		}
		dur := aacFrameSamples * mpegts.Clock / int64(au.SampleRate)
		t := pts
		if t != media.NoPTS {
			t += int64(i) * dur
		}
		c.emit(s.index, au.AU, t, t, dur, pos, true)
	}
}

// extractCaptions forwards SEI units carrying CEA-608 data to a derived
// caption stream of the same program, created on first use.
func (c *tsContainer) extractCaptions(s *tsStream, data []byte, pts, dts, pos int64) {
	for _, sei := range codec.SEIUnits(s.codec, data) {
		if ccx.ExtractCaptions(sei) == nil {
			continue
		}
		if s.captions < 0 {
			s.captions = c.ci.addStream(Stream{
				Program: s.program,
				Kind:    media.KindSubtitle,
				Codec:   codec.EIA608,
				Name:    "CC",
				Lang:    s.lang,
				Params:  codec.Params{Codec: codec.EIA608, Kind: media.KindSubtitle, TimeBase: tsTimeBase},
			})
			c.log.Info("found captions", "pid", s.pid, "stream", s.captions)
		}
		c.emit(s.captions, sei, pts, dts, 0, pos, true)
	}
}

func (c *tsContainer) seek(ctx context.Context, flags SeekFlags, t media.Time, stream int) error {
	pktSize := int64(c.dmx.PacketSize())
	clear(c.needKey)
	c.keyAfter = media.NoPTS

	if flags&SeekByte != 0 {
		pos := max(0, t.Time) / pktSize * pktSize
		if err := c.rewind(pos); err != nil {
			return err
		}
		c.requireKeyframes(-1)
		return nil
	}
	if !c.hasFirst {
		return c.rewind(0)
	}

	anchor := c.anchor(stream)
	target := t.Ticks(tsTimeBase)
	needKey := flags&SeekAny == 0 && anchor.kind == media.KindVideo

	// Bisect for the last unit of the anchor stream at or before target.
	lo, hi := int64(0), c.src.Size()
	best := int64(0)
	for hi-lo > pktSize*16 {
		if err := ctx.Err(); err != nil {
			return err
		}
		mid := (lo + hi) / 2 / pktSize * pktSize
		ts, at, ok := c.probeAt(mid, anchor, needKey)
		switch {
		case !ok || ts > target:
			hi = mid
		default:
			best = at
			lo = max(mid+pktSize, at+pktSize)
		}
	}
	// The bisection stops within a few packets; finish linearly.
	c.scanFrom(best, tsSeekWindow, func(s *tsStream, pes *mpegts.PES, first *mpegts.Packet) bool {
		if s != anchor || !pes.HasPTS() {
			return false
		}
		if c.unwrap(pes.PTS) > target {
			return true
		}
		if !needKey || c.isKey(s, pes) {
			best = c.packetStart(first)
		}
		return false
	})

	if err := c.rewind(best); err != nil {
		return err
	}
	if needKey {
		c.requireKeyframes(anchor.index)
		if flags&SeekBackward == 0 {
			c.keyAfter = target
		}
	}
	c.log.Debug("seek", "target", target, "pos", best)
	return nil
}

// anchor returns the stream a seek is measured against: the requested
// stream, else the first video stream, else the first stream.
func (c *tsContainer) anchor(stream int) *tsStream {
	var first, video *tsStream
	for _, s := range c.streams {
		if s.index == stream {
			return s
		}
		if first == nil || s.index < first.index {
			first = s
		}
		if s.kind == media.KindVideo && (video == nil || s.index < video.index) {
			video = s
		}
	}
	if video != nil {
		return video
	}
	return first
}

// probeAt returns the timestamp and position of the first unit of s at or
// after pos, restricted to keyframes when key is set.
func (c *tsContainer) probeAt(pos int64, s *tsStream, key bool) (int64, int64, bool) {
	var ts, at int64
	found := false
	c.scanFrom(pos, tsSeekWindow, func(got *tsStream, pes *mpegts.PES, first *mpegts.Packet) bool {
		if got != s || !pes.HasPTS() {
			return false
		}
		if key && !c.isKey(s, pes) {
			return false
		}
		ts, at, found = c.unwrap(pes.PTS), c.packetStart(first), true
		return true
	})
	return ts, at, found
}

func (c *tsContainer) isKey(s *tsStream, pes *mpegts.PES) bool {
	return pes.RandomAccess || codec.IsKeyframe(s.codec, pes.Data)
}

// packetStart returns the offset a demuxer must restart at to read p,
// including the M2TS arrival timestamp.
func (c *tsContainer) packetStart(p *mpegts.Packet) int64 {
	return p.Pos - int64(c.dmx.PacketSize()-188)
}

// requireKeyframes makes readPacket drop video packets until a keyframe,
// for one stream or every video stream when stream is negative.
func (c *tsContainer) requireKeyframes(stream int) {
	for _, s := range c.streams {
		if s.kind != media.KindVideo {
			continue
		}
		if stream < 0 || s.index == stream {
			c.needKey[s.index] = true
		}
	}
}
