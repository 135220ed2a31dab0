// Package demux turns media resources into time-ordered packet streams.
//
// A Demuxer wraps one resource and one container backend (MPEG-TS, MP4,
// ADTS, WAV or SubRip) and exposes its programs, tracks, chapters and
// attachments. A PacketBuffer keeps about a second of packets per stream
// and hands them out in decode order across every stream and program of
// its demuxer. Buffer adapts a Demuxer and its PacketBuffer to Interface,
// and Parallel merges several Interfaces (a primary file plus sidecars)
// into one globally ordered stream.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/resource"
	"github.com/zsiec/reel/internal/track"
)

var (
	// ErrAgain is a transient demux status: no packet is available yet and
	// the caller should retry.
	ErrAgain = errors.New("demux: resource temporarily unavailable")

	// ErrUnknownFormat is returned when no container recognizes the input.
	ErrUnknownFormat = errors.New("demux: unknown format")

	// ErrNotSeekable is returned by seeks on live resources.
	ErrNotSeekable = errors.New("demux: resource not seekable")

	// ErrPartialSeek is returned by Parallel.Seek when the primary moved
	// but a sidecar did not.
	ErrPartialSeek = errors.New("demux: sidecar seek failed")
)

// SeekFlags modify SeekTo.
type SeekFlags int

const (
	// SeekBackward lands on the last keyframe at or before the target.
	SeekBackward SeekFlags = 1 << iota
	// SeekAny allows landing on a non-keyframe.
	SeekAny
	// SeekByte treats the target's tick count as a byte offset.
	SeekByte
)

// Source is the byte input of a demuxer. *resource.Resource implements it.
type Source interface {
	io.ReadSeeker
	io.Closer
	Seekable() bool
	Size() int64
	Name() string
}

// Stream is the container-level description of one elementary stream.
type Stream struct {
	Index    int
	Program  int
	Kind     media.Kind
	Codec    string
	Name     string
	Lang     string
	Params   codec.Params
	Start    media.Time
	Duration media.Time
}

type program struct {
	ID      int
	Name    string
	Streams []int
}

// metadata is what a backend knows about its input.
type metadata struct {
	streams     []Stream
	programs    []program
	chapters    []media.Chapter
	attachments []media.Attachment
	duration    media.Time
}

// containerInfo guards a backend's metadata. Backends fill it while
// opening and may add streams later from readPacket; readers take
// snapshots.
type containerInfo struct {
	mu sync.RWMutex
	md metadata
}

func (ci *containerInfo) addStream(s Stream) int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	s.Index = len(ci.md.streams)
	ci.md.streams = append(ci.md.streams, s)
	for i := range ci.md.programs {
		if ci.md.programs[i].ID == s.Program {
			ci.md.programs[i].Streams = append(ci.md.programs[i].Streams, s.Index)
			return s.Index
		}
	}
	ci.md.programs = append(ci.md.programs, program{ID: s.Program, Streams: []int{s.Index}})
	return s.Index
}

// update runs fn with the metadata locked for writing.
func (ci *containerInfo) update(fn func(md *metadata)) {
	ci.mu.Lock()
	fn(&ci.md)
	ci.mu.Unlock()
}

func (ci *containerInfo) snapshot() metadata {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	md := ci.md
	md.streams = append([]Stream(nil), ci.md.streams...)
	md.programs = make([]program, len(ci.md.programs))
	for i, p := range ci.md.programs {
		p.Streams = append([]int(nil), p.Streams...)
		md.programs[i] = p
	}
	md.chapters = append([]media.Chapter(nil), ci.md.chapters...)
	md.attachments = append([]media.Attachment(nil), ci.md.attachments...)
	return md
}

func (ci *containerInfo) numStreams() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.md.streams)
}

// container is a format backend. readPacket returns packets with
// StreamIndex set and the stream's time base; io.EOF ends the stream.
type container interface {
	format() string
	info() *containerInfo
	readPacket(ctx context.Context) (*media.Packet, error)
	seek(ctx context.Context, flags SeekFlags, t media.Time, stream int) error
}

// Options configure a Demuxer.
type Options struct {
	// Index identifies the demuxer in packets; TrackOffset is added to
	// local stream indices to form global track ids.
	Index       int
	TrackOffset int

	// Format forces a container instead of probing ("mpegts", "mp4",
	// "adts", "wav", "subrip").
	Format string

	Negotiator *codec.Negotiator
	Track      track.Config
	Resource   resource.Options
	Log        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Negotiator == nil {
		o.Negotiator = codec.NewNegotiator(nil, false, o.Log)
	}
	if o.Track.Log == nil {
		o.Track.Log = o.Log
	}
	return o
}

// Demuxer reads one resource through a container backend and owns the
// tracks of its streams.
type Demuxer struct {
	opts Options
	log  *slog.Logger
	src  Source
	c    container

	mu     sync.Mutex
	tracks []*track.Track // by local stream index
}

// Open opens uri through the resource layer and probes its container.
func Open(ctx context.Context, uri string, o Options) (*Demuxer, error) {
	o = o.withDefaults()
	o.Resource.Log = o.Log
	res, err := resource.Open(ctx, uri, o.Resource)
	if err != nil {
		return nil, err
	}
	d, err := OpenSource(ctx, res, o)
	if err != nil {
		res.Close()
		return nil, err
	}
	return d, nil
}

// OpenSource probes src and opens the matching container. The demuxer
// takes ownership of src on success.
func OpenSource(ctx context.Context, src Source, o Options) (*Demuxer, error) {
	o = o.withDefaults()
	d := &Demuxer{
		opts: o,
		log:  o.Log.With("component", "demux", "demuxer", o.Index),
		src:  src,
	}

	f := o.Format
	if f == "" {
		var err error
		if f, src, err = probe(src); err != nil {
			return nil, err
		}
		d.src = src
	}
	open, ok := containers[f]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
	c, err := open(ctx, src, d.log)
	if err != nil {
		return nil, fmt.Errorf("demux: open %s as %s: %w", src.Name(), f, err)
	}
	d.c = c
	d.syncTracks()
	d.log.Info("opened", "source", src.Name(), "format", f, "streams", c.info().numStreams())
	return d, nil
}

// syncTracks creates tracks for streams the container discovered since the
// last call.
func (d *Demuxer) syncTracks() {
	streams := d.c.info().snapshot().streams
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.tracks); i < len(streams); i++ {
		s := streams[i]
		info := track.Info{
			ID:           s.Index + d.opts.TrackOffset,
			StreamIndex:  s.Index,
			DemuxerIndex: d.opts.Index,
			Program:      s.Program,
			Kind:         s.Kind,
			Codec:        s.Codec,
			Name:         s.Name,
			Lang:         s.Lang,
			Start:        s.Start,
			Duration:     s.Duration,
		}
		params := s.Params
		params.Codec = s.Codec
		d.tracks = append(d.tracks, track.New(info, params, d.opts.Negotiator, d.opts.Track))
	}
}

// Format returns the container name.
func (d *Demuxer) Format() string { return d.c.format() }

// Source returns the underlying input.
func (d *Demuxer) Source() Source { return d.src }

// Index returns the demuxer index used in packets.
func (d *Demuxer) Index() int { return d.opts.Index }

// TrackOffset returns the offset added to local stream indices.
func (d *Demuxer) TrackOffset() int { return d.opts.TrackOffset }

// Streams returns the container's stream descriptions.
func (d *Demuxer) Streams() []Stream {
	return d.c.info().snapshot().streams
}

// Tracks returns every track in stream order.
func (d *Demuxer) Tracks() []*track.Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*track.Track(nil), d.tracks...)
}

func (d *Demuxer) tracksOf(kind media.Kind) []*track.Track {
	var out []*track.Track
	for _, t := range d.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// VideoTracks returns the video tracks in stream order.
func (d *Demuxer) VideoTracks() []*track.Track { return d.tracksOf(media.KindVideo) }

// AudioTracks returns the audio tracks in stream order.
func (d *Demuxer) AudioTracks() []*track.Track { return d.tracksOf(media.KindAudio) }

// SubtitleTracks returns the subtitle tracks in stream order.
func (d *Demuxer) SubtitleTracks() []*track.Track { return d.tracksOf(media.KindSubtitle) }

// Track returns the track with global id, or nil.
func (d *Demuxer) Track(id int) *track.Track {
	return d.TrackByStream(id - d.opts.TrackOffset)
}

// TrackByStream returns the track of local stream index i, or nil.
func (d *Demuxer) TrackByStream(i int) *track.Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.tracks) {
		return nil
	}
	return d.tracks[i]
}

// ProgramOf returns the program of local stream index i, or -1.
func (d *Demuxer) ProgramOf(i int) int {
	ci := d.c.info()
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	if i < 0 || i >= len(ci.md.streams) {
		return -1
	}
	return ci.md.streams[i].Program
}

// Programs returns the programs with their tracks as global ids.
func (d *Demuxer) Programs() []media.ProgramInfo {
	md := d.c.info().snapshot()
	out := make([]media.ProgramInfo, 0, len(md.programs))
	for _, p := range md.programs {
		info := media.ProgramInfo{ID: p.ID, Name: p.Name}
		for _, i := range p.Streams {
			id := i + d.opts.TrackOffset
			switch md.streams[i].Kind {
			case media.KindVideo:
				info.Video = append(info.Video, id)
			case media.KindAudio:
				info.Audio = append(info.Audio, id)
			case media.KindSubtitle:
				info.Subtitle = append(info.Subtitle, id)
			}
		}
		out = append(out, info)
	}
	return out
}

// Chapters returns the container chapters sorted by start time.
func (d *Demuxer) Chapters() []media.Chapter {
	ch := d.c.info().snapshot().chapters
	sort.SliceStable(ch, func(i, j int) bool { return ch[i].Start.Less(ch[j].Start) })
	return ch
}

// Attachments returns the container attachments.
func (d *Demuxer) Attachments() []media.Attachment {
	return d.c.info().snapshot().attachments
}

// Duration returns the container duration, invalid when unknown.
func (d *Demuxer) Duration() media.Time {
	ci := d.c.info()
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return ci.md.duration
}

// Demux returns the next container packet. The status follows the
// container: ErrAgain is transient, io.EOF ends the stream, anything else
// is fatal. TrackID and DemuxerIndex are filled in.
func (d *Demuxer) Demux(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pkt, err := d.c.readPacket(ctx)
	if err != nil {
		return nil, err
	}
	if d.TrackByStream(pkt.StreamIndex) == nil {
		d.syncTracks()
	}
	pkt.TrackID = pkt.StreamIndex + d.opts.TrackOffset
	pkt.DemuxerIndex = d.opts.Index
	pkt.Program = d.ProgramOf(pkt.StreamIndex)
	return pkt, nil
}

// SeekTo repositions the demuxer. t is in seconds of the container
// timeline unless SeekByte is set. trackID anchors the seek to one track's
// keyframes; pass -1 for none.
func (d *Demuxer) SeekTo(ctx context.Context, flags SeekFlags, t media.Time, trackID int) error {
	if !d.src.Seekable() {
		return ErrNotSeekable
	}
	stream := -1
	if trackID >= 0 {
		stream = trackID - d.opts.TrackOffset
		if stream < 0 || stream >= d.c.info().numStreams() {
			return fmt.Errorf("demux: seek: unknown track %d", trackID)
		}
	}
	if err := d.c.seek(ctx, flags, t, stream); err != nil {
		return fmt.Errorf("demux: seek to %s: %w", t, err)
	}
	d.log.Debug("seek", "time", t.String(), "flags", int(flags), "track", trackID)
	return nil
}

// Close closes every track and the source.
func (d *Demuxer) Close() error {
	for _, t := range d.Tracks() {
		t.Close()
	}
	return d.src.Close()
}

// readAt reads exactly len(p) bytes at off.
func readAt(src Source, p []byte, off int64) error {
	if _, err := src.Seek(off, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(src, p)
	return err
}
