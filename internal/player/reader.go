// Package player drives demuxed packets into per-track decoders and
// exposes the playback control surface a renderer consumes.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/metrics"
	"github.com/zsiec/reel/internal/resource"
	"github.com/zsiec/reel/internal/track"
)

var (
	// ErrNoTrack is returned by reads and per-kind settings when no track
	// of that kind is selected.
	ErrNoTrack = errors.New("player: no track selected")

	// ErrRunning is returned by Start on a reader that is already playing.
	ErrRunning = errors.New("player: already running")
)

// idleWait is how long the driver sleeps when the source had nothing to
// offer but has not given up.
const idleWait = 10 * time.Millisecond

// Options configure a Reader.
type Options struct {
	Demux        demux.Options
	BufferTarget time.Duration
	// NoSidecars opens only the primary resource.
	NoSidecars bool
	Log        *slog.Logger
}

// Reader plays one primary resource and its sidecars. Packets are routed
// to the selected video, audio and subtitle tracks; everything else is
// dropped.
type Reader struct {
	path     string
	log      *slog.Logger
	opened   time.Time
	demuxers []*demux.Demuxer
	src      demux.Interface
	tracks   map[int]*track.Track
	order    []int // track ids, primary first

	// seekMu serializes the driver's buffer access and routing with Seek.
	// Pushes made under it use pushCtx, which a seek cancels before it
	// takes the lock.
	seekMu  sync.Mutex
	seeking atomic.Int32
	wake    chan struct{}

	mu        sync.Mutex
	id        uuid.UUID
	selected  map[media.Kind]int
	timeIn    media.Time
	timeOut   media.Time
	playback  bool
	looping   bool
	tempo     float64
	deint     bool
	decOpts   codec.Options
	audioOver media.AudioTraits
	videoOver media.VideoTraits
	runCtx    context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	pushCtx   context.Context
	pushStop  context.CancelFunc

	routed atomic.Int64
	eof    atomic.Bool
}

// Open opens path and, unless disabled, its sidecars. The first track of
// each kind is selected.
func Open(ctx context.Context, path string, o Options) (*Reader, error) {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	o.Demux.Log = o.Log

	var ds []*demux.Demuxer
	if o.NoSidecars {
		d, err := demux.Open(ctx, path, o.Demux)
		if err != nil {
			return nil, err
		}
		ds = []*demux.Demuxer{d}
	} else {
		var err error
		if ds, err = demux.OpenPrimaryAndAux(ctx, path, o.Demux); err != nil {
			return nil, err
		}
	}

	r := &Reader{
		path:     path,
		opened:   time.Now(),
		demuxers: ds,
		tracks:   make(map[int]*track.Track),
		wake:     make(chan struct{}, 1),
		id:       uuid.New(),
		selected: map[media.Kind]int{media.KindVideo: -1, media.KindAudio: -1, media.KindSubtitle: -1},
		timeIn:   media.NewTime(0, 1),
		timeOut:  media.NewTime(1<<62, 1),
		tempo:    1,
	}
	r.log = o.Log.With("component", "player", "reader", r.id.String())

	buffers := make([]demux.Interface, len(ds))
	for i, d := range ds {
		buffers[i] = demux.NewBuffer(d, o.BufferTarget)
		for _, t := range d.Tracks() {
			r.tracks[t.ID()] = t
			r.order = append(r.order, t.ID())
			if r.selected[t.Kind()] < 0 {
				r.selected[t.Kind()] = t.ID()
			}
		}
	}
	r.src = buffers[0]
	if len(buffers) > 1 {
		r.src = demux.NewParallel(buffers...)
	}
	r.log.Info("opened", "path", path, "demuxers", len(ds), "tracks", len(r.order),
		"video", r.selected[media.KindVideo], "audio", r.selected[media.KindAudio],
		"subtitle", r.selected[media.KindSubtitle])
	return r, nil
}

// ID returns the reader id frames are tagged with.
func (r *Reader) ID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Path returns the primary location.
func (r *Reader) Path() string { return r.path }

// OpenedAt returns when the reader was opened.
func (r *Reader) OpenedAt() time.Time { return r.opened }

// Demuxers returns the primary demuxer followed by the sidecars.
func (r *Reader) Demuxers() []*demux.Demuxer { return r.demuxers }

// Programs returns the programs of every demuxer.
func (r *Reader) Programs() []media.ProgramInfo { return r.src.Programs() }

// Tracks returns every track, primary first.
func (r *Reader) Tracks() []*track.Track {
	out := make([]*track.Track, len(r.order))
	for i, id := range r.order {
		out[i] = r.tracks[id]
	}
	return out
}

// Duration returns the primary duration, invalid when unknown.
func (r *Reader) Duration() media.Time { return r.demuxers[0].Duration() }

// Chapters returns the primary resource's chapters.
func (r *Reader) Chapters() []media.Chapter { return r.demuxers[0].Chapters() }

// Attachments returns the attachments of every demuxer.
func (r *Reader) Attachments() []media.Attachment {
	var out []media.Attachment
	for _, d := range r.demuxers {
		out = append(out, d.Attachments()...)
	}
	return out
}

// Selected returns the selected track id of kind, or -1.
func (r *Reader) Selected(kind media.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected[kind]
}

func (r *Reader) selectedTrack(kind media.Kind) *track.Track {
	id := r.Selected(kind)
	if id < 0 {
		return nil
	}
	return r.tracks[id]
}

// SelectVideoTrack switches video to track id; -1 disables video.
func (r *Reader) SelectVideoTrack(id int) error { return r.selectTrack(media.KindVideo, id) }

// SelectAudioTrack switches audio to track id; -1 disables audio.
func (r *Reader) SelectAudioTrack(id int) error { return r.selectTrack(media.KindAudio, id) }

// SelectSubtitleTrack switches subtitles to track id; -1 disables them.
func (r *Reader) SelectSubtitleTrack(id int) error { return r.selectTrack(media.KindSubtitle, id) }

func (r *Reader) selectTrack(kind media.Kind, id int) error {
	if id >= 0 {
		t, ok := r.tracks[id]
		if !ok {
			return fmt.Errorf("player: unknown track %d", id)
		}
		if t.Kind() != kind {
			return fmt.Errorf("player: track %d is %s, not %s", id, t.Kind(), kind)
		}
	}

	r.mu.Lock()
	prev := r.selected[kind]
	r.selected[kind] = id
	ctx := r.runCtx
	r.mu.Unlock()
	if prev == id {
		return nil
	}
	if ctx != nil {
		if prev >= 0 {
			r.tracks[prev].Stop()
		}
		if id >= 0 {
			r.startTrack(ctx, r.tracks[id])
		}
	}
	r.log.Info("track selected", "kind", kind.String(), "track", id)
	return nil
}

// applySettings copies the reader's playback settings onto t.
func (r *Reader) applySettings(t *track.Track) {
	r.mu.Lock()
	id, in, out, on := r.id, r.timeIn, r.timeOut, r.playback
	tempo, deint, opts := r.tempo, r.deint, r.decOpts
	audioOver, videoOver := r.audioOver, r.videoOver
	r.mu.Unlock()

	t.SetReaderID(id)
	t.SetPlaybackInterval(in, out, on)
	switch t.Kind() {
	case media.KindAudio:
		if err := t.SetTempo(tempo); err != nil {
			r.log.Warn("tempo", "track", t.ID(), "error", err)
		}
		if err := t.SetAudioTraitsOverride(audioOver); err != nil {
			r.log.Warn("audio override", "track", t.ID(), "error", err)
		}
	case media.KindVideo:
		t.SetDecoderOptions(opts)
		t.SetDeinterlacing(deint)
		if err := t.SetVideoTraitsOverride(videoOver); err != nil {
			r.log.Warn("video override", "track", t.ID(), "error", err)
		}
	}
}

func (r *Reader) startTrack(ctx context.Context, t *track.Track) {
	r.applySettings(t)
	t.Start(ctx)
}

func (r *Reader) active() []*track.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*track.Track
	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio, media.KindSubtitle} {
		if id := r.selected[kind]; id >= 0 {
			out = append(out, r.tracks[id])
		}
	}
	return out
}

// SetReaderID retags every later frame; a renderer drops frames whose id
// does not match the reader it expects.
func (r *Reader) SetReaderID(id uuid.UUID) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	for _, t := range r.tracks {
		t.SetReaderID(id)
	}
}

// SetPlaybackInterval sets the [in, out) window frames are delivered for
// while playback is enabled.
func (r *Reader) SetPlaybackInterval(in, out media.Time) {
	r.mu.Lock()
	r.timeIn, r.timeOut = in, out
	on := r.playback
	r.mu.Unlock()
	for _, t := range r.tracks {
		t.SetPlaybackInterval(in, out, on)
	}
}

// SetPlaybackEnabled turns the playback interval on or off.
func (r *Reader) SetPlaybackEnabled(on bool) {
	r.mu.Lock()
	r.playback = on
	in, out := r.timeIn, r.timeOut
	r.mu.Unlock()
	for _, t := range r.tracks {
		t.SetPlaybackInterval(in, out, on)
	}
}

// SetPlaybackLooping restarts from the interval start at the end of the
// input.
func (r *Reader) SetPlaybackLooping(on bool) {
	r.mu.Lock()
	r.looping = on
	r.mu.Unlock()
	r.signal()
}

// SetTempo changes the audio speed.
func (r *Reader) SetTempo(tempo float64) error {
	if tempo <= 0 {
		return fmt.Errorf("player: tempo %v must be positive", tempo)
	}
	r.mu.Lock()
	r.tempo = tempo
	r.mu.Unlock()
	t := r.selectedTrack(media.KindAudio)
	if t == nil {
		return nil
	}
	return t.SetTempo(tempo)
}

// SetDeinterlacing marks video frames for deinterlacing.
func (r *Reader) SetDeinterlacing(on bool) {
	r.mu.Lock()
	r.deint = on
	r.mu.Unlock()
	if t := r.selectedTrack(media.KindVideo); t != nil {
		t.SetDeinterlacing(on)
	}
}

// SkipLoopFilter asks video decoders opened from now on to skip
// deblocking.
func (r *Reader) SkipLoopFilter(on bool) {
	r.mu.Lock()
	r.decOpts.SkipLoopFilter = on
	opts := r.decOpts
	r.mu.Unlock()
	if t := r.selectedTrack(media.KindVideo); t != nil {
		t.SetDecoderOptions(opts)
	}
}

// SkipNonReferenceFrames asks video decoders opened from now on to drop
// frames nothing references.
func (r *Reader) SkipNonReferenceFrames(on bool) {
	r.mu.Lock()
	r.decOpts.SkipNonReference = on
	opts := r.decOpts
	r.mu.Unlock()
	if t := r.selectedTrack(media.KindVideo); t != nil {
		t.SetDecoderOptions(opts)
	}
}

// SetAudioTraitsOverride requests an output layout for audio; zero fields
// keep the native value.
func (r *Reader) SetAudioTraitsOverride(o media.AudioTraits) error {
	r.mu.Lock()
	r.audioOver = o
	r.mu.Unlock()
	if t := r.selectedTrack(media.KindAudio); t != nil {
		return t.SetAudioTraitsOverride(o)
	}
	return nil
}

// SetVideoTraitsOverride requests an output pixel format for video.
func (r *Reader) SetVideoTraitsOverride(o media.VideoTraits) error {
	r.mu.Lock()
	r.videoOver = o
	r.mu.Unlock()
	if t := r.selectedTrack(media.KindVideo); t != nil {
		return t.SetVideoTraitsOverride(o)
	}
	return nil
}

// Start launches the selected track workers and the driver.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.runCtx != nil {
		r.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.runCtx, r.cancel, r.group = gctx, cancel, g
	r.pushCtx, r.pushStop = context.WithCancel(gctx)
	r.mu.Unlock()

	for _, t := range r.active() {
		r.startTrack(gctx, t)
	}
	g.Go(func() error { return r.drive(gctx) })
	return nil
}

// Wait blocks until the driver exits and returns its error.
func (r *Reader) Wait() error {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop halts the driver and every track worker. Frames already queued
// stay readable.
func (r *Reader) Stop() {
	r.mu.Lock()
	cancel, g := r.cancel, r.group
	r.runCtx, r.cancel, r.group = nil, nil, nil
	r.pushCtx, r.pushStop = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("driver stopped", "error", err)
	}
	for _, t := range r.tracks {
		t.Stop()
	}
}

// Close stops playback and closes every demuxer and its tracks.
func (r *Reader) Close() error {
	r.Stop()
	var errs []error
	for _, d := range r.demuxers {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}

// EOF reports whether the driver reached the end of the input and is
// waiting for a seek.
func (r *Reader) EOF() bool { return r.eof.Load() }

func (r *Reader) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drive pulls packets in decode order and routes them to the selected
// tracks until ctx ends. A track that fails to accept a packet never
// stops the loop.
func (r *Reader) drive(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if r.seeking.Load() > 0 {
			if !sleep(ctx, time.Millisecond) {
				return nil
			}
			continue
		}
		// Routing happens under seekMu so no packet read before a seek
		// reaches a track after its reset.
		r.seekMu.Lock()
		if err := r.src.Populate(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("populate", "error", err)
		}
		pkt, ok := demux.Get(r.src)
		gaveUp := r.src.GaveUp()
		if ok {
			r.route(ctx, pkt)
		}
		r.seekMu.Unlock()

		if ok {
			continue
		}
		if !gaveUp {
			if !sleep(ctx, idleWait) {
				return nil
			}
			continue
		}
		if err := r.endOfStream(ctx); err != nil {
			return err
		}
	}
}

func (r *Reader) route(ctx context.Context, pkt *media.Packet) {
	t := r.tracks[pkt.TrackID]
	if t == nil || r.Selected(t.Kind()) != pkt.TrackID {
		pkt.Release()
		return
	}
	if err := t.Push(r.pushContext(ctx), pkt); err != nil {
		if ctx.Err() == nil {
			r.log.Debug("track rejected packet", "track", pkt.TrackID, "error", err)
		}
		return
	}
	r.routed.Add(1)
}

// endOfStream flushes the selected tracks, then loops back to the start
// of the playback interval or waits for a seek.
func (r *Reader) endOfStream(ctx context.Context) error {
	if !r.eof.Swap(true) {
		r.log.Info("end of input", "packets", r.routed.Load())
		for _, t := range r.active() {
			if err := t.Push(ctx, nil); err != nil && ctx.Err() == nil {
				r.log.Debug("flush", "track", t.ID(), "error", err)
			}
		}
	}

	r.mu.Lock()
	looping, in := r.looping, r.timeIn
	r.mu.Unlock()
	if looping {
		// A reset clears pending packets, so let the tail decode first.
		if !r.waitIdle(ctx) {
			return nil
		}
		err := r.seek(ctx, in, false)
		if err == nil {
			return nil
		}
		r.log.Warn("loop", "error", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-r.wake:
		return nil
	}
}

// waitIdle blocks until no selected track has packets waiting.
func (r *Reader) waitIdle(ctx context.Context) bool {
	for _, t := range r.active() {
		for t.Running() && t.Queued() > 0 {
			if !sleep(ctx, idleWait) {
				return false
			}
		}
	}
	return true
}

// Seek moves playback to t. On failure the position is unchanged. Frames
// queued before the seek are discarded and every track emits a
// new-sequence marker.
func (r *Reader) Seek(ctx context.Context, t media.Time) error {
	if err := r.seek(ctx, t, true); err != nil {
		return err
	}
	r.signal()
	return nil
}

func (r *Reader) seek(ctx context.Context, t media.Time, dropPending bool) error {
	r.seeking.Add(1)
	defer r.seeking.Add(-1)
	r.interruptPush()
	r.seekMu.Lock()
	defer r.seekMu.Unlock()
	defer r.renewPush()

	anchor := r.Selected(media.KindVideo)
	if err := r.src.Seek(ctx, demux.SeekBackward, t, anchor); err != nil {
		if !errors.Is(err, demux.ErrPartialSeek) {
			return fmt.Errorf("player: seek to %s: %w", t, err)
		}
		// The primary moved; the failed sidecar keeps its old position.
		r.log.Warn("seek", "time", t.String(), "error", err)
	}
	for _, tr := range r.active() {
		if !tr.Running() {
			continue
		}
		if err := tr.ResetTimeCounters(ctx, t, dropPending); err != nil {
			return fmt.Errorf("player: reset track %d: %w", tr.ID(), err)
		}
	}
	r.eof.Store(false)
	r.log.Debug("seek", "time", t.String())
	return nil
}

// pushContext returns the context packets are routed with, falling back
// to ctx when the reader is not running.
func (r *Reader) pushContext(ctx context.Context) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushCtx == nil {
		return ctx
	}
	return r.pushCtx
}

// interruptPush unblocks a route parked on a full track queue so the
// driver releases seekMu.
func (r *Reader) interruptPush() {
	r.mu.Lock()
	if r.pushStop != nil {
		r.pushStop()
	}
	r.mu.Unlock()
}

func (r *Reader) renewPush() {
	r.mu.Lock()
	if r.runCtx != nil {
		r.pushStop()
		r.pushCtx, r.pushStop = context.WithCancel(r.runCtx)
	}
	r.mu.Unlock()
}

// ReadVideo blocks until the selected video track has a frame.
func (r *Reader) ReadVideo(ctx context.Context) (*media.VideoFrame, error) {
	t := r.selectedTrack(media.KindVideo)
	if t == nil {
		return nil, ErrNoTrack
	}
	return t.ReadVideo(ctx)
}

// TryReadVideo returns a queued video frame without blocking.
func (r *Reader) TryReadVideo() (*media.VideoFrame, bool) {
	t := r.selectedTrack(media.KindVideo)
	if t == nil {
		return nil, false
	}
	return t.TryReadVideo()
}

// ReadAudio blocks until the selected audio track has a frame.
func (r *Reader) ReadAudio(ctx context.Context) (*media.AudioFrame, error) {
	t := r.selectedTrack(media.KindAudio)
	if t == nil {
		return nil, ErrNoTrack
	}
	return t.ReadAudio(ctx)
}

// ReadSubtitles returns the subtitles of the selected track that overlap
// [v0, v1), in seconds.
func (r *Reader) ReadSubtitles(v0, v1 float64) ([]media.SubtitleFrame, error) {
	t := r.selectedTrack(media.KindSubtitle)
	if t == nil {
		return nil, ErrNoTrack
	}
	return t.SubtitlesAt(v0, v1)
}

// Stats returns the reader's counters for metrics.
func (r *Reader) Stats() metrics.ReaderStats {
	s := metrics.ReaderStats{
		Reader:  r.ID().String(),
		Source:  r.path,
		Packets: r.routed.Load(),
	}
	if res, ok := r.demuxers[0].Source().(interface{ Stats() resource.Stats }); ok {
		s.BytesRead = res.Stats().BytesRead
	}
	for _, t := range r.Tracks() {
		s.Tracks = append(s.Tracks, t.Stats())
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
