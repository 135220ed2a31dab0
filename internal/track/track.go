// Package track runs the per-stream decode workers. A Track owns one
// elementary stream: a bounded inbound packet queue, a decoder chosen by
// codec negotiation with failover to the next candidate, and a bounded
// outbound frame queue whose element type depends on the stream kind.
package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

const (
	// DefaultReplayWindow is the number of packets sent without output
	// that are retained for replay into a replacement decoder.
	DefaultReplayWindow = 60

	// DefaultErrorThreshold is the number of decode errors after which a
	// decoder that has produced output is abandoned.
	DefaultErrorThreshold = 6

	// consumerGrace is how long ResetTimeCounters waits between checks
	// for the worker to block on its packet queue.
	consumerGrace = 10 * time.Millisecond
)

var (
	// ErrWrongKind is returned when a kind-specific operation is called on
	// a track of another kind.
	ErrWrongKind = errors.New("track: operation not supported by track kind")

	// ErrStopped is returned by reads after the track stopped.
	ErrStopped = errors.New("track: stopped")
)

// Info is the container-level description of a track.
type Info struct {
	ID           int // global id: StreamIndex + the demuxer's track offset
	StreamIndex  int
	DemuxerIndex int
	Program      int
	Kind         media.Kind
	Codec        string
	Name         string
	Lang         string

	// Start and Duration are invalid when the container does not say.
	Start    media.Time
	Duration media.Time
}

// Config tunes decoder failover.
type Config struct {
	ReplayWindow   int
	ErrorThreshold int
	Log            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Stats is a point-in-time snapshot of a track's counters.
type Stats struct {
	ID            int
	Kind          media.Kind
	Decoder       string
	Sent          int64
	Received      int64
	Errors        int64
	Discarded     int64
	DiscardStreak int64
	Dropped       int64
	Switches      int64
	Queued        int
	Unsupported   bool
}

type op int

const (
	opDecode op = iota
	opFlush
	opReset
)

type message struct {
	op   op
	pkt  *media.Packet
	seek media.Time
}

// handler is the kind-specific half of a track: it turns decoder output
// into frames on the track's outbound queue.
type handler interface {
	startup()
	handle(ctx context.Context, pkt *media.Packet, frames []*codec.Frame) error
	reset(ctx context.Context, seek media.Time) error
	clearFrames()
	closeFrames()
	openFrames()
}

// Track decodes one elementary stream on a dedicated worker goroutine.
type Track struct {
	info Info
	cfg  Config
	log  *slog.Logger
	neg  *codec.Negotiator

	packets *queue.Queue[message]
	h       handler

	// Worker state. Only the worker goroutine touches these.
	dec        codec.Decoder
	impl       codec.Implementation
	candidates []codec.Candidate
	negotiated bool
	history    []*media.Packet
	sent       int
	received   int
	errs       int

	mu            sync.Mutex
	params        codec.Params
	recommended   []codec.Candidate
	switchPending bool
	timeIn        media.Time
	timeOut       media.Time
	playback      bool
	readerID      uuid.UUID
	decoderName   string
	runCtx        context.Context
	cancel        context.CancelFunc
	done          chan struct{}

	unsupported   atomic.Bool
	sentTotal     atomic.Int64
	receivedTotal atomic.Int64
	errorsTotal   atomic.Int64
	discarded     atomic.Int64
	discardStreak atomic.Int64
	dropped       atomic.Int64
	switches      atomic.Int64
}

// New returns a stopped track for the stream described by info and params.
func New(info Info, params codec.Params, neg *codec.Negotiator, cfg Config) *Track {
	cfg = cfg.withDefaults()
	params.Kind = info.Kind
	t := &Track{
		info:    info,
		cfg:     cfg,
		log:     cfg.Log.With("component", "track", "track", info.ID, "kind", info.Kind.String()),
		neg:     neg,
		params:  params,
		packets: queue.New[message](media.PacketQueueSize),
		timeIn:  media.NewTime(0, 1),
		timeOut: media.NewTime(1<<62, 1),
	}
	t.packets.OnDiscard(func(m message) {
		if m.pkt != nil {
			m.pkt.Release()
		}
	})
	switch info.Kind {
	case media.KindAudio:
		t.h = newAudioHandler(t)
	case media.KindVideo:
		t.h = newVideoHandler(t)
	default:
		t.h = newSubtitleHandler(t)
	}
	return t
}

// Info returns the container-level description of the track.
func (t *Track) Info() Info { return t.info }

// ID returns the global track id.
func (t *Track) ID() int { return t.info.ID }

// Kind returns the stream kind.
func (t *Track) Kind() media.Kind { return t.info.Kind }

// Params returns the codec parameters, including current decoder options.
func (t *Track) Params() codec.Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// Start launches the worker. It is a no-op while the worker runs.
func (t *Track) Start(ctx context.Context) {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return
	}
	t.runCtx = ctx
	ctx, t.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	t.done = done
	t.mu.Unlock()

	t.packets.Open()
	t.h.openFrames()
	go func() {
		defer close(done)
		if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Warn("track worker stopped", "error", err)
		}
	}()
}

// Stop closes the inbound queue, interrupts the worker and waits for it
// to exit. Frames already queued stay readable until drained.
func (t *Track) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if done == nil {
		return
	}
	t.packets.Close()
	cancel()
	<-done
	t.h.closeFrames()
}

// Running reports whether the worker is active.
func (t *Track) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done != nil
}

// Run is the worker loop: it decodes inbound packets until the packet
// queue is closed or ctx is cancelled. A closed queue returns nil.
func (t *Track) Run(ctx context.Context) error {
	t.h.startup()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := t.packets.Pop(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		switch m.op {
		case opDecode:
			t.decode(ctx, m.pkt)
		case opFlush:
			t.drain(ctx)
		case opReset:
			t.resetDecoder(ctx, m.seek)
		}
	}
}

// Close stops the worker and releases every decoder and retained packet.
func (t *Track) Close() error {
	t.Stop()
	t.packets.Clear()
	t.releaseHistory()
	t.closeDecoder()
	codec.CloseAll(t.candidates)
	t.candidates = nil
	t.mu.Lock()
	codec.CloseAll(t.recommended)
	t.recommended = nil
	t.mu.Unlock()
	return nil
}

// Push queues a packet for decoding; a nil packet requests a flush of the
// frames buffered inside the decoder. The track takes ownership of pkt.
func (t *Track) Push(ctx context.Context, pkt *media.Packet) error {
	m := message{op: opDecode, pkt: pkt}
	if pkt == nil {
		m.op = opFlush
	}
	if err := t.packets.Push(ctx, m); err != nil {
		if pkt != nil {
			pkt.Release()
		}
		return err
	}
	return nil
}

// Queued returns the number of pending inbound messages.
func (t *Track) Queued() int { return t.packets.Len() }

// SetPlaybackInterval bounds the frames forwarded downstream while
// playback is enabled. It resets the discard streak.
func (t *Track) SetPlaybackInterval(timeIn, timeOut media.Time, enabled bool) {
	t.mu.Lock()
	t.timeIn, t.timeOut, t.playback = timeIn, timeOut, enabled
	t.mu.Unlock()
	t.discardStreak.Store(0)
}

// PlaybackInterval returns the current interval and whether it applies.
func (t *Track) PlaybackInterval() (media.Time, media.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeIn, t.timeOut, t.playback
}

// accept reports whether a frame covering [start, start+dur) falls inside
// the playback interval, counting discards past the out point.
func (t *Track) accept(start, dur media.Time) bool {
	in, out, enabled := t.PlaybackInterval()
	if !enabled {
		return true
	}
	if out.Less(start) || start.Add(dur).Less(in) {
		if out.Less(start) {
			t.discarded.Add(1)
			t.discardStreak.Add(1)
		}
		return false
	}
	t.discardStreak.Store(0)
	return true
}

// SetReaderID tags every frame produced from now on.
func (t *Track) SetReaderID(id uuid.UUID) {
	t.mu.Lock()
	t.readerID = id
	t.mu.Unlock()
}

func (t *Track) header(ts media.Time) media.FrameHeader {
	t.mu.Lock()
	defer t.mu.Unlock()
	return media.FrameHeader{TrackID: t.info.ID, Time: ts, ReaderID: t.readerID}
}

// SetDecoderOptions stores decoder hints applied the next time a decoder
// is opened.
func (t *Track) SetDecoderOptions(o codec.Options) {
	t.mu.Lock()
	t.params.Options = o
	t.mu.Unlock()
}

// SwitchDecoderToRecommended reorders the decoder candidates so that name
// is tried first. The switch happens at the next keyframe.
func (t *Track) SwitchDecoderToRecommended(name string) error {
	cands, err := t.neg.Recommend(t.Params(), name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	codec.CloseAll(t.recommended)
	t.recommended = cands
	t.switchPending = true
	t.mu.Unlock()
	return nil
}

// ResetTimeCounters prepares the track for decoding from seek. Pending
// packets are discarded; with dropPending, queued frames are discarded as
// well once the worker is idle. The worker then flushes and reopens its
// decoder and emits a new-sequence marker frame.
func (t *Track) ResetTimeCounters(ctx context.Context, seek media.Time, dropPending bool) error {
	t.packets.Clear()
	if dropPending {
		for {
			t.h.clearFrames()
			if !t.Running() || t.packets.WaitForConsumerToBlock(ctx, consumerGrace) {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		t.h.clearFrames()
	}

	t.mu.Lock()
	t.timeIn = seek
	t.mu.Unlock()
	t.discardStreak.Store(0)

	return t.packets.Push(ctx, message{op: opReset, seek: seek})
}

// Stats returns a snapshot of the track counters.
func (t *Track) Stats() Stats {
	t.mu.Lock()
	name := t.decoderName
	t.mu.Unlock()
	return Stats{
		ID:            t.info.ID,
		Kind:          t.info.Kind,
		Decoder:       name,
		Sent:          t.sentTotal.Load(),
		Received:      t.receivedTotal.Load(),
		Errors:        t.errorsTotal.Load(),
		Discarded:     t.discarded.Load(),
		DiscardStreak: t.discardStreak.Load(),
		Dropped:       t.dropped.Load(),
		Switches:      t.switches.Load(),
		Queued:        t.packets.Len(),
		Unsupported:   t.unsupported.Load(),
	}
}

// Unsupported reports whether every decoder candidate has been exhausted.
func (t *Track) Unsupported() bool { return t.unsupported.Load() }

// open returns the active decoder, taking the next candidate when there
// is none. It returns nil once the candidates are exhausted.
func (t *Track) open() codec.Decoder {
	if t.dec != nil {
		return t.dec
	}
	if t.unsupported.Load() {
		return nil
	}
	if !t.negotiated {
		cands, err := t.neg.Candidates(t.Params())
		t.negotiated = true
		if err != nil {
			t.markUnsupported(err)
			return nil
		}
		t.candidates = cands
	}
	if len(t.candidates) == 0 {
		t.markUnsupported(codec.ErrUnsupportedCodec)
		return nil
	}

	c := t.candidates[0]
	t.candidates = t.candidates[1:]
	t.dec, t.impl = c.Decoder, c.Impl
	t.sent, t.received, t.errs = 0, 0, 0

	t.mu.Lock()
	t.decoderName = c.Impl.Name
	t.mu.Unlock()
	t.log.Debug("decoder opened", "decoder", c.Impl.Name, "class", c.Impl.Class.String())
	return t.dec
}

func (t *Track) markUnsupported(err error) {
	if !t.unsupported.Swap(true) {
		t.log.Warn("no usable decoder, track disabled", "codec", t.info.Codec, "error", err)
	}
	t.releaseHistory()
}

func (t *Track) closeDecoder() {
	if t.dec == nil {
		return
	}
	if err := t.dec.Close(); err != nil {
		t.log.Debug("decoder close failed", "decoder", t.impl.Name, "error", err)
	}
	t.dec = nil
}

func (t *Track) releaseHistory() {
	for _, p := range t.history {
		p.Release()
	}
	t.history = nil
}

func (t *Track) decode(ctx context.Context, pkt *media.Packet) {
	t.mu.Lock()
	if t.switchPending && pkt.Keyframe() {
		codec.CloseAll(t.candidates)
		t.candidates = t.recommended
		t.recommended = nil
		t.switchPending = false
		t.mu.Unlock()

		t.flush(ctx)
		t.closeDecoder()
		t.unsupported.Store(false)
	} else {
		t.mu.Unlock()
	}

	dec := t.open()
	if dec == nil {
		pkt.Release()
		return
	}

	if t.sent > t.cfg.ReplayWindow && len(t.history) > 0 {
		t.history[0].Release()
		t.history = t.history[1:]
	}
	t.history = append(t.history, pkt)

	before := t.received
	err := t.decodePacket(ctx, dec, pkt)
	switch {
	case t.received > before:
		t.releaseHistory()
		t.sent, t.errs = 0, 0
	case hardError(err) && (t.received == 0 || t.errs >= t.cfg.ErrorThreshold):
		t.switchDecoder(ctx, err)
	}
}

// decodePacket sends pkt (nil drains) and hands every frame the decoder
// releases to the handler. It returns the last receive status or the send
// error.
func (t *Track) decodePacket(ctx context.Context, dec codec.Decoder, pkt *media.Packet) error {
	var frames []*codec.Frame
	var errRecv error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		errSend := dec.SendPacket(pkt)
		if errors.Is(errSend, io.EOF) {
			dec.Flush()
			errSend = dec.SendPacket(pkt)
		}
		if hardError(errSend) {
			t.errs++
			t.errorsTotal.Add(1)
			t.log.Debug("send failed", "decoder", dec.Name(), "error", errSend)
			return errSend
		}
		if errSend == nil {
			t.sent++
			t.sentTotal.Add(1)
		}

		got := len(frames)
		frames, errRecv = t.pull(dec, frames)
		if !errors.Is(errSend, codec.ErrAgain) || len(frames) == got {
			break
		}
	}

	if hardError(errRecv) {
		t.log.Debug("receive failed", "decoder", dec.Name(), "error", errRecv)
	}
	if len(frames) > 0 {
		if err := t.h.handle(ctx, pkt, frames); err != nil {
			return err
		}
	}
	return errRecv
}

func (t *Track) pull(dec codec.Decoder, frames []*codec.Frame) ([]*codec.Frame, error) {
	for {
		f, err := dec.ReceiveFrame()
		if err != nil {
			if hardError(err) {
				t.errs++
				t.errorsTotal.Add(1)
			}
			return frames, err
		}
		t.received++
		t.receivedTotal.Add(1)
		frames = append(frames, f)
	}
}

// flush drains the frames buffered inside the active decoder.
func (t *Track) flush(ctx context.Context) error {
	if t.dec == nil {
		return nil
	}
	return t.decodePacket(ctx, t.dec, nil)
}

// drain flushes at the end of input. A decoder that fails the drain is
// treated like one that fails a packet; its replacement is drained too.
func (t *Track) drain(ctx context.Context) {
	err := t.flush(ctx)
	if hardError(err) && (t.received == 0 || t.errs >= t.cfg.ErrorThreshold) {
		t.switchDecoder(ctx, err)
		t.flush(ctx)
	}
}

// switchDecoder abandons the active decoder, opens the next candidate and
// replays the retained packets through it.
func (t *Track) switchDecoder(ctx context.Context, cause error) {
	failed := t.impl.Name
	t.closeDecoder()
	dec := t.open()
	if dec == nil {
		return
	}
	t.switches.Add(1)
	t.log.Info("switching decoder", "from", failed, "to", t.impl.Name, "replay", len(t.history), "cause", cause)

	for _, p := range t.history {
		if err := t.decodePacket(ctx, dec, p); hardError(err) {
			break
		}
	}
	if t.received > 0 {
		t.releaseHistory()
		t.sent, t.errs = 0, 0
	}
}

// resetDecoder runs on the worker after a seek: decoder state is flushed
// and the same implementation reopened so decoding restarts cleanly.
func (t *Track) resetDecoder(ctx context.Context, seek media.Time) {
	t.releaseHistory()
	if t.dec != nil {
		t.dec.Flush()
		t.closeDecoder()
		dec, err := codec.TryOpen(t.impl, t.Params())
		if err != nil {
			t.log.Warn("decoder reopen failed", "decoder", t.impl.Name, "error", err)
		} else {
			t.dec = dec
		}
		t.sent, t.received, t.errs = 0, 0, 0
	}
	if err := t.h.reset(ctx, seek); err != nil && !errors.Is(err, context.Canceled) {
		t.log.Debug("sequence reset interrupted", "error", err)
	}
}

// restart stops a running worker, applies fn and starts it again with the
// original context.
func (t *Track) restart(fn func()) {
	t.mu.Lock()
	ctx := t.runCtx
	running := t.done != nil
	t.mu.Unlock()

	if running {
		t.Stop()
		t.h.clearFrames()
	}
	fn()
	if running {
		t.Start(ctx)
	}
}

// hardError reports whether err is a decode failure rather than a status
// or a cancellation.
func hardError(err error) bool {
	return err != nil &&
		!errors.Is(err, codec.ErrAgain) &&
		!errors.Is(err, io.EOF) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (t *Track) String() string {
	return fmt.Sprintf("%s track %d (%s)", t.info.Kind, t.info.ID, t.info.Codec)
}
