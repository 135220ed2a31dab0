package demux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/reel/internal/media"
)

// Interface is a buffered, time-ordered packet source: a single demuxer
// (Buffer) or several merged together (Parallel).
type Interface interface {
	Programs() []media.ProgramInfo
	Populate(ctx context.Context) error
	Seek(ctx context.Context, flags SeekFlags, t media.Time, trackID int) error

	// Peek returns the next packet and its sort key without removing it.
	Peek() (*media.Packet, media.Time, bool)

	// Pop removes pkt only if it is still the next packet. pkt must come
	// from an immediately preceding Peek.
	Pop(pkt *media.Packet) bool

	GaveUp() bool
}

// Get removes and returns the next packet of src.
func Get(src Interface) (*media.Packet, bool) {
	pkt, _, ok := src.Peek()
	if !ok {
		return nil, false
	}
	if !src.Pop(pkt) {
		return nil, false
	}
	return pkt, true
}

// Buffer adapts one Demuxer and its PacketBuffer to Interface.
type Buffer struct {
	pb *PacketBuffer
}

// NewBuffer buffers target of d; target <= 0 means DefaultBufferTarget.
func NewBuffer(d *Demuxer, target time.Duration) *Buffer {
	return &Buffer{pb: NewPacketBuffer(d, target)}
}

// Demuxer returns the wrapped demuxer.
func (b *Buffer) Demuxer() *Demuxer { return b.pb.Demuxer() }

func (b *Buffer) Programs() []media.ProgramInfo      { return b.pb.Programs() }
func (b *Buffer) Populate(ctx context.Context) error { return b.pb.Populate(ctx) }
func (b *Buffer) GaveUp() bool                       { return b.pb.GaveUp() }
func (b *Buffer) Pop(pkt *media.Packet) bool         { return b.pb.Pop(pkt) }

func (b *Buffer) Seek(ctx context.Context, flags SeekFlags, t media.Time, trackID int) error {
	return b.pb.Seek(ctx, flags, t, trackID)
}

func (b *Buffer) Peek() (*media.Packet, media.Time, bool) {
	return b.pb.Peek()
}

// Parallel merges children into one stream ordered by sort key. On equal
// keys the child registered first wins, so a primary file goes before its
// sidecars.
type Parallel struct {
	children []Interface
}

// NewParallel merges children in registration order.
func NewParallel(children ...Interface) *Parallel {
	return &Parallel{children: children}
}

// Children returns the merged sources.
func (p *Parallel) Children() []Interface { return p.children }

// Programs concatenates the children's programs.
func (p *Parallel) Programs() []media.ProgramInfo {
	var out []media.ProgramInfo
	for _, c := range p.children {
		out = append(out, c.Programs()...)
	}
	return out
}

// Populate fills every child and joins their errors.
func (p *Parallel) Populate(ctx context.Context) error {
	var errs []error
	for _, c := range p.children {
		if err := c.Populate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Seek seeks the primary child first and leaves every child untouched if
// that fails. The sidecars follow; if any of them fails the primary has
// already moved, and the error wraps ErrPartialSeek together with the first
// sidecar error. A track id only anchors the child that owns it; the others
// seek by time alone.
func (p *Parallel) Seek(ctx context.Context, flags SeekFlags, t media.Time, trackID int) error {
	if len(p.children) == 0 {
		return nil
	}
	if err := p.seekChild(ctx, p.children[0], flags, t, trackID); err != nil {
		return err
	}
	var first error
	for _, c := range p.children[1:] {
		if err := p.seekChild(ctx, c, flags, t, trackID); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return fmt.Errorf("%w: %w", ErrPartialSeek, first)
	}
	return nil
}

func (p *Parallel) seekChild(ctx context.Context, c Interface, flags SeekFlags, t media.Time, trackID int) error {
	if trackID >= 0 && !ownsTrack(c, trackID) {
		trackID = -1
	}
	return c.Seek(ctx, flags, t, trackID)
}

func ownsTrack(src Interface, id int) bool {
	for _, prog := range src.Programs() {
		for _, ids := range [][]int{prog.Video, prog.Audio, prog.Subtitle} {
			for _, x := range ids {
				if x == id {
					return true
				}
			}
		}
	}
	return false
}

// GaveUp reports whether every child gave up.
func (p *Parallel) GaveUp() bool {
	for _, c := range p.children {
		if !c.GaveUp() {
			return false
		}
	}
	return true
}

func (p *Parallel) choose() (Interface, *media.Packet, media.Time, bool) {
	var (
		best    Interface
		bestPkt *media.Packet
		bestKey media.Time
	)
	for _, c := range p.children {
		pkt, key, ok := c.Peek()
		if !ok {
			continue
		}
		if best == nil || key.Less(bestKey) {
			best, bestPkt, bestKey = c, pkt, key
		}
	}
	return best, bestPkt, bestKey, best != nil
}

func (p *Parallel) Peek() (*media.Packet, media.Time, bool) {
	_, pkt, key, ok := p.choose()
	return pkt, key, ok
}

// Pop removes pkt from the child whose next packet it is.
func (p *Parallel) Pop(pkt *media.Packet) bool {
	if pkt == nil {
		return false
	}
	for _, c := range p.children {
		if front, _, ok := c.Peek(); ok && front == pkt {
			return c.Pop(pkt)
		}
	}
	return false
}
