package demux

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/zsiec/reel/internal/media"
)

const (
	// DefaultBufferTarget is how much media a PacketBuffer keeps ahead.
	DefaultBufferTarget = time.Second

	// maxAgain is how many consecutive ErrAgain results Populate absorbs
	// before giving up.
	maxAgain = 100

	// maxBufferedPackets stops Populate on inputs whose timestamps never
	// let the buffered duration grow.
	maxBufferedPackets = 20000
)

type bufferedPacket struct {
	pkt *media.Packet
	key media.Time
}

// ProgramBuffer keeps one FIFO of packets per stream and merges them by
// decode time. Each packet gets a sort key: its DTS, else its PTS, else
// the time the previous packet of the stream ended, clamped so keys
// never decrease within a stream.
type ProgramBuffer struct {
	packets map[int][]bufferedPacket
	next    map[int]media.Time
	last    map[int]media.Time
	kinds   map[int]media.Kind
	num     int

	t0, t1 media.Time
}

// NewProgramBuffer returns an empty buffer.
func NewProgramBuffer() *ProgramBuffer {
	b := &ProgramBuffer{}
	b.Clear()
	return b
}

// Clear releases every buffered packet.
func (b *ProgramBuffer) Clear() {
	for _, q := range b.packets {
		for _, e := range q {
			e.pkt.Release()
		}
	}
	b.packets = make(map[int][]bufferedPacket)
	b.next = make(map[int]media.Time)
	b.last = make(map[int]media.Time)
	b.kinds = make(map[int]media.Kind)
	b.num = 0
	b.t0, b.t1 = media.Time{}, media.Time{}
}

// Push appends pkt to its stream's FIFO.
func (b *ProgramBuffer) Push(pkt *media.Packet, kind media.Kind) {
	s := pkt.StreamIndex
	key, ok := pkt.SortTime()
	if !ok {
		key = media.NewTime(0, media.DefaultTimeBase)
		if next, have := b.next[s]; have {
			key = next
		}
	}
	if prev, have := b.last[s]; have && key.Less(prev) {
		key = prev
	}
	b.last[s] = key

	end := key
	if pkt.Duration > 0 {
		end = key.Add(pkt.DurationTime())
	}
	b.next[s] = end
	b.kinds[s] = kind
	b.packets[s] = append(b.packets[s], bufferedPacket{pkt: pkt, key: key})
	b.num++

	if !b.t0.Valid() || key.Less(b.t0) {
		b.t0 = key
	}
	if !b.t1.Valid() || b.t1.Less(end) {
		b.t1 = end
	}
}

// Choose returns the stream whose front packet has the smallest key.
// Ties go to the lower stream index.
func (b *ProgramBuffer) Choose() (int, media.Time, bool) {
	best, found := -1, false
	var bestKey media.Time
	for _, s := range b.streams() {
		q := b.packets[s]
		if len(q) == 0 {
			continue
		}
		if !found || q[0].key.Less(bestKey) {
			best, bestKey, found = s, q[0].key, true
		}
	}
	return best, bestKey, found
}

func (b *ProgramBuffer) streams() []int {
	out := make([]int, 0, len(b.packets))
	for s := range b.packets {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Peek returns the front packet of stream, or of the chosen stream when
// stream is negative.
func (b *ProgramBuffer) Peek(stream int) (*media.Packet, media.Time, bool) {
	if stream < 0 {
		var ok bool
		if stream, _, ok = b.Choose(); !ok {
			return nil, media.Time{}, false
		}
	}
	q := b.packets[stream]
	if len(q) == 0 {
		return nil, media.Time{}, false
	}
	return q[0].pkt, q[0].key, true
}

// Get removes and returns the front packet of stream, or of the chosen
// stream when stream is negative.
func (b *ProgramBuffer) Get(stream int) (*media.Packet, bool) {
	pkt, _, ok := b.Peek(stream)
	if !ok {
		return nil, false
	}
	b.Pop(pkt)
	return pkt, true
}

// Pop removes pkt only if it is the front packet of its stream.
func (b *ProgramBuffer) Pop(pkt *media.Packet) bool {
	if pkt == nil {
		return false
	}
	q := b.packets[pkt.StreamIndex]
	if len(q) == 0 || q[0].pkt != pkt {
		return false
	}
	q[0] = bufferedPacket{}
	b.packets[pkt.StreamIndex] = q[1:]
	b.num--
	b.updateDuration()
	return true
}

// updateDuration moves t0 to the earliest remaining key.
func (b *ProgramBuffer) updateDuration() {
	if b.num == 0 {
		b.t0, b.t1 = media.Time{}, media.Time{}
		return
	}
	b.t0 = media.Time{}
	for _, q := range b.packets {
		if len(q) > 0 && (!b.t0.Valid() || q[0].key.Less(b.t0)) {
			b.t0 = q[0].key
		}
	}
}

// Duration returns the span from the earliest buffered key to the end of
// the latest buffered packet.
func (b *ProgramBuffer) Duration() time.Duration {
	if !b.t0.Valid() || !b.t1.Valid() || !b.t0.Less(b.t1) {
		return 0
	}
	return time.Duration(b.t1.Sub(b.t0).Sec() * float64(time.Second))
}

// AvgTrackDuration averages the buffered span of each audio and video
// stream. Buffers holding neither average over every stream.
func (b *ProgramBuffer) AvgTrackDuration() time.Duration {
	var total time.Duration
	var n int
	for _, av := range []bool{true, false} {
		for s, q := range b.packets {
			if len(q) == 0 {
				continue
			}
			k := b.kinds[s]
			if av && k != media.KindAudio && k != media.KindVideo {
				continue
			}
			end := b.next[s]
			total += time.Duration(end.Sub(q[0].key).Sec() * float64(time.Second))
			n++
		}
		if n > 0 {
			return total / time.Duration(n)
		}
	}
	return 0
}

// Empty reports whether nothing is buffered.
func (b *ProgramBuffer) Empty() bool { return b.num == 0 }

// NumPackets returns the number of buffered packets.
func (b *ProgramBuffer) NumPackets() int { return b.num }

// PacketBuffer pulls packets from a Demuxer into one ProgramBuffer per
// program and hands them out in decode order across all of them.
type PacketBuffer struct {
	d      *Demuxer
	target time.Duration
	gaveUp bool

	programs []int // registration order
	buffers  map[int]*ProgramBuffer
}

// NewPacketBuffer buffers d; target <= 0 means DefaultBufferTarget.
func NewPacketBuffer(d *Demuxer, target time.Duration) *PacketBuffer {
	if target <= 0 {
		target = DefaultBufferTarget
	}
	return &PacketBuffer{d: d, target: target, buffers: make(map[int]*ProgramBuffer)}
}

// Demuxer returns the buffered demuxer.
func (b *PacketBuffer) Demuxer() *Demuxer { return b.d }

// Programs returns the demuxer's programs.
func (b *PacketBuffer) Programs() []media.ProgramInfo { return b.d.Programs() }

// GaveUp reports whether the last Populate hit the end of the input, a
// fatal error or a run of transient failures.
func (b *PacketBuffer) GaveUp() bool { return b.gaveUp }

// Clear drops every buffered packet and resets GaveUp.
func (b *PacketBuffer) Clear() {
	for _, pb := range b.buffers {
		pb.Clear()
	}
	b.gaveUp = false
}

// Seek repositions the demuxer and clears the buffer.
func (b *PacketBuffer) Seek(ctx context.Context, flags SeekFlags, t media.Time, trackID int) error {
	if err := b.d.SeekTo(ctx, flags, t, trackID); err != nil {
		return err
	}
	b.Clear()
	return nil
}

// Duration returns the largest average track duration over the programs.
func (b *PacketBuffer) Duration() time.Duration {
	var d time.Duration
	for _, pb := range b.buffers {
		d = max(d, pb.AvgTrackDuration())
	}
	return d
}

func (b *PacketBuffer) numPackets() int {
	n := 0
	for _, pb := range b.buffers {
		n += pb.NumPackets()
	}
	return n
}

// Populate reads until the buffer holds the target duration. It stops
// early and sets GaveUp at the end of the input or after a fatal error,
// which it returns. Once given up it does nothing until Clear or Seek.
func (b *PacketBuffer) Populate(ctx context.Context) error {
	if b.gaveUp {
		return nil
	}
	again := 0
	for b.Duration() < b.target && b.numPackets() < maxBufferedPackets {
		pkt, err := b.d.Demux(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrAgain):
			if again++; again >= maxAgain {
				b.gaveUp = true
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			b.gaveUp = true
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			b.gaveUp = true
			return err
		}
		again = 0
		b.push(pkt)
	}
	return nil
}

func (b *PacketBuffer) push(pkt *media.Packet) {
	pb, ok := b.buffers[pkt.Program]
	if !ok {
		pb = NewProgramBuffer()
		b.buffers[pkt.Program] = pb
		b.programs = append(b.programs, pkt.Program)
	}
	kind := media.KindUnknown
	if t := b.d.TrackByStream(pkt.StreamIndex); t != nil {
		kind = t.Kind()
	}
	pb.Push(pkt, kind)
}

// Choose returns the program buffer holding the earliest packet. Ties go
// to the program seen first.
func (b *PacketBuffer) Choose() (*ProgramBuffer, int, media.Time, bool) {
	var best *ProgramBuffer
	var bestStream int
	var bestKey media.Time
	for _, id := range b.programs {
		pb := b.buffers[id]
		s, key, ok := pb.Choose()
		if !ok {
			continue
		}
		if best == nil || key.Less(bestKey) {
			best, bestStream, bestKey = pb, s, key
		}
	}
	return best, bestStream, bestKey, best != nil
}

// Peek returns the earliest buffered packet and its sort key.
func (b *PacketBuffer) Peek() (*media.Packet, media.Time, bool) {
	pb, s, _, ok := b.Choose()
	if !ok {
		return nil, media.Time{}, false
	}
	return pb.Peek(s)
}

// Get removes and returns the earliest buffered packet.
func (b *PacketBuffer) Get() (*media.Packet, bool) {
	pb, s, _, ok := b.Choose()
	if !ok {
		return nil, false
	}
	return pb.Get(s)
}

// Pop removes pkt if it is still the front of its stream.
func (b *PacketBuffer) Pop(pkt *media.Packet) bool {
	if pkt == nil {
		return false
	}
	pb, ok := b.buffers[pkt.Program]
	return ok && pb.Pop(pkt)
}
