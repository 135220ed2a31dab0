package media

import (
	"sync"
	"sync/atomic"
)

// Kind identifies the elementary stream type of a track.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindSubtitle
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	case KindData:
		return "data"
	}
	return "unknown"
}

// Prefix returns the short track-id prefix used in logs and summaries.
func (k Kind) Prefix() string {
	switch k {
	case KindVideo:
		return "v"
	case KindAudio:
		return "a"
	case KindSubtitle:
		return "s"
	case KindData:
		return "d"
	}
	return "_"
}

// Payload is an immutable, reference-counted packet buffer. Packets that
// share a payload (buffers, decoder history) retain it and release it when
// done; the last release returns the bytes to a pool.
type Payload struct {
	refs  atomic.Int32
	data  []byte
	owned bool
}

var payloadPool = sync.Pool{
	New: func() any { return &Payload{} },
}

// NewPayload copies b into a pooled buffer with a reference count of one.
func NewPayload(b []byte) *Payload {
	p := payloadPool.Get().(*Payload)
	p.data = append(p.data[:0], b...)
	p.owned = true
	p.refs.Store(1)
	return p
}

// WrapPayload adopts b without copying. The caller must not modify b
// afterwards. Wrapped buffers are never returned to the pool.
func WrapPayload(b []byte) *Payload {
	p := &Payload{data: b}
	p.refs.Store(1)
	return p
}

// Bytes returns the payload contents. The slice must be treated as read-only.
func (p *Payload) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.data
}

// Len returns the payload size in bytes.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.data)
}

// Retain adds a reference.
func (p *Payload) Retain() *Payload {
	if p != nil {
		p.refs.Add(1)
	}
	return p
}

// Release drops a reference and reports whether it was the last one.
func (p *Payload) Release() bool {
	if p == nil {
		return false
	}
	if p.refs.Add(-1) != 0 {
		return false
	}
	if p.owned {
		p.data = p.data[:0]
		payloadPool.Put(p)
	}
	return true
}

// Refs returns the current reference count.
func (p *Payload) Refs() int32 {
	if p == nil {
		return 0
	}
	return p.refs.Load()
}

// PacketFlags carries per-packet container flags.
type PacketFlags uint8

const (
	FlagKeyframe PacketFlags = 1 << iota
	FlagCorrupt
	FlagDiscard
)

// Packet is one compressed unit of an elementary stream. Packets are
// read-only once demuxed; Clone shares the payload.
type Packet struct {
	Payload *Payload

	// TrackID is the global track id: StreamIndex plus the owning
	// demuxer's track offset.
	TrackID      int
	StreamIndex  int
	DemuxerIndex int
	Program      int

	DTS      int64
	PTS      int64
	Duration int64
	TimeBase Rational
	Pos      int64
	Flags    PacketFlags
}

// Data returns the packet bytes.
func (p *Packet) Data() []byte {
	return p.Payload.Bytes()
}

// Keyframe reports whether the packet starts a decodable group.
func (p *Packet) Keyframe() bool {
	return p.Flags&FlagKeyframe != 0
}

// DTSTime returns the decode timestamp, if known.
func (p *Packet) DTSTime() (Time, bool) {
	return FromTicks(p.DTS, p.TimeBase)
}

// PTSTime returns the presentation timestamp, if known.
func (p *Packet) PTSTime() (Time, bool) {
	return FromTicks(p.PTS, p.TimeBase)
}

// DurationTime returns the packet duration; zero when unknown.
func (p *Packet) DurationTime() Time {
	if p.Duration <= 0 {
		return Time{Time: 0, Base: uint64(max(p.TimeBase.Den, 1))}
	}
	t, ok := FromTicks(p.Duration, p.TimeBase)
	if !ok {
		return Time{Base: DefaultTimeBase}
	}
	return t
}

// SortTime returns the DTS, falling back to the PTS, used to order packets
// across streams.
func (p *Packet) SortTime() (Time, bool) {
	if t, ok := p.DTSTime(); ok {
		return t, true
	}
	return p.PTSTime()
}

// Clone returns a shallow copy that holds its own payload reference.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = p.Payload.Retain()
	return &c
}

// Release drops the packet's payload reference.
func (p *Packet) Release() {
	if p == nil {
		return
	}
	p.Payload.Release()
	p.Payload = nil
}
