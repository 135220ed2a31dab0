// Package media defines the timestamps, packets and decoded frame types that
// flow through the reel pipeline, from demuxing through the reader API.
package media

import (
	"fmt"

	"github.com/google/uuid"
)

// Queue sizes for the per-track bounded queues. Packet queues are large so
// that interleaved sources never stall the demuxer on one slow track; frame
// queues hold roughly two seconds of output.
const (
	PacketQueueSize   = 2048
	AudioQueueSize    = PacketQueueSize
	VideoQueueSize    = 64
	SubtitleQueueSize = 256
)

// SampleFormat is the storage type of one audio sample.
type SampleFormat int

const (
	SampleFmtNone SampleFormat = iota
	SampleFmtU8
	SampleFmtS16
	SampleFmtS32
	SampleFmtF32
	SampleFmtF64
)

// BytesPerSample returns the width of one sample of f.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFmtU8:
		return 1
	case SampleFmtS16:
		return 2
	case SampleFmtS32, SampleFmtF32:
		return 4
	case SampleFmtF64:
		return 8
	}
	return 0
}

func (f SampleFormat) String() string {
	switch f {
	case SampleFmtU8:
		return "u8"
	case SampleFmtS16:
		return "s16"
	case SampleFmtS32:
		return "s32"
	case SampleFmtF32:
		return "f32"
	case SampleFmtF64:
		return "f64"
	}
	return "none"
}

// ChannelFormat tells whether channel samples are interleaved or stored in
// separate planes.
type ChannelFormat int

const (
	ChannelsPacked ChannelFormat = iota
	ChannelsPlanar
)

// AudioTraits describes a PCM audio layout.
type AudioTraits struct {
	SampleRate    int
	SampleFormat  SampleFormat
	Channels      int
	ChannelFormat ChannelFormat
}

// Valid reports whether every field of t is set.
func (t AudioTraits) Valid() bool {
	return t.SampleRate > 0 && t.Channels > 0 && t.SampleFormat != SampleFmtNone
}

// BytesPerFrame returns the size of one sample across all channels.
func (t AudioTraits) BytesPerFrame() int {
	return t.SampleFormat.BytesPerSample() * t.Channels
}

// Merge returns t with every zero field replaced by the field from native.
func (t AudioTraits) Merge(native AudioTraits) AudioTraits {
	out := native
	if t.SampleRate > 0 {
		out.SampleRate = t.SampleRate
	}
	if t.SampleFormat != SampleFmtNone {
		out.SampleFormat = t.SampleFormat
	}
	if t.Channels > 0 {
		out.Channels = t.Channels
	}
	if t.SampleFormat != SampleFmtNone || t.Channels > 0 {
		out.ChannelFormat = t.ChannelFormat
	}
	return out
}

func (t AudioTraits) String() string {
	layout := "packed"
	if t.ChannelFormat == ChannelsPlanar {
		layout = "planar"
	}
	return fmt.Sprintf("%d Hz %s %dch %s", t.SampleRate, t.SampleFormat, t.Channels, layout)
}

// VideoTraits describes a decoded picture layout.
type VideoTraits struct {
	Width       int
	Height      int
	PixelFormat string
	FrameRate   float64
}

func (t VideoTraits) String() string {
	return fmt.Sprintf("%dx%d %s %.3f fps", t.Width, t.Height, t.PixelFormat, t.FrameRate)
}

// FrameHeader carries fields shared by all decoded frame kinds.
type FrameHeader struct {
	TrackID  int
	Time     Time
	ReaderID uuid.UUID

	// NewSequence marks the first frame after a seek or reset; it carries
	// no samples and tells the consumer to drop its timing state.
	NewSequence bool

	// MonotonicityWarning is set when no timestamp candidate was strictly
	// later than the previous frame.
	MonotonicityWarning bool
}

// AudioFrame is a block of decoded samples in the track's output traits.
// Packed layouts use one plane; planar layouts use one plane per channel.
type AudioFrame struct {
	FrameHeader
	Traits     AudioTraits
	Samples    [][]byte
	NumSamples int
	Tempo      float64
}

// Duration returns the playback length of the frame.
func (f *AudioFrame) Duration() Time {
	if f.Traits.SampleRate <= 0 {
		return Time{Base: DefaultTimeBase}
	}
	return Time{Time: int64(f.NumSamples), Base: uint64(f.Traits.SampleRate)}
}

// VideoFrame is one decoded picture.
type VideoFrame struct {
	FrameHeader
	Traits      VideoTraits
	Planes      [][]byte
	Keyframe    bool
	Deinterlace bool
	Duration    Time
}

// SubtitleFrame is one decoded caption or subtitle event. An invalid End
// means the end time is not known yet.
type SubtitleFrame struct {
	FrameHeader
	End     Time
	Text    string
	Channel int
}

// ProgramInfo groups the global track ids that belong to one program.
type ProgramInfo struct {
	ID       int
	Name     string
	Video    []int
	Audio    []int
	Subtitle []int
}

// Chapter is a named time range of the primary resource.
type Chapter struct {
	Name  string
	Start Time
	End   Time
}

// Attachment is an opaque blob carried by a container (fonts, cover art).
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}
