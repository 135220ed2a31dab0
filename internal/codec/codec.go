// Package codec defines the decoder contract used by tracks, the immutable
// library of decoder implementations, and the negotiator that turns a
// stream's codec parameters into an ordered list of opened decoders.
package codec

import (
	"errors"

	"github.com/zsiec/reel/internal/media"
)

// Codec identifiers understood by the built-in library.
const (
	H264     = "h264"
	HEVC     = "hevc"
	RawVideo = "rawvideo"
	AAC      = "aac"
	MP2      = "mp2"
	AC3      = "ac3"
	PCMU8    = "pcm_u8"
	PCMS16LE = "pcm_s16le"
	PCMS16BE = "pcm_s16be"
	PCMS24LE = "pcm_s24le"
	PCMS32LE = "pcm_s32le"
	PCMF32LE = "pcm_f32le"
	PCMF64LE = "pcm_f64le"
	PCMALaw  = "pcm_alaw"
	PCMMuLaw = "pcm_mulaw"
	SubRip   = "subrip"
	Text     = "text"
	MovText  = "mov_text"
	EIA608   = "eia_608"
)

var (
	// ErrAgain means the decoder cannot accept input until output is
	// drained, or has no output until more input arrives.
	ErrAgain = errors.New("codec: resource temporarily unavailable")

	// ErrUnsupportedCodec is returned when no implementation can open a
	// stream's parameters.
	ErrUnsupportedCodec = errors.New("codec: unsupported codec")

	// ErrInvalidData is returned for packets a decoder cannot parse.
	ErrInvalidData = errors.New("codec: invalid data")
)

// Options are decoder hints applied on open.
type Options struct {
	SkipLoopFilter   bool
	SkipNonReference bool
}

// Params describes an elementary stream well enough to open a decoder.
type Params struct {
	Codec    string
	Kind     media.Kind
	TimeBase media.Rational

	SampleRate   int
	Channels     int
	SampleFormat media.SampleFormat

	Width       int
	Height      int
	PixelFormat string
	FrameRate   float64

	// Extradata carries out-of-band setup (SPS for H.264/H.265 in MP4).
	Extradata [][]byte
	// NALLengthSize is the AVCC length prefix size; zero means Annex B.
	NALLengthSize int

	Options Options
}

// Frame is one unit of decoder output. PTS and End are in the stream time
// base; media.NoPTS marks an unknown value.
type Frame struct {
	Kind     media.Kind
	PTS      int64
	Duration int64

	Audio      media.AudioTraits
	Samples    [][]byte
	NumSamples int

	Video    media.VideoTraits
	Planes   [][]byte
	Keyframe bool

	Text    string
	End     int64
	Channel int
}

// Decoder is an opened decoding context. Calls are made from a single
// goroutine. SendPacket with a nil packet starts draining; once drained,
// ReceiveFrame returns io.EOF and SendPacket returns io.EOF until Flush.
type Decoder interface {
	Name() string
	SendPacket(pkt *media.Packet) error
	ReceiveFrame() (*Frame, error)
	Flush()
	Close() error
}

// Class ranks implementations for negotiation.
type Class int

const (
	Software Class = iota
	Hardware
	Experimental
)

func (c Class) String() string {
	switch c {
	case Hardware:
		return "hardware"
	case Experimental:
		return "experimental"
	}
	return "software"
}

// Implementation is a named decoder factory for one codec.
type Implementation struct {
	Name  string
	Codec string
	Class Class
	Open  func(Params) (Decoder, error)
}
