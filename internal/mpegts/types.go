// Package mpegts parses MPEG transport streams into the PSI tables and
// PES units a container demuxer needs: program numbers and their elementary
// streams, PES payloads with their 90 kHz timestamps, random access points
// and the byte offset each unit started at.
package mpegts

// Clock is the MPEG-TS system timestamp rate.
const Clock = 90000

// Stream types from ISO/IEC 13818-1 table 2-34 and the ATSC/DVB registries
// that the reel containers map to codecs.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypePrivatePES = 0x06
	StreamTypeAAC        = 0x0F
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
	StreamTypeAC3        = 0x81
)

// Descriptor tags read from PMT loops.
const (
	descriptorRegistration = 0x05
	descriptorLanguage     = 0x0A
	descriptorAC3          = 0x6A
	descriptorSubtitling   = 0x59
)

// Packet is one transport packet. Pos is the byte offset of its sync byte
// in the input.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	Pos     int64
}

// PacketHeader holds the transport header and the adaptation field flags.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool

	// PCR is the 27 MHz program clock reference, valid when HasPCR is set.
	HasPCR bool
	PCR    int64
}

// Data is one parsed unit. Exactly one of PAT, PMT or PES is set.
type Data struct {
	FirstPacket *Packet
	PAT         *PAT
	PMT         *PMT
	PES         *PES
}

// PAT is the program association table.
type PAT struct {
	TransportStreamID uint16
	Programs          []PATProgram
}

// PATProgram maps a program number to the PID of its PMT.
type PATProgram struct {
	ProgramNumber uint16
	PMTPID        uint16
}

// PMT is the program map table of one program.
type PMT struct {
	ProgramNumber uint16
	PCRPID        uint16
	Version       uint8
	Streams       []ElementaryStream
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8

	// Language is the ISO 639-2 code from the language or subtitling
	// descriptor, if any.
	Language string

	// AC3 is set for private PES streams carrying an AC-3 descriptor or
	// registration.
	AC3 bool

	// Subtitles is set for private PES streams carrying a DVB subtitling
	// descriptor.
	Subtitles bool
}

// PES is a reassembled packetized elementary stream unit. PTS and DTS are
// 33-bit 90 kHz values; -1 means absent.
type PES struct {
	StreamID     uint8
	PTS          int64
	DTS          int64
	Data         []byte
	RandomAccess bool
}

// HasPTS reports whether the unit carried a presentation timestamp.
func (p *PES) HasPTS() bool { return p.PTS >= 0 }

// HasDTS reports whether the unit carried a decode timestamp.
func (p *PES) HasDTS() bool { return p.DTS >= 0 }
