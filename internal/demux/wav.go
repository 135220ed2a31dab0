package demux

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

// wavPacketFrames is the number of sample frames per demuxed packet.
const wavPacketFrames = 1024

const (
	wavFormatPCM        = 0x0001
	wavFormatFloat      = 0x0003
	wavFormatALaw       = 0x0006
	wavFormatMuLaw      = 0x0007
	wavFormatExtensible = 0xFFFE
)

type wavFormat struct {
	tag        uint16
	channels   int
	rate       int
	blockAlign int
	bits       int
}

// wavContainer reads the data chunk of a RIFF/WAVE file as fixed-size
// packets of interleaved samples.
type wavContainer struct {
	ci  containerInfo
	src Source
	log *slog.Logger
	r   *bufio.Reader
	tb  media.Rational
	wf  wavFormat

	dataStart int64
	dataSize  int64 // -1 when the header does not bound the data
	pos       int64
	frame     int64
}

func openWAV(_ context.Context, src Source, log *slog.Logger) (container, error) {
	c := &wavContainer{src: src, log: log, r: bufio.NewReaderSize(src, 64<<10), dataSize: -1}

	hdr := make([]byte, 12)
	if _, err := io.ReadFull(c.r, hdr); err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	if string(hdr[:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, errors.New("wav: not a RIFF/WAVE file")
	}
	c.pos = 12

	var haveFmt bool
	for {
		id, size, err := c.chunkHeader()
		if err != nil {
			return nil, fmt.Errorf("wav: %w", err)
		}
		if id == "data" {
			if !haveFmt {
				return nil, errors.New("wav: data chunk before fmt chunk")
			}
			c.dataStart = c.pos
			if size != 0 && size != 0xFFFFFFFF {
				c.dataSize = int64(size)
			}
			break
		}
		body := make([]byte, int(size)+int(size&1))
		if _, err := io.ReadFull(c.r, body); err != nil {
			return nil, fmt.Errorf("wav: %s chunk: %w", id, err)
		}
		c.pos += int64(len(body))
		if id == "fmt " {
			if c.wf, err = parseWAVFormat(body[:size]); err != nil {
				return nil, err
			}
			haveFmt = true
		}
	}

	name, err := c.wf.codec()
	if err != nil {
		return nil, err
	}
	c.tb = media.Rational{Num: 1, Den: int64(c.wf.rate)}
	st := Stream{
		Kind:  media.KindAudio,
		Codec: name,
		Start: media.NewTime(0, uint64(c.wf.rate)),
		Params: codec.Params{
			Codec:      name,
			Kind:       media.KindAudio,
			TimeBase:   c.tb,
			SampleRate: c.wf.rate,
			Channels:   c.wf.channels,
		},
	}
	if c.dataSize < 0 && src.Seekable() && src.Size() > c.dataStart {
		c.dataSize = src.Size() - c.dataStart
	}
	if c.dataSize >= 0 {
		st.Duration = media.NewTime(c.dataSize/int64(c.wf.blockAlign), uint64(c.wf.rate))
		c.ci.update(func(md *metadata) { md.duration = st.Duration })
	}
	c.ci.addStream(st)
	log.Info("found stream", "codec", name, "rate", c.wf.rate, "channels", c.wf.channels)
	return c, nil
}

func (c *wavContainer) format() string        { return "wav" }
func (c *wavContainer) info() *containerInfo { return &c.ci }

func (c *wavContainer) chunkHeader() (string, uint32, error) {
	var h [8]byte
	if _, err := io.ReadFull(c.r, h[:]); err != nil {
		return "", 0, err
	}
	c.pos += 8
	return string(h[:4]), binary.LittleEndian.Uint32(h[4:]), nil
}

func parseWAVFormat(b []byte) (wavFormat, error) {
	if len(b) < 16 {
		return wavFormat{}, errors.New("wav: short fmt chunk")
	}
	f := wavFormat{
		tag:        binary.LittleEndian.Uint16(b[0:]),
		channels:   int(binary.LittleEndian.Uint16(b[2:])),
		rate:       int(binary.LittleEndian.Uint32(b[4:])),
		blockAlign: int(binary.LittleEndian.Uint16(b[12:])),
		bits:       int(binary.LittleEndian.Uint16(b[14:])),
	}
	// WAVE_FORMAT_EXTENSIBLE carries the real tag in its sub-format GUID.
	if f.tag == wavFormatExtensible && len(b) >= 26 {
		f.tag = binary.LittleEndian.Uint16(b[24:])
	}
	if f.channels <= 0 || f.rate <= 0 || f.blockAlign <= 0 {
		return wavFormat{}, fmt.Errorf("wav: invalid format: %d channels, %d Hz, block %d", f.channels, f.rate, f.blockAlign)
	}
	return f, nil
}

func (f wavFormat) codec() (string, error) {
	switch {
	case f.tag == wavFormatPCM && f.bits == 8:
		return codec.PCMU8, nil
	case f.tag == wavFormatPCM && f.bits == 16:
		return codec.PCMS16LE, nil
	case f.tag == wavFormatPCM && f.bits == 24:
		return codec.PCMS24LE, nil
	case f.tag == wavFormatPCM && f.bits == 32:
		return codec.PCMS32LE, nil
	case f.tag == wavFormatFloat && f.bits == 32:
		return codec.PCMF32LE, nil
	case f.tag == wavFormatFloat && f.bits == 64:
		return codec.PCMF64LE, nil
	case f.tag == wavFormatALaw:
		return codec.PCMALaw, nil
	case f.tag == wavFormatMuLaw:
		return codec.PCMMuLaw, nil
	}
	return "", fmt.Errorf("wav: %w: format 0x%04x, %d bits", codec.ErrUnsupportedCodec, f.tag, f.bits)
}

func (c *wavContainer) readPacket(ctx context.Context) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := int64(wavPacketFrames * c.wf.blockAlign)
	if c.dataSize >= 0 {
		want = min(want, c.dataStart+c.dataSize-c.pos)
	}
	want -= want % int64(c.wf.blockAlign)
	if want <= 0 {
		return nil, io.EOF
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(c.r, buf)
	n -= n % c.wf.blockAlign
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	frames := int64(n / c.wf.blockAlign)
	p := &media.Packet{
		Payload:  media.WrapPayload(buf[:n]),
		PTS:      c.frame,
		DTS:      c.frame,
		Duration: frames,
		TimeBase: c.tb,
		Pos:      c.pos,
		Flags:    media.FlagKeyframe,
	}
	c.pos += int64(n)
	c.frame += frames
	return p, nil
}

func (c *wavContainer) seek(_ context.Context, flags SeekFlags, t media.Time, _ int) error {
	var frame int64
	if flags&SeekByte != 0 {
		frame = (t.Time - c.dataStart) / int64(c.wf.blockAlign)
	} else {
		frame = t.Ticks(c.tb)
	}
	frame = max(frame, 0)
	if c.dataSize >= 0 {
		frame = min(frame, c.dataSize/int64(c.wf.blockAlign))
	}
	pos := c.dataStart + frame*int64(c.wf.blockAlign)
	if _, err := c.src.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	c.r.Reset(c.src)
	c.pos = pos
	c.frame = frame
	return nil
}
