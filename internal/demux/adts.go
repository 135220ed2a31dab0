package demux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
)

const (
	adtsHeaderSize  = 7
	aacFrameSamples = 1024
)

// adtsContainer reads raw AAC in ADTS framing. Every frame is one access
// unit of 1024 samples, so timestamps are frame counts in the sample rate.
type adtsContainer struct {
	ci  containerInfo
	src Source
	log *slog.Logger
	r   *bufio.Reader
	tb  media.Rational

	pos   int64
	frame int64

	// offsets indexes frame starts of seekable inputs.
	offsets []int64
}

func openADTS(ctx context.Context, src Source, log *slog.Logger) (container, error) {
	c := &adtsContainer{src: src, log: log, r: bufio.NewReaderSize(src, 64<<10)}
	if err := c.skipTag(); err != nil {
		return nil, err
	}
	start := c.pos

	hdr, err := c.r.Peek(adtsHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("adts: %w", err)
	}
	frame, err := c.r.Peek(adtsFrameLength(hdr))
	if err != nil {
		return nil, fmt.Errorf("adts: %w", err)
	}
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("adts: %w", err)
	}
	first := pkts[0]
	if first.SampleRate <= 0 {
		return nil, errors.New("adts: invalid sample rate")
	}
	c.tb = media.Rational{Num: 1, Den: int64(first.SampleRate)}
	c.ci.addStream(Stream{
		Kind:  media.KindAudio,
		Codec: codec.AAC,
		Start: media.NewTime(0, uint64(first.SampleRate)),
		Params: codec.Params{
			Codec:      codec.AAC,
			Kind:       media.KindAudio,
			TimeBase:   c.tb,
			SampleRate: first.SampleRate,
			Channels:   first.ChannelCount,
		},
	})

	if src.Seekable() {
		if err := c.index(ctx, start); err != nil {
			return nil, err
		}
		n := int64(len(c.offsets)) * aacFrameSamples
		c.ci.update(func(md *metadata) {
			d := media.NewTime(n, uint64(first.SampleRate))
			md.duration = d
			md.streams[0].Duration = d
		})
		if err := c.reset(start); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *adtsContainer) format() string        { return "adts" }
func (c *adtsContainer) info() *containerInfo { return &c.ci }

// skipTag discards a leading ID3v2 tag.
func (c *adtsContainer) skipTag() error {
	hdr, err := c.r.Peek(10)
	if err != nil || string(hdr[:3]) != "ID3" {
		return nil
	}
	size := 10 + (int(hdr[6]&0x7F)<<21 | int(hdr[7]&0x7F)<<14 | int(hdr[8]&0x7F)<<7 | int(hdr[9]&0x7F))
	n, err := c.r.Discard(size)
	c.pos += int64(n)
	if err != nil {
		return fmt.Errorf("adts: id3 tag: %w", err)
	}
	return nil
}

// index walks the frame headers from start to the end of the file.
func (c *adtsContainer) index(ctx context.Context, start int64) error {
	hdr := make([]byte, adtsHeaderSize)
	for off := start; ; {
		if len(c.offsets)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := readAt(c.src, hdr, off); err != nil {
			break
		}
		n := adtsFrameLength(hdr)
		if hdr[0] != 0xFF || hdr[1]&0xF6 != 0xF0 || n < adtsHeaderSize {
			c.log.Warn("adts index stopped at bad header", "offset", off)
			break
		}
		c.offsets = append(c.offsets, off)
		off += int64(n)
	}
	return nil
}

func (c *adtsContainer) reset(pos int64) error {
	if _, err := c.src.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	c.r.Reset(c.src)
	c.pos = pos
	return nil
}

func (c *adtsContainer) readPacket(ctx context.Context) (*media.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := c.r.Peek(adtsHeaderSize)
		if err != nil {
			return nil, io.EOF
		}
		n := adtsFrameLength(hdr)
		if hdr[0] != 0xFF || hdr[1]&0xF6 != 0xF0 || n < adtsHeaderSize {
			// Resynchronize on the next syncword.
			c.r.Discard(1)
			c.pos++
			continue
		}
		buf := make([]byte, n)
		pos := c.pos
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, io.EOF
		}
		c.pos += int64(n)

		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(buf); err != nil {
			c.log.Debug("bad adts frame", "offset", pos, "error", err)
			c.frame++
			continue
		}
		p := &media.Packet{
			Payload:  media.WrapPayload(pkts[0].AU),
			PTS:      c.frame * aacFrameSamples,
			DTS:      c.frame * aacFrameSamples,
			Duration: aacFrameSamples,
			TimeBase: c.tb,
			Pos:      pos,
			Flags:    media.FlagKeyframe,
		}
		c.frame++
		return p, nil
	}
}

func (c *adtsContainer) seek(_ context.Context, flags SeekFlags, t media.Time, _ int) error {
	if len(c.offsets) == 0 {
		return c.reset(c.pos)
	}
	var frame int
	if flags&SeekByte != 0 {
		frame = sort.Search(len(c.offsets), func(i int) bool { return c.offsets[i] >= t.Time })
	} else {
		frame = int(max(0, t.Ticks(c.tb)) / aacFrameSamples)
	}
	if frame >= len(c.offsets) {
		if err := c.reset(c.src.Size()); err != nil {
			return err
		}
		c.frame = int64(len(c.offsets))
		return nil
	}
	if err := c.reset(c.offsets[frame]); err != nil {
		return err
	}
	c.frame = int64(frame)
	return nil
}
