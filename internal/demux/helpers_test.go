package demux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/reel/internal/media"
)

// memSource is an in-memory Source. Unseekable instances behave like a
// live stream.
type memSource struct {
	*bytes.Reader
	name     string
	size     int64
	seekable bool
	closed   bool
}

func newMemSource(name string, data []byte, seekable bool) *memSource {
	return &memSource{Reader: bytes.NewReader(data), name: name, size: int64(len(data)), seekable: seekable}
}

func (m *memSource) Seekable() bool { return m.seekable }
func (m *memSource) Name() string   { return m.name }
func (m *memSource) Close() error   { m.closed = true; return nil }

func (m *memSource) Size() int64 {
	if !m.seekable {
		return -1
	}
	return m.size
}

func (m *memSource) Seek(off int64, whence int) (int64, error) {
	if !m.seekable {
		return 0, errors.New("not seekable")
	}
	return m.Reader.Seek(off, whence)
}

func openMem(t *testing.T, name string, data []byte, seekable bool) *Demuxer {
	t.Helper()
	d, err := OpenSource(context.Background(), newMemSource(name, data, seekable), Options{})
	if err != nil {
		t.Fatalf("OpenSource(%s): %v", name, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func drain(t *testing.T, d *Demuxer) []*media.Packet {
	t.Helper()
	var out []*media.Packet
	for range 100000 {
		pkt, err := d.Demux(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Demux: %v", err)
		}
		out = append(out, pkt)
	}
	t.Fatal("Demux never reached EOF")
	return nil
}

// Transport stream builders.

var mpegCRC [256]uint32

func init() {
	for i := range mpegCRC {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		mpegCRC[i] = crc
	}
}

func appendCRC(data []byte) []byte {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ mpegCRC[byte(crc>>24)^b]
	}
	return binary.BigEndian.AppendUint32(data, crc)
}

type tsBuilder struct {
	buf bytes.Buffer
	cc  map[uint16]uint8
}

func newTSBuilder() *tsBuilder {
	return &tsBuilder{cc: make(map[uint16]uint8)}
}

// packet writes one 188-byte packet, padding short payloads with
// adaptation field stuffing.
func (b *tsBuilder) packet(pid uint16, pusi, rai bool, payload []byte) {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(pid>>8) & 0x1F
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	cc := b.cc[pid]
	b.cc[pid] = (cc + 1) & 0x0F
	pkt[3] = 0x10 | cc

	off := 4
	if rai || len(payload) < 184 {
		afLen := 183 - len(payload)
		pkt[3] |= 0x20
		pkt[4] = byte(afLen)
		if afLen > 0 {
			if rai {
				pkt[5] = 0x40
			}
			for i := 6; i < 5+afLen; i++ {
				pkt[i] = 0xFF
			}
		}
		off = 5 + afLen
	}
	copy(pkt[off:], payload)
	b.buf.Write(pkt)
}

func (b *tsBuilder) pat(programs ...[2]uint16) {
	sec := []byte{0x00, 0, 0, 0, 1, 0xC1, 0, 0}
	for _, p := range programs {
		sec = append(sec, byte(p[0]>>8), byte(p[0]), 0xE0|byte(p[1]>>8), byte(p[1]))
	}
	b.section(0, sec)
}

type pmtEntry struct {
	pid        uint16
	streamType uint8
	lang       string
}

func (b *tsBuilder) pmt(pmtPID, program, pcrPID uint16, streams ...pmtEntry) {
	sec := []byte{0x02, 0, 0, byte(program >> 8), byte(program), 0xC1, 0, 0,
		0xE0 | byte(pcrPID>>8), byte(pcrPID), 0xF0, 0}
	for _, s := range streams {
		var desc []byte
		if s.lang != "" {
			desc = append([]byte{0x0A, 4}, s.lang...)
			desc = append(desc, 0)
		}
		sec = append(sec, s.streamType, 0xE0|byte(s.pid>>8), byte(s.pid), 0xF0, byte(len(desc)))
		sec = append(sec, desc...)
	}
	b.section(pmtPID, sec)
}

// section fills in the section length and CRC and writes it with a
// pointer field.
func (b *tsBuilder) section(pid uint16, sec []byte) {
	n := len(sec) - 3 + 4
	sec[1] = 0xB0 | byte(n>>8)&0x0F
	sec[2] = byte(n)
	b.packet(pid, true, false, append([]byte{0}, appendCRC(sec)...))
}

func tsTimestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29&0x0E) | 0x01,
		byte(v >> 22),
		byte(v>>14&0xFE) | 0x01,
		byte(v >> 7),
		byte(v<<1&0xFE) | 0x01,
	}
}

// pes writes one PES unit; dts < 0 omits the DTS.
func (b *tsBuilder) pes(pid uint16, streamID byte, rai bool, pts, dts int64, data []byte) {
	flags, opt := byte(0x80), tsTimestamp(2, pts)
	if dts >= 0 {
		flags, opt = 0xC0, append(tsTimestamp(3, pts), tsTimestamp(1, dts)...)
	}
	unit := []byte{0, 0, 1, streamID, 0, 0, 0x80, flags, byte(len(opt))}
	unit = append(unit, opt...)
	unit = append(unit, data...)
	if streamID < 0xE0 {
		n := len(unit) - 6
		unit[4], unit[5] = byte(n>>8), byte(n)
	}
	first := true
	for len(unit) > 0 {
		room := 184
		if first && rai {
			room = 182
		}
		n := min(room, len(unit))
		b.packet(pid, first, first && rai, unit[:n])
		unit = unit[n:]
		first = false
	}
}

func (b *tsBuilder) bytes() []byte { return b.buf.Bytes() }

// Elementary stream payloads.

var (
	h264IDR = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33, 0xFF, 0x10, 0x20}
	h264P   = []byte{0, 0, 0, 1, 0x41, 0x9A, 0x02, 0x04, 0x10, 0x20, 0x30, 0x40}
)

// adtsFrame returns an AAC-LC ADTS frame at 48 kHz stereo.
func adtsFrame(payload []byte) []byte {
	n := 7 + len(payload)
	h := []byte{
		0xFF, 0xF1,
		1<<6 | 3<<2,
		2<<6 | byte(n>>11)&0x03,
		byte(n >> 3),
		byte(n&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

// wavFile returns a 16-bit PCM file of frames sample frames.
func wavFile(rate, channels, frames int) []byte {
	data := make([]byte, frames*channels*2)
	for i := range data {
		data[i] = byte(i)
	}
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(data)))
	b.WriteString("WAVEfmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("LIST")
	binary.Write(&b, binary.LittleEndian, uint32(4))
	b.WriteString("INFO")
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

const testSRT = "1\n00:00:01,000 --> 00:00:02,500\nHello\n\n2\n00:00:03,000 --> 00:00:04,000 X1:10 X2:20\nTwo\nlines\n\n3\n00:00:05,000 --> 00:00:06,000\nLast\n"
