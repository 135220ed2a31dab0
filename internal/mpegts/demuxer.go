package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Demuxer reads transport packets from a reader and returns the PAT, PMT
// and PES units they carry.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	pktSize    int
	pos        int64
	pool       *packetPool
	programMap *programMap
	pending    []*Data
	eof        bool
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithPacketSize sets the on-disk packet size: 188 for plain transport
// streams, 192 for M2TS with arrival timestamps.
func WithPacketSize(size int) Option {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// WithPosition sets the byte offset of the first byte r returns.
func WithPosition(pos int64) Option {
	return func(d *Demuxer) {
		d.pos = pos
	}
}

// NewDemuxer returns a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...Option) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		reader:     r,
		pktSize:    packetSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// PacketSize returns the on-disk packet size.
func (d *Demuxer) PacketSize() int { return d.pktSize }

// Position returns the byte offset of the next packet to be read.
func (d *Demuxer) Position() int64 { return d.pos }

// Reset switches to a new reader positioned at pos, typically after a seek.
// Partial units are dropped; known PMT PIDs are kept.
func (d *Demuxer) Reset(r io.Reader, pos int64) {
	d.reader = r
	d.pos = pos
	d.pool.reset()
	d.pending = nil
	d.eof = false
}

// NextData returns the next parsed unit. It returns io.EOF once the input
// is exhausted and every buffered unit was returned.
func (d *Demuxer) NextData() (*Data, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := d.readPacket()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			d.eof = true
			d.drainPool()
			continue
		}
		if err != nil {
			return nil, err
		}
		if pkt == nil {
			continue // corrupt
		}

		flushed := d.pool.add(pkt)
		if flushed == nil {
			continue
		}
		results, err := d.processPackets(flushed)
		if err != nil {
			continue // corrupt section
		}
		d.pending = append(d.pending, results...)
	}
}

// readPacket reads one packet. A nil packet with a nil error means the
// bytes read were not a valid packet.
func (d *Demuxer) readPacket() (*Packet, error) {
	pos := d.pos
	n, err := io.ReadFull(d.reader, d.readBuf)
	d.pos += int64(n)
	if err != nil {
		return nil, err
	}
	buf := d.readBuf
	if d.pktSize == m2tsPacketSize {
		buf = buf[4:]
		pos += 4
	} else if d.pktSize != packetSize {
		return nil, fmt.Errorf("mpegts: unsupported packet size %d", d.pktSize)
	}
	pkt, err := parsePacket(buf)
	if err != nil {
		return nil, nil
	}
	pkt.Pos = pos
	return pkt, nil
}

func (d *Demuxer) drainPool() {
	for _, packets := range d.pool.dump() {
		results, err := d.processPackets(packets)
		if err != nil {
			continue
		}
		d.pending = append(d.pending, results...)
	}
}

func (d *Demuxer) processPackets(packets []*Packet) ([]*Data, error) {
	first := packets[0]
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	if d.programMap.isPSI(first.Header.PID) {
		results, err := parsePSI(payload, first)
		for _, r := range results {
			if r.PAT == nil {
				continue
			}
			for _, p := range r.PAT.Programs {
				d.programMap.addPMTPID(p.PMTPID, p.ProgramNumber)
			}
		}
		return results, err
	}

	if !isPESPayload(payload) {
		return nil, nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil, err
	}
	pes.RandomAccess = first.Header.RandomAccessIndicator
	return []*Data{{FirstPacket: first, PES: pes}}, nil
}

// Probe reports whether buf looks like a transport stream and returns its
// packet size: the sync byte must repeat at the packet stride.
func Probe(buf []byte) (int, bool) {
	for _, size := range []int{packetSize, m2tsPacketSize} {
		off := 0
		if size == m2tsPacketSize {
			off = 4
		}
		n := 0
		for i := off; i < len(buf); i += size {
			if buf[i] != syncByte {
				n = 0
				break
			}
			n++
		}
		if n >= 3 || n >= 1 && len(buf) >= size && len(buf) < 3*size {
			return size, true
		}
	}
	return 0, false
}
