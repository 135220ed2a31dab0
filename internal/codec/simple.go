package codec

import (
	"io"

	"github.com/zsiec/reel/internal/media"
)

// packetDecoder adapts a stateless per-packet decode function to the
// send/receive contract.
type packetDecoder struct {
	name     string
	decode   func(pkt *media.Packet) ([]*Frame, error)
	reset    func()
	pending  []*Frame
	draining bool
}

func (d *packetDecoder) Name() string { return d.name }

func (d *packetDecoder) SendPacket(pkt *media.Packet) error {
	if d.draining {
		return io.EOF
	}
	if pkt == nil {
		d.draining = true
		return nil
	}
	if len(d.pending) > 0 {
		return ErrAgain
	}
	frames, err := d.decode(pkt)
	if err != nil {
		return err
	}
	d.pending = append(d.pending, frames...)
	return nil
}

func (d *packetDecoder) ReceiveFrame() (*Frame, error) {
	if len(d.pending) > 0 {
		f := d.pending[0]
		d.pending = d.pending[1:]
		return f, nil
	}
	if d.draining {
		return nil, io.EOF
	}
	return nil, ErrAgain
}

func (d *packetDecoder) Flush() {
	d.pending = nil
	d.draining = false
	if d.reset != nil {
		d.reset()
	}
}

func (d *packetDecoder) Close() error {
	d.pending = nil
	return nil
}

// packetPTS returns the packet PTS, falling back to its DTS.
func packetPTS(pkt *media.Packet) int64 {
	if pkt.PTS != media.NoPTS {
		return pkt.PTS
	}
	return pkt.DTS
}
