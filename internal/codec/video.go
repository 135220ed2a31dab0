package codec

import (
	"container/heap"
	"fmt"
	"io"

	"github.com/zsiec/reel/internal/media"
)

const maxReorderDelay = 16

func videoImplementations() []Implementation {
	return []Implementation{
		{Name: "h264", Codec: H264, Class: Software, Open: func(p Params) (Decoder, error) {
			return newAccessUnitDecoder("h264", h264Bitstream, p)
		}},
		{Name: "hevc", Codec: HEVC, Class: Software, Open: func(p Params) (Decoder, error) {
			return newAccessUnitDecoder("hevc", hevcBitstream, p)
		}},
		{Name: "rawvideo", Codec: RawVideo, Class: Software, Open: newRawVideoDecoder},
	}
}

// accessUnitDecoder validates H.264/H.265 access units, tracks stream traits
// from in-band or out-of-band SPS, and releases pictures in presentation
// order after the stream's reorder delay. Pictures carry the Annex B access
// unit as their single plane.
type accessUnitDecoder struct {
	name     string
	bs       bitstream
	params   Params
	traits   media.VideoTraits
	haveSPS  bool
	synced   bool
	delay    int
	pending  frameHeap
	ready    []*Frame
	draining bool
}

func newAccessUnitDecoder(name string, bs bitstream, p Params) (Decoder, error) {
	d := &accessUnitDecoder{
		name:   name,
		bs:     bs,
		params: p,
		delay:  2,
		traits: media.VideoTraits{
			Width:       p.Width,
			Height:      p.Height,
			PixelFormat: p.PixelFormat,
			FrameRate:   p.FrameRate,
		},
	}
	for _, nal := range p.Extradata {
		if len(nal) < bs.minNAL || !bs.isSPS(bs.typeOf(nal)) {
			continue
		}
		if err := d.applySPS(nal); err != nil {
			return nil, fmt.Errorf("%w: extradata SPS: %v", ErrInvalidData, err)
		}
	}
	return d, nil
}

func (d *accessUnitDecoder) Name() string { return d.name }

func (d *accessUnitDecoder) applySPS(nal []byte) error {
	info, err := d.bs.parseSPS(nal)
	if err != nil {
		return err
	}
	d.traits.Width = info.width
	d.traits.Height = info.height
	d.traits.PixelFormat = info.pixelFormat
	if info.fps > 0 {
		d.traits.FrameRate = info.fps
	}
	d.delay = min(max(info.reorder, 0), maxReorderDelay)
	d.haveSPS = true
	return nil
}

func (d *accessUnitDecoder) SendPacket(pkt *media.Packet) error {
	if d.draining {
		return io.EOF
	}
	if pkt == nil {
		d.draining = true
		for d.pending.Len() > 0 {
			d.ready = append(d.ready, heap.Pop(&d.pending).(*Frame))
		}
		return nil
	}
	if len(d.ready) > 0 {
		return ErrAgain
	}

	nals := d.bs.split(pkt.Data(), d.params.NALLengthSize)
	if len(nals) == 0 {
		return fmt.Errorf("%w: no NAL units in %d byte packet", ErrInvalidData, pkt.Payload.Len())
	}

	keyframe := false
	vcl := 0
	out := make([]byte, 0, pkt.Payload.Len()+4*len(nals))
	for _, nal := range nals {
		switch {
		case d.bs.isSPS(nal.Type):
			if err := d.applySPS(nal.Data); err != nil {
				return fmt.Errorf("%w: SPS: %v", ErrInvalidData, err)
			}
		case d.bs.isKeyframe(nal.Type):
			keyframe = true
		}
		if d.bs.isVCL(nal.Type) {
			if d.params.Options.SkipNonReference && d.bs.isDroppable(nal) {
				continue
			}
			vcl++
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, nal.Data...)
	}

	if keyframe || pkt.Keyframe() {
		d.synced = true
	}
	// Pictures before the first random access point cannot be
	// reconstructed; they are consumed without output.
	if vcl == 0 || !d.synced || !d.haveSPS {
		return nil
	}

	f := &Frame{
		Kind:     media.KindVideo,
		PTS:      packetPTS(pkt),
		Duration: pkt.Duration,
		Video:    d.traits,
		Planes:   [][]byte{out},
		Keyframe: keyframe,
	}
	heap.Push(&d.pending, f)
	for d.pending.Len() > d.delay {
		d.ready = append(d.ready, heap.Pop(&d.pending).(*Frame))
	}
	return nil
}

func (d *accessUnitDecoder) ReceiveFrame() (*Frame, error) {
	if len(d.ready) > 0 {
		f := d.ready[0]
		d.ready = d.ready[1:]
		return f, nil
	}
	if d.draining {
		return nil, io.EOF
	}
	return nil, ErrAgain
}

func (d *accessUnitDecoder) Flush() {
	d.pending = d.pending[:0]
	d.ready = nil
	d.draining = false
	d.synced = false
}

func (d *accessUnitDecoder) Close() error {
	d.Flush()
	return nil
}

// frameHeap orders pending pictures by PTS.
type frameHeap []*Frame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].PTS < h[j].PTS }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(*Frame)) }
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	*h = old[:n-1]
	return f
}

func newRawVideoDecoder(p Params) (Decoder, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("%w: rawvideo needs dimensions", ErrInvalidData)
	}
	traits := media.VideoTraits{Width: p.Width, Height: p.Height, PixelFormat: p.PixelFormat, FrameRate: p.FrameRate}
	return &packetDecoder{
		name: "rawvideo",
		decode: func(pkt *media.Packet) ([]*Frame, error) {
			plane := make([]byte, pkt.Payload.Len())
			copy(plane, pkt.Data())
			return []*Frame{{
				Kind:     media.KindVideo,
				PTS:      packetPTS(pkt),
				Duration: pkt.Duration,
				Video:    traits,
				Planes:   [][]byte{plane},
				Keyframe: true,
			}}, nil
		},
	}, nil
}
