package codec

import (
	"encoding/binary"
	"strings"

	"github.com/zsiec/ccx"

	"github.com/zsiec/reel/internal/media"
)

func subtitleImplementations() []Implementation {
	return []Implementation{
		{Name: "subrip", Codec: SubRip, Class: Software, Open: newTextDecoder(SubRip)},
		{Name: "text", Codec: Text, Class: Software, Open: newTextDecoder(Text)},
		{Name: "mov_text", Codec: MovText, Class: Software, Open: newTextDecoder(MovText)},
		{Name: "cc_dec", Codec: EIA608, Class: Software, Open: newCaptionDecoder},
	}
}

func newTextDecoder(codec string) func(Params) (Decoder, error) {
	return func(p Params) (Decoder, error) {
		return &packetDecoder{
			name: codec,
			decode: func(pkt *media.Packet) ([]*Frame, error) {
				data := pkt.Data()
				if codec == MovText {
					// tx3g samples start with a 16-bit text length.
					if len(data) < 2 {
						return nil, nil
					}
					n := int(binary.BigEndian.Uint16(data))
					data = data[2:min(2+n, len(data))]
				}
				text := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
				if text == "" {
					return nil, nil
				}
				f := &Frame{
					Kind: media.KindSubtitle,
					PTS:  packetPTS(pkt),
					Text: text,
					End:  media.NoPTS,
				}
				if pkt.Duration > 0 && f.PTS != media.NoPTS {
					f.Duration = pkt.Duration
					f.End = f.PTS + pkt.Duration
				}
				return []*Frame{f}, nil
			},
		}, nil
	}
}

// captionDecoder turns SEI NAL units carrying ATSC A/53 user data into
// CEA-608 caption text, one decoder per caption channel.
type captionDecoder struct {
	decs map[int]*ccx.CEA608Decoder

	pictures   int64
	lastCtrl   [2][2]byte
	ctrlRepeat [2]bool
	ctrlAt     [2]int64
}

func newCaptionDecoder(Params) (Decoder, error) {
	c := &captionDecoder{}
	c.reset()
	return &packetDecoder{
		name:   "cc_dec",
		decode: c.decode,
		reset:  c.reset,
	}, nil
}

func (c *captionDecoder) reset() {
	c.decs = map[int]*ccx.CEA608Decoder{
		1: ccx.NewCEA608Decoder(),
		2: ccx.NewCEA608Decoder(),
		3: ccx.NewCEA608Decoder(),
		4: ccx.NewCEA608Decoder(),
	}
	c.pictures = 0
	c.ctrlRepeat = [2]bool{}
}

func (c *captionDecoder) decode(pkt *media.Packet) ([]*Frame, error) {
	c.pictures++
	cd := ccx.ExtractCaptions(pkt.Data())
	if cd == nil {
		return nil, nil
	}

	var frames []*Frame
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are transmitted twice for redundancy; the
		// repeat within two pictures is dropped.
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.ctrlRepeat[f] && c.lastCtrl[f] == cp && c.pictures-c.ctrlAt[f] <= 2 {
				c.ctrlRepeat[f] = false
				continue
			}
			c.lastCtrl[f] = cp
			c.ctrlRepeat[f] = true
			c.ctrlAt[f] = c.pictures
		} else {
			c.ctrlRepeat[f] = false
		}

		dec := c.decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frames = append(frames, &Frame{
				Kind:    media.KindSubtitle,
				PTS:     packetPTS(pkt),
				Text:    text,
				End:     media.NoPTS,
				Channel: pair.Channel,
			})
		}
	}
	return frames, nil
}
