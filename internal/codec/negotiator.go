package codec

import (
	"fmt"
	"log/slog"
	"strings"
)

// Candidate is an implementation whose decoder opened successfully.
type Candidate struct {
	Impl    Implementation
	Decoder Decoder
}

// Negotiator selects and opens decoders for a stream.
type Negotiator struct {
	log            *slog.Logger
	lib            *Library
	preferSoftware bool
}

// NewNegotiator returns a negotiator over lib (the built-in library when
// nil). If log is nil, slog.Default() is used.
func NewNegotiator(lib *Library, preferSoftware bool, log *slog.Logger) *Negotiator {
	if lib == nil {
		lib = Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Negotiator{
		log:            log.With("component", "codec"),
		lib:            lib,
		preferSoftware: preferSoftware,
	}
}

// Library returns the negotiator's implementation set.
func (n *Negotiator) Library() *Library {
	return n.lib
}

// Candidates opens every suitable implementation for p and returns them in
// preference order: hardware then software (reversed when software is
// preferred), experimental last. ErrUnsupportedCodec is returned when none
// opened.
func (n *Negotiator) Candidates(p Params) ([]Candidate, error) {
	var hw, sw, exp []Candidate
	for _, impl := range n.lib.Lookup(p.Codec) {
		if impl.Class == Hardware && !hardwareSuitable(impl.Name, p) {
			continue
		}
		dec, err := TryOpen(impl, p)
		if err != nil {
			n.log.Debug("decoder failed to open", "decoder", impl.Name, "codec", p.Codec, "error", err)
			continue
		}
		c := Candidate{Impl: impl, Decoder: dec}
		switch impl.Class {
		case Hardware:
			hw = append(hw, c)
		case Experimental:
			exp = append(exp, c)
		default:
			sw = append(sw, c)
		}
	}

	var out []Candidate
	if n.preferSoftware {
		out = append(append(out, sw...), hw...)
	} else {
		out = append(append(out, hw...), sw...)
	}
	out = append(out, exp...)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, p.Codec)
	}
	return out, nil
}

// Recommend returns the candidates for p with the named implementation moved
// to the front. The order is otherwise unchanged.
func (n *Negotiator) Recommend(p Params, name string) ([]Candidate, error) {
	cands, err := n.Candidates(p)
	if err != nil {
		return nil, err
	}
	for i, c := range cands {
		if c.Impl.Name != name {
			continue
		}
		out := make([]Candidate, 0, len(cands))
		out = append(out, c)
		out = append(out, cands[:i]...)
		return append(out, cands[i+1:]...), nil
	}
	return cands, nil
}

// TryOpen opens impl for p and wraps any failure with the implementation name.
func TryOpen(impl Implementation, p Params) (Decoder, error) {
	if impl.Open == nil {
		return nil, fmt.Errorf("codec: %s has no open function", impl.Name)
	}
	dec, err := impl.Open(p)
	if err != nil {
		return nil, fmt.Errorf("codec: open %s: %w", impl.Name, err)
	}
	if dec == nil {
		return nil, fmt.Errorf("codec: open %s returned no decoder", impl.Name)
	}
	return dec, nil
}

// CloseAll closes every candidate decoder.
func CloseAll(cands []Candidate) {
	for _, c := range cands {
		if c.Decoder != nil {
			c.Decoder.Close()
		}
	}
}

// hardwareSuitable filters hardware decoders known to mishandle a stream.
func hardwareSuitable(name string, p Params) bool {
	switch {
	case strings.HasSuffix(name, "_vda"):
		return false
	case strings.HasSuffix(name, "_cuvid"):
		// mjpeg_cuvid also handles 4:2:2 and 4:4:4.
		return p.Codec == "mjpeg" || p.PixelFormat == "" || p.PixelFormat == "yuv420p"
	}
	return true
}
